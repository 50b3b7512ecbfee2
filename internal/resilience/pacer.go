package resilience

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"golang.org/x/time/rate"
)

// Pacer delays outgoing venue calls to stay under a request budget.
type Pacer interface {
	Wait(ctx context.Context) error
}

// LocalPacer is a per-process token bucket.
type LocalPacer struct {
	limiter *rate.Limiter
}

// NewLocalPacer allows perSecond requests with the given burst.
func NewLocalPacer(perSecond float64, burst int) *LocalPacer {
	if burst < 1 {
		burst = 1
	}
	return &LocalPacer{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (p *LocalPacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacer: %w", err)
	}
	return nil
}

// SharedPacer paces against a distributed limiter so that several
// processes sharing venue credentials share one budget.
type SharedPacer struct {
	limiter domain.RateLimiter
	key     string
}

// NewSharedPacer paces on key using limiter.
func NewSharedPacer(limiter domain.RateLimiter, venue domain.Venue) *SharedPacer {
	return &SharedPacer{limiter: limiter, key: "venue:" + string(venue)}
}

// Wait blocks until the shared window admits a request.
func (p *SharedPacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx, p.key); err != nil {
		return fmt.Errorf("shared pacer %s: %w", p.key, err)
	}
	return nil
}

var (
	_ Pacer = (*LocalPacer)(nil)
	_ Pacer = (*SharedPacer)(nil)
)
