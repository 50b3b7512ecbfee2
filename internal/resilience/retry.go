package resilience

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// RetryPolicy is exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts    int // total attempts including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64 // fraction of the delay, 0..1
}

// DefaultRetryPolicy returns three attempts starting at 100ms, doubling,
// capped at 5s with 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         0.1,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff returns the delay before retry number attempt (1-based), capped
// at MaxBackoff after jitter is applied.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	if d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Delay picks the wait before the next attempt: the server hint for rate
// limits when present, otherwise the computed backoff.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	if domain.Classify(err) == domain.ClassRateLimit {
		if d, ok := domain.RetryAfterHint(err); ok {
			return d
		}
	}
	return p.Backoff(attempt)
}

// ShouldRetry reports whether err belongs to a retryable class.
func ShouldRetry(err error) bool {
	return domain.Classify(err).Retryable()
}
