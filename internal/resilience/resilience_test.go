package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/venue/paper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCircuitBreakerLifecycle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var transitions []CircuitState
	b := NewCircuitBreaker(domain.VenueBinance, BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, OpenTimeout: 10 * time.Second},
		func(_ domain.Venue, _, to CircuitState) { transitions = append(transitions, to) })
	b.now = clock.now

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess() // resets the consecutive count
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, CircuitClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, CircuitOpen, b.State())
	assert.ErrorIs(t, b.Allow(), domain.ErrCircuitOpen)

	clock.advance(9 * time.Second)
	assert.ErrorIs(t, b.Allow(), domain.ErrCircuitOpen)
	clock.advance(time.Second)
	assert.NoError(t, b.Allow())
	assert.Equal(t, CircuitHalfOpen, b.State())

	// A single half-open failure reopens.
	b.RecordFailure()
	assert.Equal(t, CircuitOpen, b.State())

	clock.advance(10 * time.Second)
	require.Equal(t, CircuitHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, CircuitClosed, b.State())

	assert.Equal(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitOpen, CircuitHalfOpen, CircuitClosed}, transitions)
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}.withDefaults()
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(10))

	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.Backoff(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}

	rl := domain.RateLimitError(domain.VenueOKX, "place_order", 3*time.Second)
	assert.Equal(t, 3*time.Second, p.Delay(1, rl))
	assert.True(t, ShouldRetry(rl))
	assert.False(t, ShouldRetry(domain.ErrRejected))
}

func newWrapped(t *testing.T, cfg Config) (*Adapter, *paper.Exchange, *[]time.Duration) {
	t.Helper()
	ex := paper.New(paper.Config{Venue: domain.VenueOKX})
	require.NoError(t, ex.Connect(t.Context()))
	ex.SetPrice("BTC-USDT", 100)

	a := Wrap(ex, cfg, nil)
	var sleeps []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return a, ex, &sleeps
}

func TestAdapterRetriesTransientFailures(t *testing.T) {
	a, ex, sleeps := newWrapped(t, Config{Retry: RetryPolicy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, Multiplier: 2}})
	ex.FailNext("get_current_price", domain.NewVenueError(domain.VenueOKX, "get_current_price", domain.ClassNetwork, errors.New("reset")), 2)

	px, err := a.GetCurrentPrice(t.Context(), "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, 100.0, px)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *sleeps)

	st := a.Stats()
	assert.Equal(t, int64(1), st.TotalRequests)
	assert.Equal(t, int64(1), st.Successful)
	assert.Equal(t, int64(2), st.Retried)
	assert.Equal(t, 3, ex.Calls("get_current_price"))
}

func TestAdapterHonorsRetryAfter(t *testing.T) {
	a, ex, sleeps := newWrapped(t, Config{})
	ex.FailNext("get_current_price", domain.RateLimitError(domain.VenueOKX, "get_current_price", 1500*time.Millisecond), 1)

	_, err := a.GetCurrentPrice(t.Context(), "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, *sleeps)
}

func TestAdapterDoesNotRetryRejections(t *testing.T) {
	a, ex, sleeps := newWrapped(t, Config{Breaker: BreakerConfig{FailureThreshold: 1}})
	_, err := a.PlaceOrder(t.Context(), domain.OrderRequest{ClientOrderID: "x", Symbol: "BTC-USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 1})
	require.Error(t, err)
	assert.Equal(t, domain.ClassRejection, domain.Classify(err))
	assert.Empty(t, *sleeps)
	assert.Equal(t, 1, ex.Calls("place_order"))
	assert.Equal(t, CircuitClosed, a.Breaker().State(), "rejections do not trip the breaker")
}

func TestAdapterOpensCircuitAndFailsFast(t *testing.T) {
	a, ex, _ := newWrapped(t, Config{
		Breaker: BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour},
		Retry:   RetryPolicy{MaxAttempts: 1},
	})
	ex.FailNext("", domain.ErrNetwork, 10)

	for i := 0; i < 2; i++ {
		_, err := a.GetOrderBook(t.Context(), "BTC-USDT", 5)
		assert.ErrorIs(t, err, domain.ErrNetwork)
	}
	assert.False(t, a.IsConnected())

	calls := ex.Calls("get_order_book")
	_, err := a.GetOrderBook(t.Context(), "BTC-USDT", 5)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, domain.ClassCircuitOpen, domain.Classify(err))
	assert.Equal(t, calls, ex.Calls("get_order_book"), "no venue call while open")

	var ve *domain.VenueError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.VenueOKX, ve.Venue)
	assert.Equal(t, "get_order_book", ve.Op)

	st := a.Stats()
	assert.Equal(t, int64(1), st.CircuitRejections)
	assert.Equal(t, int64(3), st.Failed)
	assert.Equal(t, CircuitOpen, st.CircuitState)
}

func TestAdapterTimeoutCountsAsFailure(t *testing.T) {
	ex := paper.New(paper.Config{Venue: domain.VenueKraken, Latency: 200 * time.Millisecond})
	ex.SetConnected(true)
	a := Wrap(ex, Config{CallTimeout: 5 * time.Millisecond, Retry: RetryPolicy{MaxAttempts: 1}, Breaker: BreakerConfig{FailureThreshold: 1}}, nil)

	_, err := a.GetCurrentPrice(t.Context(), "BTC-USDT")
	require.Error(t, err)
	assert.Equal(t, domain.ClassTimeout, domain.Classify(err))
	assert.Equal(t, CircuitOpen, a.Breaker().State())
}

func TestLocalPacer(t *testing.T) {
	p := NewLocalPacer(1000, 1)
	require.NoError(t, p.Wait(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.Error(t, p.Wait(ctx))
}
