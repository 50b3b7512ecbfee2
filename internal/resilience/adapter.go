package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Config assembles the decorator's policies.
type Config struct {
	Breaker     BreakerConfig
	Retry       RetryPolicy
	CallTimeout time.Duration // per attempt; zero disables

	// Optional runtime hooks.
	Pacer         Pacer
	OnStateChange StateChangeFunc
}

// Stats are the decorator's aggregate counters.
type Stats struct {
	Venue             domain.Venue `json:"venue"`
	TotalRequests     int64        `json:"total_requests"`
	Successful        int64        `json:"successful"`
	Failed            int64        `json:"failed"`
	Retried           int64        `json:"retried"`
	CircuitRejections int64        `json:"circuit_rejections"`
	CircuitState      CircuitState `json:"circuit_state"`
}

// Adapter decorates a VenueAdapter with a circuit breaker, retry with
// backoff, per-call timeouts and optional pacing. It implements
// domain.VenueAdapter itself, so it can be registered anywhere the inner
// adapter could.
type Adapter struct {
	inner   domain.VenueAdapter
	breaker *CircuitBreaker
	retry   RetryPolicy
	timeout time.Duration
	pacer   Pacer
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	retried    atomic.Int64
	rejected   atomic.Int64
}

var _ domain.VenueAdapter = (*Adapter)(nil)

// Wrap decorates inner.
func Wrap(inner domain.VenueAdapter, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "resilience"), slog.String("venue", string(inner.Venue())))

	onChange := func(v domain.Venue, from, to CircuitState) {
		logger.Warn("circuit state change", slog.String("from", string(from)), slog.String("to", string(to)))
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(v, from, to)
		}
	}
	return &Adapter{
		inner:   inner,
		breaker: NewCircuitBreaker(inner.Venue(), cfg.Breaker, onChange),
		retry:   cfg.Retry.withDefaults(),
		timeout: cfg.CallTimeout,
		pacer:   cfg.Pacer,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Inner returns the wrapped adapter.
func (a *Adapter) Inner() domain.VenueAdapter { return a.inner }

// Breaker exposes the circuit breaker.
func (a *Adapter) Breaker() *CircuitBreaker { return a.breaker }

// Stats returns a snapshot of the counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Venue:             a.inner.Venue(),
		TotalRequests:     a.total.Load(),
		Successful:        a.successful.Load(),
		Failed:            a.failed.Load(),
		Retried:           a.retried.Load(),
		CircuitRejections: a.rejected.Load(),
		CircuitState:      a.breaker.State(),
	}
}

// Call runs fn through the adapter's breaker, pacer, timeout and retry
// policy. Venue rejections and not-found answers prove the venue is
// reachable, so they count as breaker successes and are never retried.
func Call[T any](ctx context.Context, a *Adapter, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	a.total.Add(1)
	venue := a.inner.Venue()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := a.breaker.Allow(); err != nil {
			a.failed.Add(1)
			if lastErr != nil {
				// Another call opened the circuit between our attempts.
				return zero, lastErr
			}
			a.rejected.Add(1)
			return zero, domain.NewVenueError(venue, op, domain.ClassCircuitOpen, err)
		}
		if a.pacer != nil {
			if err := a.pacer.Wait(ctx); err != nil {
				a.failed.Add(1)
				return zero, domain.NewVenueError(venue, op, "", err)
			}
		}

		res, err := runAttempt(ctx, a.timeout, fn)
		if err == nil {
			a.breaker.RecordSuccess()
			a.successful.Add(1)
			return res, nil
		}

		class := domain.Classify(err)
		if class == domain.ClassRejection || class == domain.ClassNotFound {
			a.breaker.RecordSuccess()
			a.failed.Add(1)
			return zero, asVenueError(venue, op, class, err)
		}
		a.breaker.RecordFailure()
		lastErr = asVenueError(venue, op, class, err)

		// A call that opens the circuit itself reports its own failure.
		if ctx.Err() != nil || !class.Retryable() || attempt >= a.retry.MaxAttempts || a.breaker.State() == CircuitOpen {
			a.failed.Add(1)
			return zero, lastErr
		}

		delay := a.retry.Delay(attempt, err)
		a.retried.Add(1)
		a.logger.Debug("retrying venue call",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("class", string(class)),
			slog.String("error", err.Error()),
		)
		if serr := a.sleep(ctx, delay); serr != nil {
			a.failed.Add(1)
			return zero, lastErr
		}
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	res, err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", domain.ErrTimeout, timeout, err)
	}
	return res, err
}

func asVenueError(venue domain.Venue, op string, class domain.ErrorClass, err error) error {
	var ve *domain.VenueError
	if errors.As(err, &ve) {
		return err
	}
	return domain.NewVenueError(venue, op, class, err)
}

// --- domain.VenueAdapter ---

func (a *Adapter) Venue() domain.Venue { return a.inner.Venue() }
func (a *Adapter) Name() string        { return a.inner.Name() }
func (a *Adapter) Version() string     { return a.inner.Version() }
func (a *Adapter) Close() error        { return a.inner.Close() }

// IsConnected is false while the circuit is open so that venue selection
// skips a venue the breaker is protecting.
func (a *Adapter) IsConnected() bool {
	return a.inner.IsConnected() && a.breaker.State() != CircuitOpen
}

func (a *Adapter) Connect(ctx context.Context) error {
	_, err := Call(ctx, a, "connect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.Connect(ctx)
	})
	return err
}

func (a *Adapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.ExecutionReport, error) {
	return Call(ctx, a, "place_order", func(ctx context.Context) (domain.ExecutionReport, error) {
		return a.inner.PlaceOrder(ctx, req)
	})
}

func (a *Adapter) CancelOrder(ctx context.Context, req domain.CancelRequest) (domain.ExecutionReport, error) {
	return Call(ctx, a, "cancel_order", func(ctx context.Context) (domain.ExecutionReport, error) {
		return a.inner.CancelOrder(ctx, req)
	})
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, clientOrderID string) (domain.ExecutionReport, error) {
	return Call(ctx, a, "get_order", func(ctx context.Context) (domain.ExecutionReport, error) {
		return a.inner.GetOrder(ctx, symbol, clientOrderID)
	})
}

func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]domain.ExecutionReport, error) {
	return Call(ctx, a, "get_open_orders", func(ctx context.Context) ([]domain.ExecutionReport, error) {
		return a.inner.GetOpenOrders(ctx, symbol)
	})
}

func (a *Adapter) QueryOrders(ctx context.Context, symbol string, from, to time.Time) ([]domain.ExecutionReport, error) {
	return Call(ctx, a, "query_orders", func(ctx context.Context) ([]domain.ExecutionReport, error) {
		return a.inner.QueryOrders(ctx, symbol, from, to)
	})
}

func (a *Adapter) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return Call(ctx, a, "get_current_price", func(ctx context.Context) (float64, error) {
		return a.inner.GetCurrentPrice(ctx, symbol)
	})
}

func (a *Adapter) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	return Call(ctx, a, "get_order_book", func(ctx context.Context) (domain.OrderBook, error) {
		return a.inner.GetOrderBook(ctx, symbol, depth)
	})
}

func (a *Adapter) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	return Call(ctx, a, "get_recent_trades", func(ctx context.Context) ([]domain.Trade, error) {
		return a.inner.GetRecentTrades(ctx, symbol, limit)
	})
}

func (a *Adapter) GetAccountBalance(ctx context.Context, asset string) (domain.Balance, error) {
	return Call(ctx, a, "get_account_balance", func(ctx context.Context) (domain.Balance, error) {
		return a.inner.GetAccountBalance(ctx, asset)
	})
}
