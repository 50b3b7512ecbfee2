// Package coordinator owns the venue adapter registry together with the
// per-symbol aggregated books, the latency tracker and the position
// aggregator, and dispatches orders to venues.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/book"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/latency"
	"github.com/alanyoungcy/venuerouter/internal/metrics"
	"github.com/alanyoungcy/venuerouter/internal/position"
	"golang.org/x/sync/errgroup"
)

// Config holds coordinator tunables.
type Config struct {
	Strategy            Strategy
	BalancedPriceWeight float64 // 0..1, remainder goes to latency
	VenueWeights        map[domain.Venue]float64
	BookMaxAge          time.Duration
	LatencyThreshold    time.Duration // p95 limit for a healthy venue
	Latency             latency.Config
	HealthInterval      time.Duration
	DedupTTL            time.Duration
}

// DefaultConfig returns best-price selection with 5s book staleness.
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategyBestPrice,
		BalancedPriceWeight: 0.5,
		BookMaxAge:          5 * time.Second,
		LatencyThreshold:    500 * time.Millisecond,
		Latency:             latency.DefaultConfig(),
		HealthInterval:      5 * time.Second,
		DedupTTL:            10 * time.Minute,
	}
}

// ExecutionHandler observes every processed execution report.
type ExecutionHandler func(venue domain.Venue, report domain.ExecutionReport)

// StatusHandler observes venue health sweeps.
type StatusHandler func(status ExchangeStatus)

type orderRoute struct {
	venue  domain.Venue
	symbol string
	side   domain.OrderSide
	// doneAt is set once the order is terminal or its placement failed.
	doneAt time.Time
}

// Coordinator is safe for concurrent use. Venue calls are always made
// without holding c.mu.
type Coordinator struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Collector
	now       func() time.Time
	latency   *latency.Tracker
	positions *position.Aggregator
	dedup     *Dedup
	ids       domain.ClientIDGenerator

	mu             sync.Mutex
	adapters       map[domain.Venue]domain.VenueAdapter
	order          []domain.Venue // registration order
	books          map[string]*book.AggregatedOrderBook
	routes         map[string]orderRoute // client order id -> venue, pruned DedupTTL after done
	rrNext         int
	rng            *rand.Rand
	execHandlers   []ExecutionHandler
	statusHandlers []StatusHandler
}

// New creates an empty coordinator. Zero config fields take defaults.
func New(cfg Config, m *metrics.Collector, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.BalancedPriceWeight < 0 || cfg.BalancedPriceWeight > 1 {
		cfg.BalancedPriceWeight = def.BalancedPriceWeight
	}
	if cfg.BookMaxAge <= 0 {
		cfg.BookMaxAge = def.BookMaxAge
	}
	if cfg.LatencyThreshold <= 0 {
		cfg.LatencyThreshold = def.LatencyThreshold
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "coordinator")),
		metrics:   m,
		now:       time.Now,
		latency:   latency.NewTracker(cfg.Latency),
		positions: position.NewAggregator(),
		dedup:     NewDedup(cfg.DedupTTL),
		adapters:  make(map[domain.Venue]domain.VenueAdapter),
		books:     make(map[string]*book.AggregatedOrderBook),
		routes:    make(map[string]orderRoute),
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
}

// SetClock replaces the time source used for timestamps and staleness.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.dedup.now = now
}

// Strategy returns the configured selection strategy.
func (c *Coordinator) Strategy() Strategy { return c.cfg.Strategy }

// Latency exposes the latency tracker.
func (c *Coordinator) Latency() *latency.Tracker { return c.latency }

// Positions exposes the position aggregator.
func (c *Coordinator) Positions() *position.Aggregator { return c.positions }

// OnExecution registers an execution callback.
func (c *Coordinator) OnExecution(h ExecutionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execHandlers = append(c.execHandlers, h)
}

// OnStatus registers a venue status callback.
func (c *Coordinator) OnStatus(h StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusHandlers = append(c.statusHandlers, h)
}

// RegisterAdapter adds or replaces the adapter for its venue.
func (c *Coordinator) RegisterAdapter(a domain.VenueAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := a.Venue()
	if _, ok := c.adapters[v]; !ok {
		c.order = append(c.order, v)
	}
	c.adapters[v] = a
	c.logger.Info("adapter registered", slog.String("venue", string(v)), slog.String("name", a.Name()), slog.String("version", a.Version()))
}

// UnregisterAdapter removes a venue and its book state.
func (c *Coordinator) UnregisterAdapter(v domain.Venue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.adapters[v]; !ok {
		return
	}
	delete(c.adapters, v)
	for i, o := range c.order {
		if o == v {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	for _, b := range c.books {
		b.RemoveVenue(v)
	}
}

// Adapter returns the registered adapter for v.
func (c *Coordinator) Adapter(v domain.Venue) (domain.VenueAdapter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.adapters[v]
	return a, ok
}

// Adapters returns every registered adapter in registration order.
func (c *Coordinator) Adapters() []domain.VenueAdapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.VenueAdapter, 0, len(c.order))
	for _, v := range c.order {
		out = append(out, c.adapters[v])
	}
	return out
}

// Venues lists registered venues in registration order.
func (c *Coordinator) Venues() []domain.Venue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Venue(nil), c.order...)
}

// ConnectedVenues lists registered venues whose adapter reports connected,
// in registration order.
func (c *Coordinator) ConnectedVenues() []domain.Venue {
	var out []domain.Venue
	for _, a := range c.Adapters() {
		if a.IsConnected() {
			out = append(out, a.Venue())
		}
	}
	return out
}

// ConnectAll connects every adapter concurrently and joins the failures.
func (c *Coordinator) ConnectAll(ctx context.Context) error {
	adapters := c.Adapters()
	errs := make([]error, len(adapters))
	var g errgroup.Group
	for i, a := range adapters {
		g.Go(func() error {
			if err := a.Connect(ctx); err != nil {
				errs[i] = fmt.Errorf("connect %s: %w", a.Venue(), err)
				c.logger.Warn("venue connect failed", slog.String("venue", string(a.Venue())), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every adapter.
func (c *Coordinator) Close() error {
	var errs []error
	for _, a := range c.Adapters() {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", a.Venue(), err))
		}
	}
	return errors.Join(errs...)
}

// Book returns the aggregated book for symbol, creating it on first use.
func (c *Coordinator) Book(symbol string) *book.AggregatedOrderBook {
	key := domain.CanonicalSymbol(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[key]
	if !ok {
		b = book.New(key, c.cfg.BookMaxAge)
		c.books[key] = b
	}
	return b
}

// Symbols lists symbols with a book.
func (c *Coordinator) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.books))
	for s := range c.books {
		out = append(out, s)
	}
	return out
}

func (c *Coordinator) bookSnapshot() []*book.AggregatedOrderBook {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*book.AggregatedOrderBook, 0, len(c.books))
	for _, b := range c.books {
		out = append(out, b)
	}
	return out
}

// UpdateBook feeds a pushed venue snapshot into the symbol's book.
func (c *Coordinator) UpdateBook(venue domain.Venue, ob domain.OrderBook) {
	ts := ob.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	c.Book(ob.Symbol).UpdateVenue(venue, ob, ts)
}

// UpdateBBO feeds a pushed top of book into the symbol's book.
func (c *Coordinator) UpdateBBO(venue domain.Venue, symbol string, bidPx, bidQty, askPx, askQty float64, ts time.Time) {
	if ts.IsZero() {
		ts = c.now()
	}
	c.Book(symbol).UpdateVenueBBO(venue, bidPx, bidQty, askPx, askQty, ts)
}

// AggregatedBBO returns the cross-venue top of book for symbol.
func (c *Coordinator) AggregatedBBO(symbol string) book.AggregatedBBO {
	return c.Book(symbol).AggregatedBBO()
}

// VenueQuotes returns the non-stale per-venue quotes for symbol.
func (c *Coordinator) VenueQuotes(symbol string) []book.VenueBBO {
	return c.Book(symbol).VenueQuotes()
}

// LatencyStats returns the venue's latency statistics.
func (c *Coordinator) LatencyStats(v domain.Venue) (latency.Stats, bool) {
	return c.latency.Stats(v)
}

// RefreshBooks pulls a depth snapshot for symbol from every connected venue
// concurrently. Failures on one venue do not stop the others; they are
// joined into the returned error.
func (c *Coordinator) RefreshBooks(ctx context.Context, symbol string, depth int) error {
	key := domain.CanonicalSymbol(symbol)
	b := c.Book(key)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, a := range c.Adapters() {
		if !a.IsConnected() {
			continue
		}
		g.Go(func() error {
			v := a.Venue()
			start := time.Now()
			ob, err := a.GetOrderBook(ctx, v.FormatSymbol(key), depth)
			c.observe(v, "get_order_book", start, err)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("coordinator: refresh %s on %s: %w", key, v, err))
				mu.Unlock()
				return nil
			}
			ts := ob.Timestamp
			if ts.IsZero() {
				ts = c.now()
			}
			b.UpdateVenue(v, ob, ts)
			return nil
		})
	}
	_ = g.Wait()

	if mid := b.AggregatedBBO().Mid; mid > 0 {
		c.positions.Mark(key, mid, c.now())
	}
	return errors.Join(errs...)
}

// observe records latency and metrics for one venue call. Calls the
// breaker refused never reached the venue and are not timed.
func (c *Coordinator) observe(v domain.Venue, op string, start time.Time, err error) {
	elapsed := time.Since(start)
	class := domain.Classify(err)
	if class != domain.ClassCircuitOpen {
		c.latency.RecordLatency(v, elapsed, c.now())
	}
	result := "ok"
	if err != nil {
		result = string(class)
	}
	c.metrics.ObserveVenueCall(string(v), op, result, elapsed)
}
