package router

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/metrics"
)

// VenueFees are fractional fee rates, e.g. 0.001 for 10bps.
type VenueFees struct {
	Maker float64 `toml:"maker" json:"maker"`
	Taker float64 `toml:"taker" json:"taker"`
}

// Config parameterises the router.
type Config struct {
	Weights             Weights
	Fees                map[domain.Venue]VenueFees
	DefaultTakerFee     float64
	MinOrderSize        map[domain.Venue]float64
	DefaultMinOrderSize float64
	// MaxSingleVenuePct caps the share of a split order one venue receives.
	MaxSingleVenuePct float64
	// QualityWindow bounds the per-venue execution samples kept.
	QualityWindow int
}

// DefaultConfig returns router defaults.
func DefaultConfig() Config {
	return Config{
		Weights:           DefaultWeights(),
		DefaultTakerFee:   0.001,
		MaxSingleVenuePct: 0.5,
		QualityWindow:     100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	if c.MaxSingleVenuePct <= 0 || c.MaxSingleVenuePct > 1 {
		c.MaxSingleVenuePct = d.MaxSingleVenuePct
	}
	if c.QualityWindow <= 0 {
		c.QualityWindow = d.QualityWindow
	}
	return c
}

type qualitySample struct {
	slippage float64
	fillRate float64
	latency  time.Duration
}

type venueQuality struct {
	successes int64
	failures  int64
	samples   []qualitySample
	lastExec  time.Time
}

// VenueQuality summarises recent execution quality on one venue.
type VenueQuality struct {
	Venue       domain.Venue  `json:"venue"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	Reliability float64       `json:"reliability"`
	AvgSlippage float64       `json:"avg_slippage"`
	AvgFillRate float64       `json:"avg_fill_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	Samples     int           `json:"samples"`
	LastExec    time.Time     `json:"last_exec"`
}

// Analytics are router-wide execution counters.
type Analytics struct {
	TotalOrders     int64   `json:"total_orders"`
	Filled          int64   `json:"filled"`
	PartiallyFilled int64   `json:"partially_filled"`
	Rejected        int64   `json:"rejected"`
	Failed          int64   `json:"failed"`
	TotalNotional   float64 `json:"total_notional"`
}

// Router is the smart order router. It is safe for concurrent use; venue
// calls never run under its lock.
type Router struct {
	coord   Coordinator
	cfg     Config
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	quality   map[domain.Venue]*venueQuality
	analytics Analytics
}

// New creates a Router over coord. m and logger may be nil.
func New(coord Coordinator, cfg Config, m *metrics.Collector, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		coord:   coord,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger.With(slog.String("component", "router")),
		now:     time.Now,
		quality: make(map[domain.Venue]*venueQuality),
	}
}

// SetClock replaces the time source.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// Config returns the effective configuration.
func (r *Router) Config() Config { return r.cfg }

// ReferencePrice returns the cross-venue mid for symbol.
func (r *Router) ReferencePrice(symbol string) (float64, bool) {
	agg := r.coord.AggregatedBBO(domain.CanonicalSymbol(symbol))
	if agg.BestBidPrice <= 0 || agg.BestAskPrice <= 0 {
		return 0, false
	}
	return (agg.BestBidPrice + agg.BestAskPrice) / 2, true
}

// RecordExecution folds a venue's report into its quality history.
// expectedPrice is the price the order was routed at; zero skips slippage.
func (r *Router) RecordExecution(venue domain.Venue, rep domain.ExecutionReport, expectedPrice float64, latency time.Duration) {
	var slippage float64
	hasSlippage := expectedPrice > 0 && rep.AvgPrice > 0 && rep.FilledQty > 0
	if hasSlippage {
		slippage = math.Abs(rep.AvgPrice-expectedPrice) / expectedPrice
	}

	r.mu.Lock()
	q := r.qualityLocked(venue)
	r.analytics.TotalOrders++
	switch {
	case rep.Status == domain.OrderStatusRejected:
		q.failures++
		r.analytics.Rejected++
	case rep.Status == domain.OrderStatusFilled:
		q.successes++
		r.analytics.Filled++
	case rep.FilledQty > 0:
		q.successes++
		r.analytics.PartiallyFilled++
	default:
		q.successes++
	}
	r.analytics.TotalNotional += rep.Notional()

	s := qualitySample{slippage: slippage, latency: latency}
	if rep.Quantity > 0 {
		s.fillRate = math.Min(rep.FilledQty/rep.Quantity, 1)
	}
	q.samples = append(q.samples, s)
	if over := len(q.samples) - r.cfg.QualityWindow; over > 0 {
		q.samples = append(q.samples[:0:0], q.samples[over:]...)
	}
	q.lastExec = r.now()
	r.mu.Unlock()

	if hasSlippage {
		r.metrics.Slippage(string(venue), slippage)
	}
}

// RecordFailure counts a failed submission against venue.
func (r *Router) RecordFailure(venue domain.Venue, err error) {
	r.mu.Lock()
	q := r.qualityLocked(venue)
	q.failures++
	r.analytics.TotalOrders++
	r.analytics.Failed++
	r.mu.Unlock()

	r.logger.Debug("venue execution failed",
		slog.String("venue", string(venue)),
		slog.String("class", string(domain.Classify(err))),
	)
}

func (r *Router) qualityLocked(v domain.Venue) *venueQuality {
	q, ok := r.quality[v]
	if !ok {
		q = &venueQuality{}
		r.quality[v] = q
	}
	return q
}

// VenueQuality returns the quality summary for venue.
func (r *Router) VenueQuality(venue domain.Venue) VenueQuality {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.venueQualityLocked(venue)
}

// AllVenueQuality returns summaries for every venue with history.
func (r *Router) AllVenueQuality() []VenueQuality {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]VenueQuality, 0, len(r.quality))
	for _, v := range domain.AllVenues() {
		if _, ok := r.quality[v]; ok {
			out = append(out, r.venueQualityLocked(v))
		}
	}
	return out
}

func (r *Router) venueQualityLocked(v domain.Venue) VenueQuality {
	out := VenueQuality{Venue: v, Reliability: r.reliabilityLocked(v)}
	q, ok := r.quality[v]
	if !ok {
		return out
	}
	out.Successes, out.Failures, out.LastExec = q.successes, q.failures, q.lastExec
	out.Samples = len(q.samples)
	if out.Samples == 0 {
		return out
	}
	var slip, fill float64
	var lat time.Duration
	for _, s := range q.samples {
		slip += s.slippage
		fill += s.fillRate
		lat += s.latency
	}
	n := float64(out.Samples)
	out.AvgSlippage = slip / n
	out.AvgFillRate = fill / n
	out.AvgLatency = lat / time.Duration(out.Samples)
	return out
}

// Analytics returns the router-wide counters.
func (r *Router) Analytics() Analytics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.analytics
}
