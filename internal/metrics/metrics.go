// Package metrics exposes Prometheus instruments for the router. All
// methods are safe to call on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "venuerouter"

// Collector owns a private registry and every instrument.
type Collector struct {
	registry *prometheus.Registry

	venueLatency      *prometheus.HistogramVec
	venueCalls        *prometheus.CounterVec
	ordersTotal       *prometheus.CounterVec
	filledNotional    *prometheus.CounterVec
	routingDecisions  *prometheus.CounterVec
	slippage          *prometheus.HistogramVec
	venueUp           *prometheus.GaugeVec
	circuitState      *prometheus.GaugeVec
	staleBooks        *prometheus.CounterVec
	reconCycles       *prometheus.CounterVec
	reconMismatches   *prometheus.CounterVec
	reconCorrections  *prometheus.CounterVec
	relayDropped      *prometheus.CounterVec
	strategyFrozen    prometheus.Gauge
	algorithmsRunning prometheus.Gauge
	algoSlices        *prometheus.CounterVec
}

// New registers every instrument on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		venueLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "venue_request_seconds",
			Help:      "Latency of venue requests.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"venue", "op"}),
		venueCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "venue_requests_total",
			Help:      "Venue requests by outcome class.",
		}, []string{"venue", "op", "result"}),
		ordersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_reports_total",
			Help:      "Execution reports by venue and status.",
		}, []string{"venue", "status"}),
		filledNotional: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filled_notional_total",
			Help:      "Filled notional volume by venue.",
		}, []string{"venue"}),
		routingDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by chosen venue.",
		}, []string{"venue"}),
		slippage: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_slippage_ratio",
			Help:      "Relative slippage against the expected price.",
			Buckets:   []float64{0, .0001, .0005, .001, .0025, .005, .01, .025},
		}, []string{"venue"}),
		venueUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "venue_status",
			Help:      "Venue status: 2 ok, 1 degraded, 0 disconnected.",
		}, []string{"venue"}),
		circuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"venue"}),
		staleBooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_books_total",
			Help:      "Venue books flipped stale.",
		}, []string{"venue"}),
		reconCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_cycles_total",
			Help:      "Reconciliation cycles by outcome.",
		}, []string{"outcome"}),
		reconMismatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_mismatches_total",
			Help:      "Detected mismatches by venue and kind.",
		}, []string{"venue", "kind"}),
		reconCorrections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_correction_failures_total",
			Help:      "Local corrections that could not be applied, by venue.",
		}, []string{"venue"}),
		relayDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_dropped_total",
			Help:      "Relay jobs dropped on a full queue, by job.",
		}, []string{"job"}),
		strategyFrozen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "strategy_frozen",
			Help:      "1 while the reconciler holds the strategy frozen.",
		}),
		algorithmsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "algorithms_running",
			Help:      "Execution algorithms in the running state.",
		}),
		algoSlices: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "algorithm_slices_total",
			Help:      "Child orders submitted by execution algorithms.",
		}, []string{"kind"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveVenueCall records one venue request.
func (c *Collector) ObserveVenueCall(venue, op, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.venueLatency.WithLabelValues(venue, op).Observe(d.Seconds())
	c.venueCalls.WithLabelValues(venue, op, result).Inc()
}

// ExecutionReport counts a report and its filled notional delta.
func (c *Collector) ExecutionReport(venue, status string, fillNotional float64) {
	if c == nil {
		return
	}
	c.ordersTotal.WithLabelValues(venue, status).Inc()
	if fillNotional > 0 {
		c.filledNotional.WithLabelValues(venue).Add(fillNotional)
	}
}

// RoutingDecision counts a routed order.
func (c *Collector) RoutingDecision(venue string) {
	if c == nil {
		return
	}
	c.routingDecisions.WithLabelValues(venue).Inc()
}

// Slippage observes one execution's relative slippage.
func (c *Collector) Slippage(venue string, ratio float64) {
	if c == nil {
		return
	}
	c.slippage.WithLabelValues(venue).Observe(ratio)
}

// VenueStatus sets the venue status gauge.
func (c *Collector) VenueStatus(venue string, level float64) {
	if c == nil {
		return
	}
	c.venueUp.WithLabelValues(venue).Set(level)
}

// CircuitState sets the breaker gauge.
func (c *Collector) CircuitState(venue string, level float64) {
	if c == nil {
		return
	}
	c.circuitState.WithLabelValues(venue).Set(level)
}

// StaleBook counts a venue book going stale.
func (c *Collector) StaleBook(venue string) {
	if c == nil {
		return
	}
	c.staleBooks.WithLabelValues(venue).Inc()
}

// ReconciliationCycle counts a finished cycle.
func (c *Collector) ReconciliationCycle(outcome string) {
	if c == nil {
		return
	}
	c.reconCycles.WithLabelValues(outcome).Inc()
}

// Mismatch counts a reconciliation finding.
func (c *Collector) Mismatch(venue, kind string) {
	if c == nil {
		return
	}
	c.reconMismatches.WithLabelValues(venue, kind).Inc()
}

// CorrectionFailed counts a reconciliation correction that failed.
func (c *Collector) CorrectionFailed(venue string) {
	if c == nil {
		return
	}
	c.reconCorrections.WithLabelValues(venue).Inc()
}

// RelayDropped counts a relay job dropped on a full queue.
func (c *Collector) RelayDropped(job string) {
	if c == nil {
		return
	}
	c.relayDropped.WithLabelValues(job).Inc()
}

// StrategyFrozen sets the freeze gauge.
func (c *Collector) StrategyFrozen(frozen bool) {
	if c == nil {
		return
	}
	if frozen {
		c.strategyFrozen.Set(1)
	} else {
		c.strategyFrozen.Set(0)
	}
}

// AlgorithmsRunning sets the running-algorithm gauge.
func (c *Collector) AlgorithmsRunning(n int) {
	if c == nil {
		return
	}
	c.algorithmsRunning.Set(float64(n))
}

// AlgorithmSlice counts one child order submission.
func (c *Collector) AlgorithmSlice(kind string) {
	if c == nil {
		return
	}
	c.algoSlices.WithLabelValues(kind).Inc()
}
