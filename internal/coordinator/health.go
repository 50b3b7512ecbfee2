package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/latency"
)

// ExchangeState is a venue's health classification.
type ExchangeState string

const (
	StateOK           ExchangeState = "ok"
	StateDegraded     ExchangeState = "degraded"
	StateDisconnected ExchangeState = "disconnected"
)

func (s ExchangeState) level() float64 {
	switch s {
	case StateOK:
		return 2
	case StateDegraded:
		return 1
	}
	return 0
}

// ExchangeStatus is the result of one health sweep for one venue.
type ExchangeStatus struct {
	Venue        domain.Venue  `json:"venue"`
	State        ExchangeState `json:"state"`
	Connected    bool          `json:"connected"`
	Latency      latency.Stats `json:"latency"`
	StaleSymbols []string      `json:"stale_symbols,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// CheckHealth flips stale venue books and classifies every venue by
// connectivity and latency health. Status callbacks receive each result.
func (c *Coordinator) CheckHealth(now time.Time) []ExchangeStatus {
	stale := make(map[domain.Venue][]string)
	for _, b := range c.bookSnapshot() {
		for _, v := range b.CheckStaleness(now) {
			c.metrics.StaleBook(string(v))
			c.logger.Info("venue book stale", slog.String("venue", string(v)), slog.String("symbol", b.Symbol()))
		}
		for _, v := range b.Venues() {
			if b.IsStale(v) {
				stale[v] = append(stale[v], b.Symbol())
			}
		}
	}

	adapters := c.Adapters()
	out := make([]ExchangeStatus, 0, len(adapters))
	for _, a := range adapters {
		v := a.Venue()
		st := ExchangeStatus{
			Venue:        v,
			Connected:    a.IsConnected(),
			StaleSymbols: stale[v],
			CheckedAt:    now,
		}
		st.Latency, _ = c.latency.Stats(v)
		switch {
		case !st.Connected:
			st.State = StateDisconnected
		case c.latency.IsHealthy(v, c.cfg.LatencyThreshold):
			st.State = StateOK
		default:
			st.State = StateDegraded
		}
		c.metrics.VenueStatus(string(v), st.State.level())
		out = append(out, st)
	}

	c.mu.Lock()
	handlers := append([]StatusHandler(nil), c.statusHandlers...)
	c.mu.Unlock()
	for _, st := range out {
		for _, h := range handlers {
			h(st)
		}
	}
	return out
}

// Run sweeps health on the configured interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	c.logger.Info("health loop started", slog.Duration("interval", c.cfg.HealthInterval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.CheckHealth(c.now())
			if n := c.dedup.Cleanup(); n > 0 {
				c.logger.Debug("dedup entries expired", slog.Int("count", n))
			}
			if n := c.PruneRoutes(); n > 0 {
				c.logger.Debug("order routes expired", slog.Int("count", n))
			}
		}
	}
}
