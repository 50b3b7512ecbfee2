// Package latency keeps rolling per-venue request latency statistics.
package latency

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// DefaultMinSamples is the sample count below which a venue is never
// considered healthy.
const DefaultMinSamples = 5

// Config bounds the rolling window.
type Config struct {
	WindowSize     int           // max samples kept per venue
	WindowDuration time.Duration // max sample age, relative to the newest sample
}

// DefaultConfig returns a 1000-sample, five minute window.
func DefaultConfig() Config {
	return Config{WindowSize: 1000, WindowDuration: 5 * time.Minute}
}

// Stats summarises one venue's window.
type Stats struct {
	Venue      domain.Venue  `json:"venue"`
	Count      int           `json:"count"`
	Min        time.Duration `json:"min"`
	Max        time.Duration `json:"max"`
	Mean       time.Duration `json:"mean"`
	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	P99        time.Duration `json:"p99"`
	LastUpdate time.Time     `json:"last_update"`
}

type sample struct {
	latency time.Duration
	at      time.Time
}

type window struct {
	samples []sample // insertion order
	stats   Stats
}

// Tracker records latencies for any number of venues. It is safe for
// concurrent use.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	windows map[domain.Venue]*window
}

// NewTracker creates a Tracker, filling zero config fields with defaults.
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = def.WindowDuration
	}
	return &Tracker{cfg: cfg, windows: make(map[domain.Venue]*window)}
}

// RecordLatency appends a sample, prunes by count and age, then recomputes
// the venue's statistics.
func (t *Tracker) RecordLatency(venue domain.Venue, latency time.Duration, ts time.Time) {
	if latency < 0 {
		latency = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[venue]
	if !ok {
		w = &window{}
		t.windows[venue] = w
	}
	w.samples = append(w.samples, sample{latency: latency, at: ts})

	if over := len(w.samples) - t.cfg.WindowSize; over > 0 {
		w.samples = append(w.samples[:0:0], w.samples[over:]...)
	}
	cutoff := ts.Add(-t.cfg.WindowDuration)
	kept := w.samples[:0]
	for _, s := range w.samples {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	w.samples = kept

	w.stats = compute(venue, w.samples, ts)
}

func compute(venue domain.Venue, samples []sample, ts time.Time) Stats {
	st := Stats{Venue: venue, Count: len(samples), LastUpdate: ts}
	if len(samples) == 0 {
		return st
	}
	sorted := make([]time.Duration, len(samples))
	var sum time.Duration
	for i, s := range samples {
		sorted[i] = s.latency
		sum += s.latency
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	st.Min = sorted[0]
	st.Max = sorted[len(sorted)-1]
	st.Mean = sum / time.Duration(len(sorted))
	st.P50 = percentile(sorted, 0.50)
	st.P95 = percentile(sorted, 0.95)
	st.P99 = percentile(sorted, 0.99)
	return st
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Stats returns the venue's current statistics.
func (t *Tracker) Stats(venue domain.Venue) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[venue]
	if !ok || w.stats.Count == 0 {
		return Stats{}, false
	}
	return w.stats, true
}

// All returns statistics for every venue with at least one sample.
func (t *Tracker) All() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Stats, 0, len(t.windows))
	for _, w := range t.windows {
		if w.stats.Count > 0 {
			out = append(out, w.stats)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// IsHealthy reports whether the venue's p95 is below maxLatency with at
// least DefaultMinSamples samples.
func (t *Tracker) IsHealthy(venue domain.Venue, maxLatency time.Duration) bool {
	return t.IsHealthyWithMinSamples(venue, maxLatency, DefaultMinSamples)
}

// IsHealthyWithMinSamples is IsHealthy with an explicit sample floor. A
// venue with fewer samples is never healthy.
func (t *Tracker) IsHealthyWithMinSamples(venue domain.Venue, maxLatency time.Duration, minSamples int) bool {
	st, ok := t.Stats(venue)
	if !ok || st.Count < minSamples {
		return false
	}
	return st.P95 > 0 && st.P95 < maxLatency
}

// VenuesByLatency returns venues with samples ordered by ascending p50.
func (t *Tracker) VenuesByLatency() []domain.Venue {
	all := t.All()
	sort.SliceStable(all, func(i, j int) bool { return all[i].P50 < all[j].P50 })
	out := make([]domain.Venue, len(all))
	for i, st := range all {
		out[i] = st.Venue
	}
	return out
}

// Reset drops all samples for venue.
func (t *Tracker) Reset(venue domain.Venue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, venue)
}
