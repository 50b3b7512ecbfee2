// Package resilience wraps venue adapters with circuit breaking, retry and
// client-side pacing.
package resilience

import (
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// CircuitState is the breaker's state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerConfig holds the breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	OpenTimeout      time.Duration // time spent open before probing
}

// DefaultBreakerConfig opens after 5 failures, probes after 30s and closes
// after 2 successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 30 * time.Second}
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(venue domain.Venue, from, to CircuitState)

// CircuitBreaker is a consecutive-failure breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	venue    domain.Venue
	cfg      BreakerConfig
	now      func() time.Time
	onChange StateChangeFunc

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed breaker. Zero config fields take
// defaults.
func NewCircuitBreaker(venue domain.Venue, cfg BreakerConfig, onChange StateChangeFunc) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &CircuitBreaker{
		venue:    venue,
		cfg:      cfg,
		now:      time.Now,
		onChange: onChange,
		state:    CircuitClosed,
	}
}

// State returns the current state, promoting Open to HalfOpen once the
// timeout has elapsed.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	from, to := b.advanceLocked()
	state := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return state
}

// Allow returns ErrCircuitOpen while the circuit is open.
func (b *CircuitBreaker) Allow() error {
	if b.State() == CircuitOpen {
		return domain.ErrCircuitOpen
	}
	return nil
}

// RecordSuccess counts a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	from, to := b.advanceLocked()
	switch b.state {
	case CircuitClosed:
		b.failures = 0
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			from, to = b.setLocked(CircuitClosed)
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
}

// RecordFailure counts a failed call. Any failure while half-open reopens
// the circuit.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	from, to := b.advanceLocked()
	switch b.state {
	case CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			from, to = b.setLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		from, to = b.setLocked(CircuitOpen)
	}
	b.mu.Unlock()
	b.notify(from, to)
}

// Reset forces the breaker closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	from, to := b.setLocked(CircuitClosed)
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *CircuitBreaker) advanceLocked() (CircuitState, CircuitState) {
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		return b.setLocked(CircuitHalfOpen)
	}
	return "", ""
}

func (b *CircuitBreaker) setLocked(to CircuitState) (CircuitState, CircuitState) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == CircuitOpen {
		b.openedAt = b.now()
	}
	if from == to {
		return "", ""
	}
	return from, to
}

func (b *CircuitBreaker) notify(from, to CircuitState) {
	if to != "" && b.onChange != nil {
		b.onChange(b.venue, from, to)
	}
}
