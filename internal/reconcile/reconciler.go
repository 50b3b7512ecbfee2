// Package reconcile periodically compares locally tracked orders with venue
// state, repairs local state from the venue and freezes trading after
// repeated divergence.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/metrics"
)

// Config parameterises the reconciler.
type Config struct {
	Interval time.Duration
	// MaxMismatchesBeforeFreeze is the number of consecutive cycles with at
	// least one mismatch that freezes the strategy.
	MaxMismatchesBeforeFreeze int
	CancelOrphans             bool
	Tolerance                 float64
	HistorySize               int
	QueryTimeout              time.Duration
	LockKey                   string
	LockTTL                   time.Duration
}

// DefaultConfig returns reconciler defaults.
func DefaultConfig() Config {
	return Config{
		Interval:                  30 * time.Second,
		MaxMismatchesBeforeFreeze: 3,
		Tolerance:                 1e-8,
		HistorySize:               1000,
		QueryTimeout:              10 * time.Second,
		LockKey:                   "lock:reconcile",
		LockTTL:                   2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxMismatchesBeforeFreeze <= 0 {
		c.MaxMismatchesBeforeFreeze = d.MaxMismatchesBeforeFreeze
	}
	if c.Tolerance <= 0 {
		c.Tolerance = d.Tolerance
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.LockKey == "" {
		c.LockKey = d.LockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	return c
}

// Venues lists the adapters to reconcile.
type Venues interface {
	Adapters() []domain.VenueAdapter
}

// EventFunc receives every reconciliation event.
type EventFunc func(domain.ReconciliationEvent)

// FreezeFunc receives freeze and resume transitions.
type FreezeFunc func(frozen bool, reason string)

// Reconciler repairs local order state from venues. Venue state is always
// trusted over local state.
type Reconciler struct {
	venues  Venues
	store   domain.OrderStore
	lock    domain.LockManager
	cfg     Config
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	mu             sync.Mutex
	running        bool
	cycle          uint64
	consecutive    int
	frozen         bool
	freezeReason   string
	last           *CycleResult
	history        []domain.ReconciliationEvent
	historyNext    int
	eventHandlers  []EventFunc
	freezeHandlers []FreezeFunc
}

// New creates a Reconciler. m and logger may be nil.
func New(venues Venues, store domain.OrderStore, cfg Config, m *metrics.Collector, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Reconciler{
		venues:  venues,
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "reconciler")),
		now:     time.Now,
		history: make([]domain.ReconciliationEvent, 0, cfg.HistorySize),
	}
}

// SetClock replaces the time source.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// SetLockManager makes each cycle take a distributed lock so only one
// process reconciles at a time.
func (r *Reconciler) SetLockManager(l domain.LockManager) { r.lock = l }

// OnEvent registers an event callback.
func (r *Reconciler) OnEvent(fn EventFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventHandlers = append(r.eventHandlers, fn)
}

// OnFreeze registers a freeze callback.
func (r *Reconciler) OnFreeze(fn FreezeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freezeHandlers = append(r.freezeHandlers, fn)
}

// IsStrategyFrozen reports whether trading is frozen.
func (r *Reconciler) IsStrategyFrozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// FreezeReason returns why trading is frozen, or "".
func (r *Reconciler) FreezeReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freezeReason
}

// ConsecutiveMismatchCycles returns the current escalation counter.
func (r *Reconciler) ConsecutiveMismatchCycles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutive
}

// LastResult returns the most recent completed cycle.
func (r *Reconciler) LastResult() (CycleResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return CycleResult{}, false
	}
	return *r.last, true
}

// History returns up to limit of the most recent events, oldest first. A
// non-positive limit returns all retained events.
func (r *Reconciler) History(limit int) []domain.ReconciliationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.history)
	out := make([]domain.ReconciliationEvent, 0, n)
	if n < r.cfg.HistorySize {
		out = append(out, r.history...)
	} else {
		out = append(out, r.history[r.historyNext:]...)
		out = append(out, r.history[:r.historyNext]...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// FreezeStrategy freezes trading until ResumeStrategy.
func (r *Reconciler) FreezeStrategy(reason string) {
	r.mu.Lock()
	if r.frozen {
		r.mu.Unlock()
		return
	}
	r.frozen = true
	r.freezeReason = reason
	cycle := r.cycle
	handlers := append([]FreezeFunc(nil), r.freezeHandlers...)
	r.mu.Unlock()

	r.metrics.StrategyFrozen(true)
	r.logger.Error("strategy frozen", slog.String("reason", reason), slog.Uint64("cycle", cycle))
	r.emit(domain.ReconciliationEvent{Type: domain.EventStrategyFrozen, Cycle: cycle, Message: reason})
	for _, h := range handlers {
		h(true, reason)
	}
}

// ResumeStrategy clears a freeze and resets the escalation counter.
func (r *Reconciler) ResumeStrategy(reason string) bool {
	r.mu.Lock()
	if !r.frozen {
		r.mu.Unlock()
		return false
	}
	r.frozen = false
	r.freezeReason = ""
	r.consecutive = 0
	cycle := r.cycle
	handlers := append([]FreezeFunc(nil), r.freezeHandlers...)
	r.mu.Unlock()

	r.metrics.StrategyFrozen(false)
	r.logger.Warn("strategy resumed", slog.String("reason", reason))
	r.emit(domain.ReconciliationEvent{Type: domain.EventStrategyResumed, Cycle: cycle, Message: reason})
	for _, h := range handlers {
		h(false, reason)
	}
	return true
}

// emit stamps, records and fans out an event.
func (r *Reconciler) emit(ev domain.ReconciliationEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	r.mu.Lock()
	if len(r.history) < r.cfg.HistorySize {
		r.history = append(r.history, ev)
	} else {
		r.history[r.historyNext] = ev
		r.historyNext = (r.historyNext + 1) % r.cfg.HistorySize
	}
	handlers := append([]EventFunc(nil), r.eventHandlers...)
	r.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Run reconciles immediately and then every Interval until ctx is done. A
// cycle in progress is never cut short by ctx.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciliation loop started", slog.Duration("interval", r.cfg.Interval))
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.ReconcileNow(context.WithoutCancel(ctx)); err != nil {
			r.logger.Error("reconciliation cycle failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var errCycleRunning = errors.New("reconcile: cycle already running")

func (r *Reconciler) begin() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return r.cycle, errCycleRunning
	}
	r.running = true
	r.cycle++
	return r.cycle, nil
}

func (r *Reconciler) end(res *CycleResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.last = res
}

// skip records a cycle that did not run.
func (r *Reconciler) skip(reason string) CycleResult {
	r.mu.Lock()
	cycle := r.cycle
	r.mu.Unlock()
	r.metrics.ReconciliationCycle("skipped")
	r.logger.Debug("reconciliation skipped", slog.String("reason", reason))
	r.emit(domain.ReconciliationEvent{Type: domain.EventCycleSkipped, Cycle: cycle, Message: reason})
	return CycleResult{Cycle: cycle, Skipped: true, SkipReason: reason}
}

// acquire takes the distributed lock when one is configured.
func (r *Reconciler) acquire(ctx context.Context) (func(), error) {
	if r.lock == nil {
		return func() {}, nil
	}
	unlock, err := r.lock.Acquire(ctx, r.cfg.LockKey, r.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("reconcile: acquire lock: %w", err)
	}
	return unlock, nil
}
