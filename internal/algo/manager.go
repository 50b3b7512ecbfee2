package algo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/metrics"
)

// ErrDuplicateID is returned when adding an algorithm whose id is taken.
var ErrDuplicateID = errors.New("algo: duplicate algorithm id")

// Canceler cancels child orders on their venue.
type Canceler interface {
	CancelOrder(ctx context.Context, req domain.CancelRequest, venue domain.Venue) (domain.ExecutionReport, error)
}

// Manager owns running algorithms, drives their ticks and fans out fills
// and market data by symbol.
type Manager struct {
	canceler Canceler
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	algos  map[string]*Algorithm
	order  []string
	frozen bool
}

// NewManager creates an empty Manager. canceler may be nil when open
// children are never cancelled through the manager.
func NewManager(canceler Canceler, m *metrics.Collector, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		canceler: canceler,
		metrics:  m,
		logger:   logger.With(slog.String("component", "algo_manager")),
		now:      time.Now,
		algos:    make(map[string]*Algorithm),
	}
}

// SetClock replaces the time source used for lifecycle timestamps.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Add registers an algorithm in the pending state.
func (m *Manager) Add(a *Algorithm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.algos[a.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, a.ID())
	}
	a.metrics = m.metrics
	m.algos[a.ID()] = a
	m.order = append(m.order, a.ID())
	return nil
}

// Get returns an algorithm by id.
func (m *Manager) Get(id string) (*Algorithm, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.algos[id]
	return a, ok
}

func (m *Manager) lookup(id string) (*Algorithm, error) {
	a, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("algo %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

// snapshot returns algorithms in insertion order.
func (m *Manager) snapshot() []*Algorithm {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Algorithm, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.algos[id])
	}
	return out
}

// List returns progress for every algorithm in insertion order.
func (m *Manager) List() []Progress {
	algos := m.snapshot()
	out := make([]Progress, 0, len(algos))
	for _, a := range algos {
		out = append(out, a.Progress())
	}
	return out
}

// Start starts a pending algorithm. Starting is refused while trading is
// frozen.
func (m *Manager) Start(id string) error {
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.Frozen() {
		return fmt.Errorf("algo %s: start: %w", id, domain.ErrStrategyFrozen)
	}
	if err := a.Start(m.now()); err != nil {
		return err
	}
	m.reportRunning()
	return nil
}

// Pause pauses a running algorithm.
func (m *Manager) Pause(id string) error {
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := a.Pause(m.now()); err != nil {
		return err
	}
	m.reportRunning()
	return nil
}

// Resume resumes a paused algorithm.
func (m *Manager) Resume(id string) error {
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.Frozen() {
		return fmt.Errorf("algo %s: resume: %w", id, domain.ErrStrategyFrozen)
	}
	if err := a.Resume(m.now()); err != nil {
		return err
	}
	m.reportRunning()
	return nil
}

// Cancel cancels an algorithm and returns its open children.
func (m *Manager) Cancel(id string) ([]ChildOrder, error) {
	a, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	open, err := a.Cancel(m.now())
	if err != nil {
		return nil, err
	}
	m.reportRunning()
	return open, nil
}

// CancelOpenChildren cancels an algorithm's open child orders on their
// venues. Orders the venue no longer knows are skipped.
func (m *Manager) CancelOpenChildren(ctx context.Context, id string) error {
	a, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.canceler == nil {
		return fmt.Errorf("algo %s: cancel children: no canceler configured", id)
	}
	var errs []error
	for _, c := range a.OpenChildren() {
		rep, err := m.canceler.CancelOrder(ctx, domain.CancelRequest{
			Symbol:        a.Symbol(),
			ClientOrderID: c.ClientOrderID,
		}, c.Venue)
		if errors.Is(err, domain.ErrOrderNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("child %s: %w", c.ClientOrderID, err))
			continue
		}
		a.OnFill(rep)
	}
	if len(errs) > 0 {
		return fmt.Errorf("algo %s: cancel children: %w", id, errors.Join(errs...))
	}
	return nil
}

// OnTick ticks every running algorithm concurrently.
func (m *Manager) OnTick(ctx context.Context, now time.Time) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, a := range m.snapshot() {
		if a.State() != StateRunning {
			continue
		}
		g.Go(func() error {
			if err := a.OnTick(ctx, now); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	m.reportRunning()
	return errors.Join(errs...)
}

// OnFill routes an execution report to the algorithms trading its symbol.
// It returns true when some algorithm owned the order.
func (m *Manager) OnFill(r domain.ExecutionReport) bool {
	symbol := domain.CanonicalSymbol(r.Symbol)
	for _, a := range m.snapshot() {
		if symbol != "" && a.Symbol() != symbol {
			continue
		}
		if a.OnFill(r) {
			m.reportRunning()
			return true
		}
	}
	return false
}

// OnMarketData forwards an observation to algorithms trading its symbol.
func (m *Manager) OnMarketData(md MarketData) {
	symbol := domain.CanonicalSymbol(md.Symbol)
	for _, a := range m.snapshot() {
		if a.Symbol() == symbol && !a.State().IsTerminal() {
			a.OnMarketData(md)
		}
	}
}

// CleanupCompleted drops terminal algorithms and returns how many were
// removed.
func (m *Manager) CleanupCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.order[:0]
	removed := 0
	for _, id := range m.order {
		if m.algos[id].State().IsTerminal() {
			delete(m.algos, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return removed
}

// SetFrozen pauses every running algorithm when frozen is true and blocks
// further starts and resumes until it is cleared. Paused algorithms are not
// resumed automatically on unfreeze.
func (m *Manager) SetFrozen(frozen bool) {
	m.mu.Lock()
	m.frozen = frozen
	m.mu.Unlock()
	if !frozen {
		return
	}
	now := m.now()
	for _, a := range m.snapshot() {
		if a.State() == StateRunning {
			if err := a.Pause(now); err == nil {
				m.logger.Warn("algorithm paused by freeze", slog.String("algo_id", a.ID()))
			}
		}
	}
	m.reportRunning()
}

// Frozen reports whether starts and resumes are blocked.
func (m *Manager) Frozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

// Run ticks all algorithms every interval until ctx is done, reclaiming
// terminal ones once a minute.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastCleanup := m.now()

	m.logger.Info("algorithm scheduler started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := m.now()
			if err := m.OnTick(ctx, now); err != nil {
				m.logger.Warn("algorithm tick errors", slog.String("error", err.Error()))
			}
			if now.Sub(lastCleanup) >= time.Minute {
				if n := m.CleanupCompleted(); n > 0 {
					m.logger.Debug("terminal algorithms reclaimed", slog.Int("count", n))
				}
				lastCleanup = now
			}
		}
	}
}

func (m *Manager) reportRunning() {
	n := 0
	for _, a := range m.snapshot() {
		if a.State() == StateRunning {
			n++
		}
	}
	m.metrics.AlgorithmsRunning(n)
}

// Symbols returns the distinct symbols of non-terminal algorithms.
func (m *Manager) Symbols() []string {
	seen := make(map[string]bool)
	for _, a := range m.snapshot() {
		if !a.State().IsTerminal() {
			seen[a.Symbol()] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
