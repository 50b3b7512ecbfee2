// Package algo implements TWAP and VWAP execution algorithms that slice a
// parent order into child orders submitted through the smart order router.
package algo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/metrics"
)

// CompletionRatio is the filled share at which a child order or parent
// algorithm counts as complete.
const CompletionRatio = 0.99

// ErrInvalidState is returned for lifecycle calls not allowed in the
// algorithm's current state.
var ErrInvalidState = errors.New("algo: invalid state transition")

// State is the algorithm lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Kind names the slicing algorithm.
type Kind string

const (
	KindTWAP Kind = "twap"
	KindVWAP Kind = "vwap"
)

// OrderRouter submits child orders.
type OrderRouter interface {
	ExecuteOrder(ctx context.Context, req domain.OrderRequest) (domain.ExecutionReport, error)
	ReferencePrice(symbol string) (float64, bool)
}

// Config is the parent order intent and schedule shared by all kinds.
type Config struct {
	ID             string           `json:"id"`
	Strategy       string           `json:"strategy"`
	Symbol         string           `json:"symbol"`
	Side           domain.OrderSide `json:"side"`
	TargetQty      float64          `json:"target_qty"`
	Duration       time.Duration    `json:"duration"`
	SliceInterval  time.Duration    `json:"slice_interval"`
	MinSliceQty    float64          `json:"min_slice_qty"`
	UseLimitOrders bool             `json:"use_limit_orders"`
	LimitOffsetBps float64          `json:"limit_offset_bps"`
}

// Validate checks the schedule is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if c.Side != domain.OrderSideBuy && c.Side != domain.OrderSideSell {
		errs = append(errs, fmt.Errorf("invalid side %q", c.Side))
	}
	if c.TargetQty <= 0 {
		errs = append(errs, errors.New("target quantity must be positive"))
	}
	if c.Duration <= 0 {
		errs = append(errs, errors.New("duration must be positive"))
	}
	if c.SliceInterval <= 0 || c.SliceInterval > c.Duration {
		errs = append(errs, errors.New("slice interval must be positive and at most the duration"))
	}
	if c.MinSliceQty < 0 {
		errs = append(errs, errors.New("minimum slice quantity must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("algo: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SliceCount is the number of scheduled slices, ceil(duration/interval).
func (c Config) SliceCount() int {
	return int(math.Ceil(float64(c.Duration) / float64(c.SliceInterval)))
}

// ChildOrder is one slice submitted to the router.
type ChildOrder struct {
	ClientOrderID string             `json:"client_order_id"`
	Slice         int                `json:"slice"`
	Venue         domain.Venue       `json:"venue"`
	Quantity      float64            `json:"quantity"`
	Price         float64            `json:"price,omitempty"`
	FilledQty     float64            `json:"filled_qty"`
	AvgPrice      float64            `json:"avg_price"`
	Status        domain.OrderStatus `json:"status"`
	Reason        string             `json:"reason,omitempty"`
	SubmittedAt   time.Time          `json:"submitted_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// committed is the quantity this child still accounts for: its fill once
// terminal, otherwise its full size.
func (c *ChildOrder) committed() float64 {
	if c.Status.IsTerminal() {
		return c.FilledQty
	}
	return c.Quantity
}

// Progress is a point-in-time summary of an algorithm.
type Progress struct {
	ID           string           `json:"id"`
	Kind         Kind             `json:"kind"`
	Symbol       string           `json:"symbol"`
	Side         domain.OrderSide `json:"side"`
	State        State            `json:"state"`
	TargetQty    float64          `json:"target_qty"`
	SubmittedQty float64          `json:"submitted_qty"`
	FilledQty    float64          `json:"filled_qty"`
	AvgPrice     float64          `json:"avg_price"`
	PctComplete  float64          `json:"pct_complete"`
	Slices       int              `json:"slices"`
	OpenChildren int              `json:"open_children"`
	Reason       string           `json:"reason,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// MarketData is a trade or quote observation for a symbol.
type MarketData struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressFunc receives progress after every state or fill change.
type ProgressFunc func(Progress)

// ChildFunc receives a child order whenever it is submitted or updated.
type ChildFunc func(algoID string, c ChildOrder)

// slicer is the per-kind scheduling rule.
type slicer interface {
	kind() Kind
	// sliceQty returns the next child quantity given the slice index and the
	// quantity not yet committed.
	sliceQty(a *Algorithm, slice int, uncommitted float64, now time.Time) float64
	// nextInterval returns the wait before the slice after this one.
	nextInterval(base time.Duration) time.Duration
}

// Algorithm is one running TWAP or VWAP instance. All methods are safe for
// concurrent use; router calls run without the lock held.
type Algorithm struct {
	cfg     Config
	slicer  slicer
	router  OrderRouter
	logger  *slog.Logger
	metrics *metrics.Collector

	mu         sync.Mutex
	state      State
	reason     string
	startedAt  time.Time
	updatedAt  time.Time
	lastSlice  time.Time
	interval   time.Duration
	slices     int
	submitting bool
	children   map[string]*ChildOrder
	order      []string
	lastPrice  float64
	volume     float64
	onProgress []ProgressFunc
	onChild    []ChildFunc
}

func newAlgorithm(cfg Config, s slicer, router OrderRouter, logger *slog.Logger) (*Algorithm, error) {
	cfg.Symbol = domain.CanonicalSymbol(cfg.Symbol)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = string(s.kind())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Algorithm{
		cfg:      cfg,
		slicer:   s,
		router:   router,
		logger:   logger.With(slog.String("component", "algo"), slog.String("algo_id", cfg.ID), slog.String("kind", string(s.kind()))),
		state:    StatePending,
		interval: cfg.SliceInterval,
		children: make(map[string]*ChildOrder),
	}, nil
}

// ID returns the algorithm id, generated when the config leaves it empty.
func (a *Algorithm) ID() string { return a.cfg.ID }

// Kind reports whether this is a TWAP or VWAP instance.
func (a *Algorithm) Kind() Kind { return a.slicer.kind() }

// Symbol returns the canonical symbol being traded.
func (a *Algorithm) Symbol() string { return a.cfg.Symbol }

// Config returns the validated parent order config.
func (a *Algorithm) Config() Config { return a.cfg }

// State returns the current lifecycle state.
func (a *Algorithm) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// OnProgress registers a progress callback.
func (a *Algorithm) OnProgress(fn ProgressFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onProgress = append(a.onProgress, fn)
}

// OnChild registers a child order callback.
func (a *Algorithm) OnChild(fn ChildFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChild = append(a.onChild, fn)
}

// Start moves a pending algorithm to running. The first slice is due on the
// first tick.
func (a *Algorithm) Start(now time.Time) error {
	return a.transition(StatePending, StateRunning, now, func() { a.startedAt = now })
}

// Pause stops slicing until Resume.
func (a *Algorithm) Pause(now time.Time) error {
	return a.transition(StateRunning, StatePaused, now, nil)
}

// Resume restarts slicing after Pause.
func (a *Algorithm) Resume(now time.Time) error {
	return a.transition(StatePaused, StateRunning, now, nil)
}

func (a *Algorithm) transition(from, to State, now time.Time, apply func()) error {
	a.mu.Lock()
	if a.state != from {
		cur := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidState, from, to, cur)
	}
	a.state = to
	a.updatedAt = now
	if apply != nil {
		apply()
	}
	p, handlers := a.progressLocked(), a.progressHandlersLocked()
	a.mu.Unlock()

	a.logger.Info("algorithm state changed", slog.String("from", string(from)), slog.String("to", string(to)))
	emitProgress(handlers, p)
	return nil
}

// Cancel stops scheduling and returns the child orders still open. Filled
// children are left as they are; cancelling the open ones is up to the
// caller.
func (a *Algorithm) Cancel(now time.Time) ([]ChildOrder, error) {
	a.mu.Lock()
	if a.state.IsTerminal() {
		cur := a.state
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidState, cur)
	}
	a.state = StateCancelled
	a.reason = "cancelled"
	a.updatedAt = now
	open := a.openChildrenLocked()
	p, handlers := a.progressLocked(), a.progressHandlersLocked()
	a.mu.Unlock()

	a.logger.Info("algorithm cancelled", slog.Int("open_children", len(open)))
	emitProgress(handlers, p)
	return open, nil
}

// OpenChildren returns child orders not yet in a terminal status.
func (a *Algorithm) OpenChildren() []ChildOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openChildrenLocked()
}

func (a *Algorithm) openChildrenLocked() []ChildOrder {
	var out []ChildOrder
	for _, id := range a.order {
		if c := a.children[id]; !c.Status.IsTerminal() {
			out = append(out, *c)
		}
	}
	return out
}

// Children returns every child order in submission order.
func (a *Algorithm) Children() []ChildOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ChildOrder, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.children[id])
	}
	return out
}

// Progress returns the current summary.
func (a *Algorithm) Progress() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progressLocked()
}

func (a *Algorithm) progressLocked() Progress {
	p := Progress{
		ID:        a.cfg.ID,
		Kind:      a.slicer.kind(),
		Symbol:    a.cfg.Symbol,
		Side:      a.cfg.Side,
		State:     a.state,
		TargetQty: a.cfg.TargetQty,
		Slices:    a.slices,
		Reason:    a.reason,
		StartedAt: a.startedAt,
		UpdatedAt: a.updatedAt,
	}
	var notional float64
	for _, c := range a.children {
		if c.Status != domain.OrderStatusRejected {
			p.SubmittedQty += c.Quantity
		}
		p.FilledQty += c.FilledQty
		notional += c.FilledQty * c.AvgPrice
		if !c.Status.IsTerminal() {
			p.OpenChildren++
		}
	}
	if p.FilledQty > 0 {
		p.AvgPrice = notional / p.FilledQty
	}
	p.PctComplete = math.Min(p.FilledQty/a.cfg.TargetQty, 1)
	return p
}

func (a *Algorithm) filledLocked() float64 {
	var f float64
	for _, c := range a.children {
		f += c.FilledQty
	}
	return f
}

func (a *Algorithm) uncommittedLocked() float64 {
	var c float64
	for _, ch := range a.children {
		c += ch.committed()
	}
	return math.Max(a.cfg.TargetQty-c, 0)
}

func (a *Algorithm) progressHandlersLocked() []ProgressFunc {
	return append([]ProgressFunc(nil), a.onProgress...)
}

func (a *Algorithm) childHandlersLocked() []ChildFunc {
	return append([]ChildFunc(nil), a.onChild...)
}

func emitProgress(handlers []ProgressFunc, p Progress) {
	for _, h := range handlers {
		h(p)
	}
}

// checkCompleteLocked completes the parent once fills reach the completion
// ratio of target.
func (a *Algorithm) checkCompleteLocked(now time.Time) bool {
	if a.state.IsTerminal() {
		return false
	}
	if a.filledLocked() >= CompletionRatio*a.cfg.TargetQty {
		a.state = StateCompleted
		a.reason = ""
		a.updatedAt = now
		return true
	}
	return false
}

// OnTick decides whether a slice is due and submits it. Ticks while paused,
// terminal or mid-submission do nothing.
func (a *Algorithm) OnTick(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	if a.state != StateRunning || a.submitting {
		a.mu.Unlock()
		return nil
	}

	if a.checkCompleteLocked(now) {
		p, handlers := a.progressLocked(), a.progressHandlersLocked()
		a.mu.Unlock()
		a.logger.Info("algorithm completed", slog.Float64("filled", p.FilledQty))
		emitProgress(handlers, p)
		return nil
	}

	if now.Sub(a.startedAt) >= a.cfg.Duration {
		a.state = StateFailed
		a.reason = "duration elapsed before target filled"
		a.updatedAt = now
		p, handlers := a.progressLocked(), a.progressHandlersLocked()
		a.mu.Unlock()
		a.logger.Warn("algorithm failed",
			slog.String("reason", p.Reason),
			slog.Float64("filled", p.FilledQty),
			slog.Float64("target", p.TargetQty),
		)
		emitProgress(handlers, p)
		return nil
	}

	if !a.lastSlice.IsZero() && now.Sub(a.lastSlice) < a.interval {
		a.mu.Unlock()
		return nil
	}

	uncommitted := a.uncommittedLocked()
	qty := math.Min(a.slicer.sliceQty(a, a.slices, uncommitted, now), uncommitted)
	if qty <= 0 || qty < a.cfg.MinSliceQty {
		a.mu.Unlock()
		return nil
	}

	req := domain.OrderRequest{
		ClientOrderID: domain.NewClientOrderID(a.cfg.Strategy, now),
		Symbol:        a.cfg.Symbol,
		Side:          a.cfg.Side,
		Type:          domain.OrderTypeMarket,
		Quantity:      qty,
		Strategy:      a.cfg.Strategy,
	}
	if a.cfg.UseLimitOrders {
		px, ok := a.limitPriceLocked()
		if !ok {
			a.mu.Unlock()
			a.logger.Debug("slice skipped: no reference price")
			return nil
		}
		req.Type = domain.OrderTypeLimit
		req.TimeInForce = domain.TimeInForceGTC
		req.Price = px
	}

	child := &ChildOrder{
		ClientOrderID: req.ClientOrderID,
		Slice:         a.slices,
		Quantity:      qty,
		Price:         req.Price,
		Status:        domain.OrderStatusNew,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	a.children[child.ClientOrderID] = child
	a.order = append(a.order, child.ClientOrderID)
	a.slices++
	a.lastSlice = now
	a.interval = a.slicer.nextInterval(a.cfg.SliceInterval)
	a.submitting = true
	a.mu.Unlock()

	a.metrics.AlgorithmSlice(string(a.slicer.kind()))
	report, err := a.router.ExecuteOrder(ctx, req)

	a.mu.Lock()
	a.submitting = false
	if err != nil {
		child.Status = domain.OrderStatusRejected
		child.Reason = err.Error()
		child.UpdatedAt = now
	} else {
		a.applyReportLocked(child, report, now)
	}
	completed := a.checkCompleteLocked(now)
	snapshot := *child
	p := a.progressLocked()
	progressHandlers, childHandlers := a.progressHandlersLocked(), a.childHandlersLocked()
	a.mu.Unlock()

	for _, h := range childHandlers {
		h(a.cfg.ID, snapshot)
	}
	emitProgress(progressHandlers, p)

	if err != nil {
		a.logger.Warn("slice submission failed",
			slog.Int("slice", snapshot.Slice),
			slog.Float64("qty", qty),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("algo %s: slice %d: %w", a.cfg.ID, snapshot.Slice, err)
	}
	a.logger.Debug("slice submitted",
		slog.Int("slice", snapshot.Slice),
		slog.Float64("qty", qty),
		slog.String("venue", string(snapshot.Venue)),
		slog.Bool("completed", completed),
	)
	return nil
}

// limitPriceLocked offsets the mid by LimitOffsetBps towards the far side
// of the book.
func (a *Algorithm) limitPriceLocked() (float64, bool) {
	mid, ok := a.router.ReferencePrice(a.cfg.Symbol)
	if !ok {
		mid, ok = a.lastPrice, a.lastPrice > 0
	}
	if !ok {
		return 0, false
	}
	off := a.cfg.LimitOffsetBps / 10_000
	if a.cfg.Side == domain.OrderSideSell {
		return mid * (1 - off), true
	}
	return mid * (1 + off), true
}

// applyReportLocked folds a venue report into a child. Cumulative fills
// never move backwards.
func (a *Algorithm) applyReportLocked(c *ChildOrder, r domain.ExecutionReport, now time.Time) {
	if r.Venue != "" {
		c.Venue = r.Venue
	}
	if r.FilledQty > c.FilledQty {
		c.FilledQty = r.FilledQty
		if r.AvgPrice > 0 {
			c.AvgPrice = r.AvgPrice
		}
	}
	if r.Status != "" && c.Status.CanTransitionTo(r.Status) {
		c.Status = r.Status
	}
	if !c.Status.IsTerminal() && c.FilledQty >= CompletionRatio*c.Quantity {
		c.Status = domain.OrderStatusFilled
	}
	if r.Reason != "" {
		c.Reason = r.Reason
	}
	c.UpdatedAt = now
	a.updatedAt = now
}

// OnFill matches a report to a child by client order id. It returns false
// when the report belongs to another order.
func (a *Algorithm) OnFill(r domain.ExecutionReport) bool {
	now := r.ReceivedAt
	a.mu.Lock()
	c, ok := a.children[r.ClientOrderID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	if now.IsZero() {
		now = a.updatedAt
	}
	a.applyReportLocked(c, r, now)
	completed := a.checkCompleteLocked(now)
	snapshot := *c
	p := a.progressLocked()
	progressHandlers, childHandlers := a.progressHandlersLocked(), a.childHandlersLocked()
	a.mu.Unlock()

	for _, h := range childHandlers {
		h(a.cfg.ID, snapshot)
	}
	emitProgress(progressHandlers, p)
	if completed {
		a.logger.Info("algorithm completed", slog.Float64("filled", p.FilledQty))
	}
	return true
}

// OnMarketData records the latest trade price and volume for the symbol.
func (a *Algorithm) OnMarketData(md MarketData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if md.Price > 0 {
		a.lastPrice = md.Price
	}
	a.volume += md.Volume
}
