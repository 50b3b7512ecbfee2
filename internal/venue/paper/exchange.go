// Package paper is a simulated venue. Orders match against a settable
// order book without touching any network; failures and latency can be
// injected for testing the routing and resilience layers.
package paper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

const fillTolerance = 1e-9

// Config configures a simulated venue.
type Config struct {
	Venue    domain.Venue
	Latency  time.Duration      // added to every call
	Balances map[string]float64 // initial free balances by asset
	MakerFee float64
	TakerFee float64
}

// ReportFunc receives reports produced outside of a request, such as fills
// on resting orders.
type ReportFunc func(domain.ExecutionReport)

type injected struct {
	op    string // empty matches every op
	err   error
	count int
}

// Exchange implements domain.VenueAdapter in memory.
type Exchange struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	connected bool
	books     map[string]domain.OrderBook
	prices    map[string]float64
	orders    map[string]*domain.ExecutionReport
	order     []string // client ids in placement order
	trades    map[string][]domain.Trade
	balances  map[string]float64
	failures  []*injected
	calls     map[string]int
	onReport  ReportFunc
	nextID    int
}

var _ domain.VenueAdapter = (*Exchange)(nil)

// New creates a disconnected simulated venue.
func New(cfg Config) *Exchange {
	if cfg.Venue == "" {
		cfg.Venue = domain.VenuePaper
	}
	balances := make(map[string]float64, len(cfg.Balances))
	for k, v := range cfg.Balances {
		balances[strings.ToUpper(k)] = v
	}
	return &Exchange{
		cfg:      cfg,
		now:      time.Now,
		books:    make(map[string]domain.OrderBook),
		prices:   make(map[string]float64),
		orders:   make(map[string]*domain.ExecutionReport),
		trades:   make(map[string][]domain.Trade),
		balances: balances,
		calls:    make(map[string]int),
	}
}

// SetClock replaces the time source.
func (e *Exchange) SetClock(now func() time.Time) { e.now = now }

// OnReport registers a listener for asynchronous reports.
func (e *Exchange) OnReport(fn ReportFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReport = fn
}

// SetBook replaces the simulated book for symbol.
func (e *Exchange) SetBook(symbol string, bids, asks []domain.PriceLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := domain.CanonicalSymbol(symbol)
	e.books[key] = domain.OrderBook{
		Venue:     e.cfg.Venue,
		Symbol:    key,
		Bids:      append([]domain.PriceLevel(nil), bids...),
		Asks:      append([]domain.PriceLevel(nil), asks...),
		Timestamp: e.now(),
	}
}

// SetPrice sets the last traded price used when a symbol has no book.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[domain.CanonicalSymbol(symbol)] = price
}

// FailNext makes the next n calls of op (or of any op when op is empty)
// return err.
func (e *Exchange) FailNext(op string, err error, n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, &injected{op: op, err: err, count: n})
}

// Calls returns how many times op was invoked.
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// SetConnected flips connectivity without a Connect call.
func (e *Exchange) SetConnected(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = v
}

// InjectOrder places venue-side state directly, bypassing matching.
func (e *Exchange) InjectOrder(r domain.ExecutionReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r.Venue = e.cfg.Venue
	r.Symbol = domain.CanonicalSymbol(r.Symbol)
	if r.VenueOrderID == "" {
		r.VenueOrderID = e.newVenueOrderIDLocked()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = e.now()
	}
	if _, ok := e.orders[r.ClientOrderID]; !ok {
		e.order = append(e.order, r.ClientOrderID)
	}
	cp := r
	e.orders[r.ClientOrderID] = &cp
}

// Fill executes qty of a resting order at price and notifies the report
// listener.
func (e *Exchange) Fill(clientOrderID string, qty, price float64) (domain.ExecutionReport, error) {
	e.mu.Lock()
	o, ok := e.orders[clientOrderID]
	if !ok || o.Status.IsTerminal() {
		e.mu.Unlock()
		return domain.ExecutionReport{}, fmt.Errorf("paper: fill %s: %w", clientOrderID, domain.ErrOrderNotFound)
	}
	next := *o
	e.applyFillLocked(&next, math.Min(qty, next.RemainingQty()), price)
	e.orders[clientOrderID] = &next
	listener := e.onReport
	e.mu.Unlock()

	if listener != nil {
		listener(next)
	}
	return next, nil
}

// Cross fills resting limit orders on symbol that the current book now
// crosses and notifies the report listener for each.
func (e *Exchange) Cross(symbol string) []domain.ExecutionReport {
	key := domain.CanonicalSymbol(symbol)
	e.mu.Lock()
	book, ok := e.books[key]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	var out []domain.ExecutionReport
	for _, id := range e.order {
		o := e.orders[id]
		if o.Symbol != key || o.Type != domain.OrderTypeLimit || !o.Status.IsOpen() {
			continue
		}
		levels := book.Asks
		if o.Side == domain.OrderSideSell {
			levels = book.Bids
		}
		remaining := o.RemainingQty()
		var filled, notional float64
		for _, l := range levels {
			if filled >= remaining-fillTolerance || !marketable(o.Side, l.Price, o.Price) {
				break
			}
			take := math.Min(l.Quantity, remaining-filled)
			filled += take
			notional += take * l.Price
		}
		if filled <= 0 {
			continue
		}
		next := *o
		e.applyFillLocked(&next, filled, notional/filled)
		e.orders[id] = &next
		out = append(out, next)
	}
	listener := e.onReport
	e.mu.Unlock()

	if listener != nil {
		for _, r := range out {
			listener(r)
		}
	}
	return out
}

func (e *Exchange) enter(ctx context.Context, op string) error {
	e.mu.Lock()
	e.calls[op]++
	var err error
	for i, f := range e.failures {
		if f.op == "" || f.op == op {
			err = f.err
			f.count--
			if f.count <= 0 {
				e.failures = append(e.failures[:i], e.failures[i+1:]...)
			}
			break
		}
	}
	connected := e.connected
	e.mu.Unlock()

	if e.cfg.Latency > 0 {
		t := time.NewTimer(e.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return domain.NewVenueError(e.cfg.Venue, op, domain.ClassTimeout, ctx.Err())
		case <-t.C:
		}
	}
	if err != nil {
		return err
	}
	if !connected && op != "connect" {
		return domain.NewVenueError(e.cfg.Venue, op, domain.ClassNetwork, domain.ErrNotConnected)
	}
	return nil
}

func (e *Exchange) Venue() domain.Venue { return e.cfg.Venue }
func (e *Exchange) Name() string        { return "paper-" + string(e.cfg.Venue) }
func (e *Exchange) Version() string     { return "1.0" }

func (e *Exchange) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Exchange) Connect(ctx context.Context) error {
	if err := e.enter(ctx, "connect"); err != nil {
		return err
	}
	e.SetConnected(true)
	return nil
}

func (e *Exchange) Close() error {
	e.SetConnected(false)
	return nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.ExecutionReport, error) {
	if err := e.enter(ctx, "place_order"); err != nil {
		return domain.ExecutionReport{}, err
	}
	if err := req.Validate(); err != nil {
		return domain.ExecutionReport{}, domain.NewVenueError(e.cfg.Venue, "place_order", domain.ClassRejection, fmt.Errorf("%w: %w", domain.ErrRejected, err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Duplicate submissions return the original order.
	if existing, ok := e.orders[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		return *existing, nil
	}

	symbol := domain.CanonicalSymbol(req.Symbol)
	now := e.now()
	r := domain.ExecutionReport{
		Venue:         e.cfg.Venue,
		Symbol:        symbol,
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  e.newVenueOrderIDLocked(),
		Side:          req.Side,
		Type:          req.Type,
		Status:        domain.OrderStatusAccepted,
		Quantity:      req.Quantity,
		Price:         req.Price,
		ExchangeTime:  now,
		ReceivedAt:    now,
	}
	if r.ClientOrderID == "" {
		r.ClientOrderID = r.VenueOrderID
	}

	book, hasBook := e.books[symbol]
	levels := book.Asks
	if req.Side == domain.OrderSideSell {
		levels = book.Bids
	}
	if req.Type == domain.OrderTypeMarket && !hasBook {
		if px := e.prices[symbol]; px > 0 {
			levels = []domain.PriceLevel{{Price: px, Quantity: math.Inf(1)}}
		}
	}

	var filled, notional float64
	for _, l := range levels {
		if filled >= req.Quantity-fillTolerance {
			break
		}
		if req.Type == domain.OrderTypeLimit && !marketable(req.Side, l.Price, req.Price) {
			break
		}
		take := math.Min(l.Quantity, req.Quantity-filled)
		filled += take
		notional += take * l.Price
	}

	switch {
	case filled > 0:
		e.applyFillLocked(&r, filled, notional/filled)
		if req.Type == domain.OrderTypeMarket && r.Status != domain.OrderStatusFilled {
			r.Status = domain.OrderStatusCanceled
			r.Reason = "insufficient liquidity"
		}
	case req.Type == domain.OrderTypeMarket:
		r.Status = domain.OrderStatusRejected
		r.Reason = "no liquidity"
	}

	e.orders[r.ClientOrderID] = &r
	e.order = append(e.order, r.ClientOrderID)
	return r, nil
}

func marketable(side domain.OrderSide, level, limit float64) bool {
	if side == domain.OrderSideBuy {
		return level <= limit
	}
	return level >= limit
}

// applyFillLocked folds one fill into r and updates balances and trades.
func (e *Exchange) applyFillLocked(r *domain.ExecutionReport, qty, price float64) {
	if qty <= 0 {
		return
	}
	total := r.FilledQty + qty
	r.AvgPrice = (r.AvgPrice*r.FilledQty + price*qty) / total
	r.FilledQty = total
	r.LastFillQty = qty
	r.LastFillPrice = price
	r.ExchangeTime = e.now()
	if r.FilledQty >= r.Quantity-fillTolerance {
		r.Status = domain.OrderStatusFilled
	} else {
		r.Status = domain.OrderStatusPartiallyFilled
	}

	base, quote, ok := domain.SplitSymbol(r.Symbol)
	if ok {
		fee := qty * price * e.cfg.TakerFee
		if r.Side == domain.OrderSideBuy {
			e.balances[base] += qty
			e.balances[quote] -= qty*price + fee
		} else {
			e.balances[base] -= qty
			e.balances[quote] += qty*price - fee
		}
	}
	e.trades[r.Symbol] = append(e.trades[r.Symbol], domain.Trade{
		Venue:     e.cfg.Venue,
		Symbol:    r.Symbol,
		ID:        fmt.Sprintf("%s-t%d", r.VenueOrderID, len(e.trades[r.Symbol])+1),
		Price:     price,
		Quantity:  qty,
		Side:      r.Side,
		Timestamp: r.ExchangeTime,
	})
	e.prices[r.Symbol] = price
}

func (e *Exchange) newVenueOrderIDLocked() string {
	e.nextID++
	return fmt.Sprintf("%s-%d", e.cfg.Venue, e.nextID)
}

func (e *Exchange) findLocked(clientOrderID, venueOrderID string) (*domain.ExecutionReport, bool) {
	if o, ok := e.orders[clientOrderID]; ok && clientOrderID != "" {
		return o, true
	}
	if venueOrderID == "" {
		return nil, false
	}
	for _, o := range e.orders {
		if o.VenueOrderID == venueOrderID {
			return o, true
		}
	}
	return nil, false
}

func (e *Exchange) CancelOrder(ctx context.Context, req domain.CancelRequest) (domain.ExecutionReport, error) {
	if err := e.enter(ctx, "cancel_order"); err != nil {
		return domain.ExecutionReport{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.findLocked(req.ClientOrderID, req.VenueOrderID)
	if !ok || o.Status.IsTerminal() {
		return domain.ExecutionReport{}, domain.NewVenueError(e.cfg.Venue, "cancel_order", domain.ClassNotFound, domain.ErrOrderNotFound)
	}
	next := *o
	next.Status = domain.OrderStatusCanceled
	next.LastFillQty, next.LastFillPrice = 0, 0
	next.ExchangeTime = e.now()
	e.orders[next.ClientOrderID] = &next
	return next, nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (domain.ExecutionReport, error) {
	if err := e.enter(ctx, "get_order"); err != nil {
		return domain.ExecutionReport{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[clientOrderID]
	if !ok {
		return domain.ExecutionReport{}, domain.NewVenueError(e.cfg.Venue, "get_order", domain.ClassNotFound, domain.ErrOrderNotFound)
	}
	return *o, nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]domain.ExecutionReport, error) {
	if err := e.enter(ctx, "get_open_orders"); err != nil {
		return nil, err
	}
	want := ""
	if symbol != "" {
		want = domain.CanonicalSymbol(symbol)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.ExecutionReport
	for _, id := range e.order {
		o := e.orders[id]
		if o.Status.IsOpen() && (want == "" || o.Symbol == want) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (e *Exchange) QueryOrders(ctx context.Context, symbol string, from, to time.Time) ([]domain.ExecutionReport, error) {
	if err := e.enter(ctx, "query_orders"); err != nil {
		return nil, err
	}
	want := domain.CanonicalSymbol(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.ExecutionReport
	for _, id := range e.order {
		o := e.orders[id]
		if symbol != "" && o.Symbol != want {
			continue
		}
		if o.ReceivedAt.Before(from) || (!to.IsZero() && o.ReceivedAt.After(to)) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (e *Exchange) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if err := e.enter(ctx, "get_current_price"); err != nil {
		return 0, err
	}
	key := domain.CanonicalSymbol(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[key]; ok {
		bid, hasBid := b.BestBid()
		ask, hasAsk := b.BestAsk()
		if hasBid && hasAsk {
			return (bid.Price + ask.Price) / 2, nil
		}
	}
	if px, ok := e.prices[key]; ok {
		return px, nil
	}
	return 0, domain.NewVenueError(e.cfg.Venue, "get_current_price", domain.ClassNotFound, fmt.Errorf("symbol %s: %w", key, domain.ErrNotFound))
}

func (e *Exchange) GetOrderBook(ctx context.Context, symbol string, depth int) (domain.OrderBook, error) {
	if err := e.enter(ctx, "get_order_book"); err != nil {
		return domain.OrderBook{}, err
	}
	key := domain.CanonicalSymbol(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[key]
	if !ok {
		return domain.OrderBook{}, domain.NewVenueError(e.cfg.Venue, "get_order_book", domain.ClassNotFound, fmt.Errorf("symbol %s: %w", key, domain.ErrNotFound))
	}
	out := b
	out.Bids = truncate(b.Bids, depth)
	out.Asks = truncate(b.Asks, depth)
	out.Timestamp = e.now()
	return out, nil
}

func truncate(levels []domain.PriceLevel, depth int) []domain.PriceLevel {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return append([]domain.PriceLevel(nil), levels...)
}

func (e *Exchange) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	if err := e.enter(ctx, "get_recent_trades"); err != nil {
		return nil, err
	}
	key := domain.CanonicalSymbol(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	trades := append([]domain.Trade(nil), e.trades[key]...)
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Timestamp.After(trades[j].Timestamp) })
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

func (e *Exchange) GetAccountBalance(ctx context.Context, asset string) (domain.Balance, error) {
	if err := e.enter(ctx, "get_account_balance"); err != nil {
		return domain.Balance{}, err
	}
	asset = strings.ToUpper(asset)
	e.mu.Lock()
	defer e.mu.Unlock()

	var locked float64
	for _, o := range e.orders {
		if !o.Status.IsOpen() {
			continue
		}
		base, quote, ok := domain.SplitSymbol(o.Symbol)
		if !ok {
			continue
		}
		if o.Side == domain.OrderSideBuy && quote == asset {
			locked += o.RemainingQty() * o.Price
		}
		if o.Side == domain.OrderSideSell && base == asset {
			locked += o.RemainingQty()
		}
	}
	return domain.Balance{
		Venue:     e.cfg.Venue,
		Asset:     asset,
		Free:      e.balances[asset] - locked,
		Locked:    locked,
		UpdatedAt: e.now(),
	}, nil
}
