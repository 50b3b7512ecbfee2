package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// PlaceOrder sends req to venue, or to the venue chosen by the configured
// strategy when venue is empty. A missing client order id is generated.
// The returned report has the canonical symbol and the venue filled in.
func (c *Coordinator) PlaceOrder(ctx context.Context, req domain.OrderRequest, venue domain.Venue) (domain.ExecutionReport, error) {
	req.Symbol = domain.CanonicalSymbol(req.Symbol)
	if err := req.Validate(); err != nil {
		return domain.ExecutionReport{}, fmt.Errorf("coordinator: place order: %w", err)
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = c.ids.Next(req.Strategy, c.now())
	}
	if venue == "" {
		v, err := c.SelectVenue(req.Symbol, req.Side, req.Quantity)
		if err != nil {
			return domain.ExecutionReport{}, err
		}
		venue = v
	}

	c.mu.Lock()
	adapter, ok := c.adapters[venue]
	if ok {
		c.routes[req.ClientOrderID] = orderRoute{venue: venue, symbol: req.Symbol, side: req.Side}
	}
	c.mu.Unlock()
	if !ok {
		return domain.ExecutionReport{}, fmt.Errorf("coordinator: place order on %s: %w", venue, domain.ErrVenueNotRegistered)
	}

	wire := req
	wire.Symbol = venue.FormatSymbol(req.Symbol)

	start := time.Now()
	report, err := adapter.PlaceOrder(ctx, wire)
	c.observe(venue, "place_order", start, err)
	if err != nil {
		c.finishRoute(req.ClientOrderID)
		c.logger.Warn("place order failed",
			slog.String("venue", string(venue)),
			slog.String("client_order_id", req.ClientOrderID),
			slog.String("class", string(domain.Classify(err))),
			slog.String("error", err.Error()),
		)
		return domain.ExecutionReport{}, fmt.Errorf("coordinator: place order %s: %w", req.ClientOrderID, err)
	}

	report = c.normalise(report, venue, req)
	c.process(report)
	return report, nil
}

// CancelOrder cancels an order. With an empty venue the venue the order was
// placed on is used.
func (c *Coordinator) CancelOrder(ctx context.Context, req domain.CancelRequest, venue domain.Venue) (domain.ExecutionReport, error) {
	c.mu.Lock()
	route, known := c.routes[req.ClientOrderID]
	if venue == "" && known {
		venue = route.venue
	}
	adapter, ok := c.adapters[venue]
	c.mu.Unlock()

	if venue == "" {
		return domain.ExecutionReport{}, fmt.Errorf("coordinator: cancel %s: venue unknown: %w", req.ClientOrderID, domain.ErrOrderNotFound)
	}
	if !ok {
		return domain.ExecutionReport{}, fmt.Errorf("coordinator: cancel on %s: %w", venue, domain.ErrVenueNotRegistered)
	}

	symbol := req.Symbol
	if symbol == "" && known {
		symbol = route.symbol
	}
	symbol = domain.CanonicalSymbol(symbol)
	wire := req
	wire.Symbol = venue.FormatSymbol(symbol)

	start := time.Now()
	report, err := adapter.CancelOrder(ctx, wire)
	c.observe(venue, "cancel_order", start, err)
	if err != nil {
		return domain.ExecutionReport{}, fmt.Errorf("coordinator: cancel %s: %w", req.ClientOrderID, err)
	}

	report = c.normalise(report, venue, domain.OrderRequest{ClientOrderID: req.ClientOrderID, Symbol: symbol, Side: route.side})
	c.process(report)
	return report, nil
}

// HandleExecutionReport ingests a report pushed by a venue stream. Reports
// already seen are dropped.
func (c *Coordinator) HandleExecutionReport(r domain.ExecutionReport) bool {
	c.mu.Lock()
	route, known := c.routes[r.ClientOrderID]
	c.mu.Unlock()

	venue := r.Venue
	if venue == "" && known {
		venue = route.venue
	}
	return c.process(c.normalise(r, venue, domain.OrderRequest{ClientOrderID: r.ClientOrderID, Symbol: route.symbol, Side: route.side}))
}

// VenueOf returns the venue an order was routed to.
func (c *Coordinator) VenueOf(clientOrderID string) (domain.Venue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.routes[clientOrderID]
	return r.venue, ok
}

func (c *Coordinator) normalise(r domain.ExecutionReport, venue domain.Venue, req domain.OrderRequest) domain.ExecutionReport {
	r.Venue = venue
	if r.Symbol == "" {
		r.Symbol = req.Symbol
	}
	r.Symbol = domain.CanonicalSymbol(r.Symbol)
	if r.ClientOrderID == "" {
		r.ClientOrderID = req.ClientOrderID
	}
	if r.Side == "" {
		r.Side = req.Side
	}
	if r.Type == "" {
		r.Type = req.Type
	}
	if r.Quantity == 0 {
		r.Quantity = req.Quantity
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = c.now()
	}
	return r
}

// process applies a report once. Fills go to the position aggregator and
// callbacks fire outside the lock.
func (c *Coordinator) process(r domain.ExecutionReport) bool {
	if c.dedup.IsDuplicate(r) {
		c.logger.Debug("duplicate execution report dropped",
			slog.String("venue", string(r.Venue)),
			slog.String("client_order_id", r.ClientOrderID),
			slog.String("status", string(r.Status)),
		)
		return false
	}
	if r.LastFillQty > 0 && r.LastFillPrice > 0 {
		c.positions.ApplyFill(r.Venue, r.Symbol, r.Side, r.LastFillQty, r.LastFillPrice, r.ReceivedAt)
	}
	c.metrics.ExecutionReport(string(r.Venue), string(r.Status), r.LastFillQty*r.LastFillPrice)
	if r.Status.IsTerminal() {
		c.finishRoute(r.ClientOrderID)
	}

	c.mu.Lock()
	handlers := append([]ExecutionHandler(nil), c.execHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(r.Venue, r)
	}
	return true
}

// finishRoute starts the route's expiry. It stays resolvable for DedupTTL so
// late stream reports and cancels still find the venue.
func (c *Coordinator) finishRoute(clientOrderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.routes[clientOrderID]; ok && r.doneAt.IsZero() {
		r.doneAt = c.now()
		c.routes[clientOrderID] = r
	}
}

// PruneRoutes drops routes finished at least DedupTTL ago and returns how
// many were removed.
func (c *Coordinator) PruneRoutes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for id, r := range c.routes {
		if !r.doneAt.IsZero() && now.Sub(r.doneAt) >= c.cfg.DedupTTL {
			delete(c.routes, id)
			removed++
		}
	}
	return removed
}

// TrackedRoutes returns how many routes are held, finished or not.
func (c *Coordinator) TrackedRoutes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.routes)
}
