package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/router"
)

// OrderRouter is the smart order router surface the API exposes.
type OrderRouter interface {
	RouteOrder(symbol string, side domain.OrderSide, qty float64) (router.RoutingDecision, error)
	SplitOrder(symbol string, side domain.OrderSide, qty, maxPct float64) (router.SplitPlan, error)
	ExecuteOrder(ctx context.Context, req domain.OrderRequest) (domain.ExecutionReport, error)
	ExecuteSplit(ctx context.Context, req domain.OrderRequest, maxPct float64) (router.SplitResult, error)
	ExecuteBatch(ctx context.Context, reqs []domain.OrderRequest, atomic bool) router.BatchResult
	Analytics() router.Analytics
	AllVenueQuality() []router.VenueQuality
}

// OrderCanceler cancels on the venue an order was routed to.
type OrderCanceler interface {
	CancelOrder(ctx context.Context, req domain.CancelRequest, venue domain.Venue) (domain.ExecutionReport, error)
	VenueOf(clientOrderID string) (domain.Venue, bool)
}

// OrderHandler serves routing, order placement and routing analytics.
type OrderHandler struct {
	router   OrderRouter
	canceler OrderCanceler
	orders   domain.OrderStore
	frozen   func() bool
	logger   *slog.Logger
}

// NewOrderHandler creates an OrderHandler. frozen, when set, gates new
// orders; cancels are always allowed.
func NewOrderHandler(r OrderRouter, c OrderCanceler, orders domain.OrderStore, frozen func() bool, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{router: r, canceler: c, orders: orders, frozen: frozen, logger: logger}
}

type orderRequest struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Type        string  `json:"type"`
	TimeInForce string  `json:"time_in_force"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	Strategy    string  `json:"strategy"`
	// Split spreads the order across venues, MaxVenuePct capping each share.
	Split       bool    `json:"split"`
	MaxVenuePct float64 `json:"max_venue_pct"`
}

func (o orderRequest) toDomain() (domain.OrderRequest, error) {
	side, err := parseSide(o.Side)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	typ := domain.OrderType(strings.ToLower(o.Type))
	if typ == "" {
		typ = domain.OrderTypeMarket
		if o.Price > 0 {
			typ = domain.OrderTypeLimit
		}
	}
	if typ != domain.OrderTypeMarket && typ != domain.OrderTypeLimit {
		return domain.OrderRequest{}, fmt.Errorf("%w: type %q", domain.ErrInvalidOrder, o.Type)
	}
	tif := domain.TimeInForce(strings.ToUpper(o.TimeInForce))
	if tif == "" {
		tif = domain.TimeInForceGTC
	}
	strategy := o.Strategy
	if strategy == "" {
		strategy = "manual"
	}
	req := domain.OrderRequest{
		Symbol:      domain.CanonicalSymbol(o.Symbol),
		Side:        side,
		Type:        typ,
		TimeInForce: tif,
		Quantity:    o.Quantity,
		Price:       o.Price,
		Strategy:    strategy,
	}
	return req, req.Validate()
}

func (h *OrderHandler) isFrozen(w http.ResponseWriter) bool {
	if h.frozen != nil && h.frozen() {
		writeDomainError(w, fmt.Errorf("new orders refused: %w", domain.ErrStrategyFrozen))
		return true
	}
	return false
}

// Route scores venues without placing anything. With split set it returns
// the allocation plan instead of the single-venue decision.
// POST /api/orders/route
func (h *OrderHandler) Route(w http.ResponseWriter, r *http.Request) {
	var body orderRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if body.Split {
		plan, err := h.router.SplitOrder(req.Symbol, req.Side, req.Quantity, body.MaxVenuePct)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
		return
	}
	decision, err := h.router.RouteOrder(req.Symbol, req.Side, req.Quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// PlaceOrder routes and executes one order, split across venues when asked.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	if h.isFrozen(w) {
		return
	}
	var body orderRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if body.Split {
		res, err := h.router.ExecuteSplit(r.Context(), req, body.MaxVenuePct)
		if err != nil && len(res.Reports) == 0 {
			writeDomainError(w, err)
			return
		}
		out := map[string]any{"plan": res.Plan, "reports": res.Reports, "filled_qty": res.FilledQty()}
		if err != nil {
			out["error"] = err.Error()
			writeJSON(w, http.StatusMultiStatus, out)
			return
		}
		writeJSON(w, http.StatusCreated, out)
		return
	}

	rep, err := h.router.ExecuteOrder(r.Context(), req)
	if err != nil {
		h.logger.Warn("order failed", slog.String("symbol", req.Symbol), slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

type batchRequest struct {
	Orders []orderRequest `json:"orders"`
	Atomic bool           `json:"atomic"`
}

// PlaceBatch executes orders in sequence; an atomic batch stops at the first
// failure and cancels orders still resting.
// POST /api/orders/batch
func (h *OrderHandler) PlaceBatch(w http.ResponseWriter, r *http.Request) {
	if h.isFrozen(w) {
		return
	}
	var body batchRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Orders) == 0 {
		writeError(w, http.StatusBadRequest, "orders must not be empty")
		return
	}
	reqs := make([]domain.OrderRequest, len(body.Orders))
	for i, o := range body.Orders {
		req, err := o.toDomain()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("order %d: %s", i, err))
			return
		}
		reqs[i] = req
	}

	res := h.router.ExecuteBatch(r.Context(), reqs, body.Atomic)
	errs := make([]string, len(res.Errors))
	for i, err := range res.Errors {
		if err != nil {
			errs[i] = err.Error()
		}
	}
	code := http.StatusCreated
	if res.Failed > 0 {
		code = http.StatusMultiStatus
	}
	writeJSON(w, code, map[string]any{
		"reports":   res.Reports,
		"errors":    errs,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"stopped":   res.Stopped,
	})
}

// GetOrder returns the locally stored view of an order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListPending returns orders the store still considers live.
// GET /api/orders
func (h *OrderHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListPending(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "count": len(orders)})
}

// CancelOrder cancels an order on the venue it was routed to. The venue is
// taken from the routing table, then the local store.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	req := domain.CancelRequest{ClientOrderID: id}

	venue, ok := h.canceler.VenueOf(id)
	if o, err := h.orders.Get(r.Context(), id); err == nil {
		req.Symbol = o.Symbol
		req.VenueOrderID = o.VenueOrderID
		if !ok {
			venue, ok = o.Venue, o.Venue != ""
		}
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown order "+id)
		return
	}

	rep, err := h.canceler.CancelOrder(r.Context(), req, venue)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Analytics returns router-wide execution counters.
// GET /api/routing/analytics
func (h *OrderHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.Analytics())
}

// VenueQuality returns per-venue execution quality.
// GET /api/routing/quality
func (h *OrderHandler) VenueQuality(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"venues": h.router.AllVenueQuality()})
}
