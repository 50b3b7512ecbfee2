package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LocalOrder is the locally tracked state of one order.
type LocalOrder struct {
	ClientOrderID string      `json:"client_order_id"`
	VenueOrderID  string      `json:"venue_order_id,omitempty"`
	Venue         Venue       `json:"venue"`
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price,omitempty"`
	FilledQty     float64     `json:"filled_qty"`
	AvgPrice      float64     `json:"avg_price"`
	Strategy      string      `json:"strategy,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// OrderUpdate overwrites the local view of an order. Orders unknown to the
// store are inserted.
type OrderUpdate struct {
	ClientOrderID string
	VenueOrderID  string
	Venue         Venue
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Quantity      float64
	Price         float64
	FilledQty     float64
	AvgPrice      float64
	UpdatedAt     time.Time
}

// UpdateFromReport converts a venue report into a local overwrite.
func UpdateFromReport(r ExecutionReport, ts time.Time) OrderUpdate {
	return OrderUpdate{
		ClientOrderID: r.ClientOrderID,
		VenueOrderID:  r.VenueOrderID,
		Venue:         r.Venue,
		Symbol:        r.Symbol,
		Side:          r.Side,
		Type:          r.Type,
		Status:        r.Status,
		Quantity:      r.Quantity,
		Price:         r.Price,
		FilledQty:     r.FilledQty,
		AvgPrice:      r.AvgPrice,
		UpdatedAt:     ts,
	}
}

// OrderStore is the local order book-keeping the reconciler repairs.
type OrderStore interface {
	// ListPending returns the orders the store still considers live.
	ListPending(ctx context.Context) ([]LocalOrder, error)
	ApplyOrderUpdate(ctx context.Context, u OrderUpdate) error
	ApplyFill(ctx context.Context, clientOrderID string, qty, price float64, ts time.Time) error
	Get(ctx context.Context, clientOrderID string) (LocalOrder, error)
}

// AuditStore persists the append-only reconciliation audit log.
type AuditStore interface {
	Log(ctx context.Context, ev ReconciliationEvent) error
	List(ctx context.Context, opts ListOpts) ([]ReconciliationEvent, error)
}
