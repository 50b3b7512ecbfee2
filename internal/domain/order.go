package domain

import (
	"fmt"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce is the order's time-in-force policy.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good-Till-Cancelled
	TimeInForceIOC TimeInForce = "IOC" // Immediate-Or-Cancel
	TimeInForceFOK TimeInForce = "FOK" // Fill-Or-Kill
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether the status is absorbing.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether the order may still trade.
func (s OrderStatus) IsOpen() bool {
	return s != "" && !s.IsTerminal()
}

func (s OrderStatus) rank() int {
	switch s {
	case OrderStatusNew:
		return 0
	case OrderStatusAccepted:
		return 1
	case OrderStatusPartiallyFilled:
		return 2
	}
	return 3
}

// CanTransitionTo reports whether moving from s to next is legal. Terminal
// states accept no transitions; a repeated PartiallyFilled is allowed since
// each fill produces a fresh report.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == OrderStatusPartiallyFilled && s == OrderStatusPartiallyFilled {
		return true
	}
	return next.rank() > s.rank()
}

// OrderRequest is an instruction to place one order on one venue.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	TimeInForce   TimeInForce
	Quantity      float64
	Price         float64 // limit price, zero for market orders
	Strategy      string
}

// Validate checks the request for obviously bad parameters.
func (r OrderRequest) Validate() error {
	switch {
	case r.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	case r.Side != OrderSideBuy && r.Side != OrderSideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, r.Side)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity %v", ErrInvalidOrder, r.Quantity)
	case r.Type == OrderTypeLimit && r.Price <= 0:
		return fmt.Errorf("%w: limit price %v", ErrInvalidOrder, r.Price)
	}
	return nil
}

// CancelRequest identifies an order to cancel.
type CancelRequest struct {
	Symbol        string
	ClientOrderID string
	VenueOrderID  string
}

// ExecutionReport is a point-in-time view of an order on a venue. Reports
// are replaced by newer ones, never patched.
type ExecutionReport struct {
	Venue         Venue       `json:"venue"`
	Symbol        string      `json:"symbol"`
	ClientOrderID string      `json:"client_order_id"`
	VenueOrderID  string      `json:"venue_order_id,omitempty"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price,omitempty"`
	FilledQty     float64     `json:"filled_qty"` // cumulative
	AvgPrice      float64     `json:"avg_price"`
	LastFillQty   float64     `json:"last_fill_qty,omitempty"`
	LastFillPrice float64     `json:"last_fill_price,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	ExchangeTime  time.Time   `json:"exchange_time"`
	ReceivedAt    time.Time   `json:"received_at"`
}

// RemainingQty is the unfilled quantity.
func (r ExecutionReport) RemainingQty() float64 {
	if rem := r.Quantity - r.FilledQty; rem > 0 {
		return rem
	}
	return 0
}

// Notional is the filled value at the average price.
func (r ExecutionReport) Notional() float64 {
	return r.FilledQty * r.AvgPrice
}
