package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// OrderBook is a venue snapshot of bids (best first, descending) and asks
// (best first, ascending).
type OrderBook struct {
	Venue     Venue
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the top bid level, if any.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Trade is a public trade print.
type Trade struct {
	Venue     Venue
	Symbol    string
	ID        string
	Price     float64
	Quantity  float64
	Side      OrderSide // aggressor side
	Timestamp time.Time
}

// Balance is the account balance of one asset on one venue.
type Balance struct {
	Venue     Venue
	Asset     string
	Free      float64
	Locked    float64
	UpdatedAt time.Time
}

// Total is free plus locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }
