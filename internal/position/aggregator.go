// Package position folds fills from every venue into per-symbol net
// positions with average-cost PnL.
package position

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

const qtyEpsilon = 1e-12

// Position is the net exposure in one symbol across venues.
type Position struct {
	Symbol        string                   `json:"symbol"`
	NetQty        float64                  `json:"net_qty"`
	AvgEntryPrice float64                  `json:"avg_entry_price"`
	RealizedPnL   float64                  `json:"realized_pnl"`
	UnrealizedPnL float64                  `json:"unrealized_pnl"`
	MarkPrice     float64                  `json:"mark_price"`
	Volume        float64                  `json:"volume"`
	ByVenue       map[domain.Venue]float64 `json:"by_venue"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

func (p Position) clone() Position {
	venues := make(map[domain.Venue]float64, len(p.ByVenue))
	for k, v := range p.ByVenue {
		venues[k] = v
	}
	p.ByVenue = venues
	return p
}

// Aggregator accumulates fills. It is safe for concurrent use.
type Aggregator struct {
	mu        sync.Mutex
	positions map[string]*Position
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{positions: make(map[string]*Position)}
}

// ApplyFill folds one fill into the symbol's position and returns the
// updated position.
func (a *Aggregator) ApplyFill(venue domain.Venue, symbol string, side domain.OrderSide, qty, price float64, ts time.Time) Position {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol, ByVenue: make(map[domain.Venue]float64)}
		a.positions[symbol] = p
	}
	if qty <= 0 {
		return p.clone()
	}

	signed := qty * side.Sign()
	p.Volume += qty
	p.ByVenue[venue] += signed

	switch {
	case math.Abs(p.NetQty) < qtyEpsilon || sameSign(p.NetQty, signed):
		// Opening or adding: blend the entry price.
		total := math.Abs(p.NetQty) + qty
		p.AvgEntryPrice = (p.AvgEntryPrice*math.Abs(p.NetQty) + price*qty) / total
		p.NetQty += signed
	default:
		closing := math.Min(qty, math.Abs(p.NetQty))
		dir := 1.0
		if p.NetQty < 0 {
			dir = -1
		}
		p.RealizedPnL += closing * (price - p.AvgEntryPrice) * dir
		p.NetQty += signed
		switch {
		case math.Abs(p.NetQty) < qtyEpsilon:
			p.NetQty = 0
			p.AvgEntryPrice = 0
		case !sameSign(p.NetQty, dir):
			// Flipped through flat: the remainder opens at the fill price.
			p.AvgEntryPrice = price
		}
	}

	if p.MarkPrice == 0 {
		p.MarkPrice = price
	}
	p.UnrealizedPnL = unrealized(p)
	p.UpdatedAt = ts
	return p.clone()
}

// Mark revalues the symbol's open position at price.
func (a *Aggregator) Mark(symbol string, price float64, ts time.Time) {
	if price <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[symbol]
	if !ok {
		return
	}
	p.MarkPrice = price
	p.UnrealizedPnL = unrealized(p)
	p.UpdatedAt = ts
}

func unrealized(p *Position) float64 {
	if p.NetQty == 0 || p.MarkPrice == 0 {
		return 0
	}
	return p.NetQty * (p.MarkPrice - p.AvgEntryPrice)
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// Position returns a copy of the symbol's position.
func (a *Aggregator) Position(symbol string) (Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return p.clone(), true
}

// All returns copies of every position, sorted by symbol.
func (a *Aggregator) All() []Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// TotalPnL sums realized and unrealized PnL over all symbols.
func (a *Aggregator) TotalPnL() (realized, unrealizedPnL float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.positions {
		realized += p.RealizedPnL
		unrealizedPnL += p.UnrealizedPnL
	}
	return realized, unrealizedPnL
}
