// Package router scores venues on price, fee, latency, liquidity and
// reliability, splits orders across them, and feeds execution quality back
// into later decisions.
package router

import (
	"context"
	"sort"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/book"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/latency"
)

const (
	// LiquidityCapPct is the share of visible top-of-book quantity a split
	// may take from one venue.
	LiquidityCapPct = 0.8
	// LatencyReference is the p50 at which the latency score halves.
	LatencyReference = 100 * time.Millisecond
	// DefaultReliability scores venues with no execution history.
	DefaultReliability = 0.5
)

// Coordinator is what the router needs from the exchange coordinator.
type Coordinator interface {
	ConnectedVenues() []domain.Venue
	VenueQuotes(symbol string) []book.VenueBBO
	AggregatedBBO(symbol string) book.AggregatedBBO
	LatencyStats(v domain.Venue) (latency.Stats, bool)
	PlaceOrder(ctx context.Context, req domain.OrderRequest, venue domain.Venue) (domain.ExecutionReport, error)
	CancelOrder(ctx context.Context, req domain.CancelRequest, venue domain.Venue) (domain.ExecutionReport, error)
}

// Weights are the five scoring weights, each clamped to [0,1]. They need
// not sum to one.
type Weights struct {
	Price       float64 `json:"price"`
	Fee         float64 `json:"fee"`
	Latency     float64 `json:"latency"`
	Liquidity   float64 `json:"liquidity"`
	Reliability float64 `json:"reliability"`
}

// DefaultWeights favours price, then liquidity.
func DefaultWeights() Weights {
	return Weights{Price: 0.35, Fee: 0.15, Latency: 0.15, Liquidity: 0.2, Reliability: 0.15}
}

func (w Weights) clamped() Weights {
	return Weights{
		Price:       clamp01(w.Price),
		Fee:         clamp01(w.Fee),
		Latency:     clamp01(w.Latency),
		Liquidity:   clamp01(w.Liquidity),
		Reliability: clamp01(w.Reliability),
	}
}

// VenueScore is one venue's factor breakdown for one routing call.
type VenueScore struct {
	Venue        domain.Venue `json:"venue"`
	Price        float64      `json:"price"`
	Fee          float64      `json:"fee"`
	Latency      float64      `json:"latency"`
	Liquidity    float64      `json:"liquidity"`
	Reliability  float64      `json:"reliability"`
	Total        float64      `json:"total"`
	QuotePrice   float64      `json:"quote_price"`
	AvailableQty float64      `json:"available_qty"`
}

// RoutingDecision is the top venue plus ordered fallbacks.
type RoutingDecision struct {
	Symbol    string           `json:"symbol"`
	Side      domain.OrderSide `json:"side"`
	Quantity  float64          `json:"quantity"`
	Venue     domain.Venue     `json:"venue"`
	Score     VenueScore       `json:"score"`
	Fallbacks []domain.Venue   `json:"fallbacks"`
	Scores    []VenueScore     `json:"scores"`
	DecidedAt time.Time        `json:"decided_at"`
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

// ScoreVenues scores every connected venue for an order, best first.
func (r *Router) ScoreVenues(symbol string, side domain.OrderSide, qty float64) []VenueScore {
	symbol = domain.CanonicalSymbol(symbol)

	// Gather coordinator state before taking the router lock.
	venues := r.coord.ConnectedVenues()
	agg := r.coord.AggregatedBBO(symbol)
	quotes := make(map[domain.Venue]book.VenueBBO)
	for _, q := range r.coord.VenueQuotes(symbol) {
		quotes[q.Venue] = q
	}
	lat := make(map[domain.Venue]latency.Stats, len(venues))
	for _, v := range venues {
		if st, ok := r.coord.LatencyStats(v); ok {
			lat[v] = st
		}
	}

	ref := agg.BestAskPrice
	if side == domain.OrderSideSell {
		ref = agg.BestBidPrice
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.cfg.Weights.clamped()
	out := make([]VenueScore, 0, len(venues))
	for _, v := range venues {
		s := VenueScore{Venue: v}
		if q, ok := quotes[v]; ok {
			if side == domain.OrderSideSell && q.HasBid() {
				s.QuotePrice, s.AvailableQty = q.BidPrice, q.BidQty
			} else if side != domain.OrderSideSell && q.HasAsk() {
				s.QuotePrice, s.AvailableQty = q.AskPrice, q.AskQty
			}
		}
		s.Price = priceScore(side, s.QuotePrice, ref)
		s.Fee = clamp01(1 - r.takerFee(v)*100)
		s.Latency = 0.5
		if st, ok := lat[v]; ok {
			s.Latency = 1 / (1 + float64(st.P50)/float64(LatencyReference))
		}
		switch {
		case qty > 0:
			s.Liquidity = clamp01(s.AvailableQty / qty)
		case s.AvailableQty > 0:
			s.Liquidity = 1
		}
		s.Reliability = r.reliabilityLocked(v)
		s.Total = w.Price*s.Price + w.Fee*s.Fee + w.Latency*s.Latency + w.Liquidity*s.Liquidity + w.Reliability*s.Reliability
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Venue < out[j].Venue
	})
	return out
}

// priceScore compares a venue's quote to the cross-venue reference: for
// buys ref/ask, for sells bid/ref, clamped to [0,1].
func priceScore(side domain.OrderSide, quote, ref float64) float64 {
	if quote <= 0 || ref <= 0 {
		return 0
	}
	if side == domain.OrderSideSell {
		return clamp01(quote / ref)
	}
	return clamp01(ref / quote)
}

func (r *Router) takerFee(v domain.Venue) float64 {
	if f, ok := r.cfg.Fees[v]; ok {
		return f.Taker
	}
	return r.cfg.DefaultTakerFee
}

func (r *Router) minOrderSize(v domain.Venue) float64 {
	if m, ok := r.cfg.MinOrderSize[v]; ok {
		return m
	}
	return r.cfg.DefaultMinOrderSize
}

// reliabilityLocked must be called with r.mu held.
func (r *Router) reliabilityLocked(v domain.Venue) float64 {
	q, ok := r.quality[v]
	if !ok || q.successes+q.failures == 0 {
		return DefaultReliability
	}
	return float64(q.successes) / float64(q.successes+q.failures)
}

// RouteOrder returns the top-scored venue and the rest as fallbacks.
func (r *Router) RouteOrder(symbol string, side domain.OrderSide, qty float64) (RoutingDecision, error) {
	scores := r.ScoreVenues(symbol, side, qty)
	if len(scores) == 0 {
		return RoutingDecision{}, domain.ErrNoVenue
	}
	d := RoutingDecision{
		Symbol:    domain.CanonicalSymbol(symbol),
		Side:      side,
		Quantity:  qty,
		Venue:     scores[0].Venue,
		Score:     scores[0],
		Scores:    scores,
		DecidedAt: r.now(),
	}
	for _, s := range scores[1:] {
		d.Fallbacks = append(d.Fallbacks, s.Venue)
	}
	r.metrics.RoutingDecision(string(d.Venue))
	return d, nil
}
