package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/book"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Strategy selects a venue for an order.
type Strategy string

const (
	StrategyBestPrice      Strategy = "best_price"
	StrategyLowestLatency  Strategy = "lowest_latency"
	StrategyBalanced       Strategy = "balanced"
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyWeightedRandom Strategy = "weighted_random"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyBestPrice, StrategyLowestLatency, StrategyBalanced, StrategyRoundRobin, StrategyWeightedRandom:
		return st, nil
	}
	return "", fmt.Errorf("unknown venue selection strategy %q", s)
}

// SelectVenue picks a connected venue for an order using the configured
// strategy.
func (c *Coordinator) SelectVenue(symbol string, side domain.OrderSide, qty float64) (domain.Venue, error) {
	return c.SelectVenueWith(c.cfg.Strategy, symbol, side, qty)
}

// SelectVenueWith picks a connected venue using an explicit strategy.
func (c *Coordinator) SelectVenueWith(st Strategy, symbol string, side domain.OrderSide, qty float64) (domain.Venue, error) {
	candidates := c.ConnectedVenues()
	if len(candidates) == 0 {
		return "", fmt.Errorf("coordinator: select venue for %s: %w", symbol, domain.ErrNoVenue)
	}

	switch st {
	case StrategyLowestLatency:
		return c.selectLowestLatency(candidates), nil
	case StrategyBalanced:
		return c.selectBalanced(candidates, symbol, side), nil
	case StrategyRoundRobin:
		return c.selectRoundRobin(candidates), nil
	case StrategyWeightedRandom:
		return c.selectWeightedRandom(candidates), nil
	default:
		return c.selectBestPrice(candidates, symbol, side), nil
	}
}

// quotesFor returns the side's quote per candidate venue. Venues without a
// usable quote on that side are omitted.
func (c *Coordinator) quotesFor(candidates []domain.Venue, symbol string, side domain.OrderSide) map[domain.Venue]float64 {
	allowed := make(map[domain.Venue]bool, len(candidates))
	for _, v := range candidates {
		allowed[v] = true
	}
	out := make(map[domain.Venue]float64)
	for _, q := range c.Book(symbol).VenueQuotes() {
		if !allowed[q.Venue] {
			continue
		}
		if px, ok := sidePrice(q, side); ok {
			out[q.Venue] = px
		}
	}
	return out
}

// sidePrice is the price an order on side would trade against: the ask
// for buys, the bid for sells.
func sidePrice(q book.VenueBBO, side domain.OrderSide) (float64, bool) {
	if side == domain.OrderSideSell {
		return q.BidPrice, q.HasBid()
	}
	return q.AskPrice, q.HasAsk()
}

func better(side domain.OrderSide, a, b float64) bool {
	if side == domain.OrderSideSell {
		return a > b
	}
	return a < b
}

// selectBestPrice falls back to the first connected venue when no venue
// has a quote.
func (c *Coordinator) selectBestPrice(candidates []domain.Venue, symbol string, side domain.OrderSide) domain.Venue {
	quotes := c.quotesFor(candidates, symbol, side)
	best, bestPx := domain.Venue(""), 0.0
	for _, v := range candidates {
		px, ok := quotes[v]
		if !ok {
			continue
		}
		if best == "" || better(side, px, bestPx) {
			best, bestPx = v, px
		}
	}
	if best == "" {
		return candidates[0]
	}
	return best
}

func (c *Coordinator) selectLowestLatency(candidates []domain.Venue) domain.Venue {
	connected := make(map[domain.Venue]bool, len(candidates))
	for _, v := range candidates {
		connected[v] = true
	}
	for _, v := range c.latency.VenuesByLatency() {
		if connected[v] {
			return v
		}
	}
	return candidates[0]
}

// selectBalanced blends a min-max normalised price score with a min-max
// normalised latency score. Venues without latency samples score 0.5 on
// latency.
func (c *Coordinator) selectBalanced(candidates []domain.Venue, symbol string, side domain.OrderSide) domain.Venue {
	quotes := c.quotesFor(candidates, symbol, side)
	pool := candidates
	if len(quotes) > 0 {
		pool = pool[:0:0]
		for _, v := range candidates {
			if _, ok := quotes[v]; ok {
				pool = append(pool, v)
			}
		}
	}

	lat := make(map[domain.Venue]time.Duration)
	for _, v := range pool {
		if st, ok := c.latency.Stats(v); ok {
			lat[v] = st.P50
		}
	}
	pMin, pMax := minMax(quotes)
	lMin, lMax := minMaxDur(lat)

	w := c.cfg.BalancedPriceWeight
	best, bestScore := pool[0], -1.0
	for _, v := range pool {
		priceScore := 0.5
		if px, ok := quotes[v]; ok {
			priceScore = normalise(px, pMin, pMax, side == domain.OrderSideSell)
		}
		latScore := 0.5
		if d, ok := lat[v]; ok {
			latScore = normalise(float64(d), float64(lMin), float64(lMax), false)
		}
		score := w*priceScore + (1-w)*latScore
		if score > bestScore {
			best, bestScore = v, score
		}
	}
	return best
}

// normalise maps x into [0,1]. With higherBetter false the minimum scores 1.
func normalise(x, lo, hi float64, higherBetter bool) float64 {
	if hi <= lo {
		return 1
	}
	if higherBetter {
		return (x - lo) / (hi - lo)
	}
	return (hi - x) / (hi - lo)
}

func minMax(m map[domain.Venue]float64) (lo, hi float64) {
	first := true
	for _, x := range m {
		if first || x < lo {
			lo = x
		}
		if first || x > hi {
			hi = x
		}
		first = false
	}
	return lo, hi
}

func minMaxDur(m map[domain.Venue]time.Duration) (lo, hi time.Duration) {
	first := true
	for _, x := range m {
		if first || x < lo {
			lo = x
		}
		if first || x > hi {
			hi = x
		}
		first = false
	}
	return lo, hi
}

func (c *Coordinator) selectRoundRobin(candidates []domain.Venue) domain.Venue {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := candidates[c.rrNext%len(candidates)]
	c.rrNext++
	return v
}

// selectWeightedRandom samples proportionally to configured venue weights;
// unconfigured venues weigh 1.0.
func (c *Coordinator) selectWeightedRandom(candidates []domain.Venue) domain.Venue {
	weights := make([]float64, len(candidates))
	var total float64
	for i, v := range candidates {
		w, ok := c.cfg.VenueWeights[v]
		if !ok {
			w = 1
		}
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}

	c.mu.Lock()
	r := c.rng.Float64() * total
	c.mu.Unlock()

	for i, w := range weights {
		if r < w {
			return candidates[i]
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}
