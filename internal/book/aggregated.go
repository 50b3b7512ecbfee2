// Package book merges per-venue order books for one symbol into a
// cross-venue view.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/shopspring/decimal"
)

// priceScale is the number of decimals used to bucket prices across venues.
const priceScale = 8

// VenueBBO is one venue's top of book.
type VenueBBO struct {
	Venue     domain.Venue `json:"venue"`
	BidPrice  float64      `json:"bid_price"`
	BidQty    float64      `json:"bid_qty"`
	AskPrice  float64      `json:"ask_price"`
	AskQty    float64      `json:"ask_qty"`
	UpdatedAt time.Time    `json:"updated_at"`
	Stale     bool         `json:"stale"`
}

// HasBid reports whether the bid side can contribute to best-price
// selection.
func (b VenueBBO) HasBid() bool { return b.BidPrice > 0 && b.BidQty > 0 }

// HasAsk reports whether the ask side can contribute to best-price
// selection.
func (b VenueBBO) HasAsk() bool { return b.AskPrice > 0 && b.AskQty > 0 }

// VenueBook is one venue's ladder plus its BBO.
type VenueBook struct {
	Venue     domain.Venue
	Bids      []domain.PriceLevel
	Asks      []domain.PriceLevel
	BBO       VenueBBO
	UpdatedAt time.Time
	Stale     bool
}

// AggregatedBBO is the best bid and offer across non-stale venues.
type AggregatedBBO struct {
	Symbol       string       `json:"symbol"`
	BestBidPrice float64      `json:"best_bid_price"`
	BestBidQty   float64      `json:"best_bid_qty"`
	BestBidVenue domain.Venue `json:"best_bid_venue,omitempty"`
	BestAskPrice float64      `json:"best_ask_price"`
	BestAskQty   float64      `json:"best_ask_qty"`
	BestAskVenue domain.Venue `json:"best_ask_venue,omitempty"`
	Spread       float64      `json:"spread"`
	Mid          float64      `json:"mid"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Snapshot converts the view into the cacheable domain form.
func (a AggregatedBBO) Snapshot() domain.BBOSnapshot {
	return domain.BBOSnapshot{
		Symbol:       a.Symbol,
		BestBidPrice: a.BestBidPrice,
		BestBidQty:   a.BestBidQty,
		BestBidVenue: a.BestBidVenue,
		BestAskPrice: a.BestAskPrice,
		BestAskQty:   a.BestAskQty,
		BestAskVenue: a.BestAskVenue,
		Spread:       a.Spread,
		Mid:          a.Mid,
		Timestamp:    a.Timestamp,
	}
}

// AggregatedLevel is the total quantity resting at one price across venues.
type AggregatedLevel struct {
	Price    float64                  `json:"price"`
	Quantity float64                  `json:"quantity"`
	Venues   map[domain.Venue]float64 `json:"venues"`
}

// AggregatedOrderBook holds every venue's book for one symbol. All access
// goes through a single mutex.
type AggregatedOrderBook struct {
	symbol string
	maxAge time.Duration

	mu     sync.Mutex
	venues map[domain.Venue]*VenueBook
	latest time.Time
}

// New creates an empty book. Venues older than maxAge are flipped stale by
// CheckStaleness.
func New(symbol string, maxAge time.Duration) *AggregatedOrderBook {
	return &AggregatedOrderBook{
		symbol: symbol,
		maxAge: maxAge,
		venues: make(map[domain.Venue]*VenueBook),
	}
}

// Symbol returns the book's symbol.
func (b *AggregatedOrderBook) Symbol() string { return b.symbol }

// UpdateVenue replaces a venue's ladder and BBO wholesale.
func (b *AggregatedOrderBook) UpdateVenue(venue domain.Venue, ob domain.OrderBook, ts time.Time) {
	bids := cleanLevels(ob.Bids, true)
	asks := cleanLevels(ob.Asks, false)

	bbo := VenueBBO{Venue: venue, UpdatedAt: ts}
	if len(bids) > 0 {
		bbo.BidPrice, bbo.BidQty = bids[0].Price, bids[0].Quantity
	}
	if len(asks) > 0 {
		bbo.AskPrice, bbo.AskQty = asks[0].Price, asks[0].Quantity
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.venues[venue] = &VenueBook{
		Venue:     venue,
		Bids:      bids,
		Asks:      asks,
		BBO:       bbo,
		UpdatedAt: ts,
	}
	b.touch(ts)
}

// UpdateVenueBBO replaces a venue's book with a top-of-book quote, for feeds
// that do not publish depth. The ladder becomes the single BBO level on each
// side so depth and BBO reads agree.
func (b *AggregatedOrderBook) UpdateVenueBBO(venue domain.Venue, bidPrice, bidQty, askPrice, askQty float64, ts time.Time) {
	bids := cleanLevels([]domain.PriceLevel{{Price: bidPrice, Quantity: bidQty}}, true)
	asks := cleanLevels([]domain.PriceLevel{{Price: askPrice, Quantity: askQty}}, false)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.venues[venue] = &VenueBook{
		Venue: venue,
		Bids:  bids,
		Asks:  asks,
		BBO: VenueBBO{
			Venue:     venue,
			BidPrice:  bidPrice,
			BidQty:    bidQty,
			AskPrice:  askPrice,
			AskQty:    askQty,
			UpdatedAt: ts,
		},
		UpdatedAt: ts,
	}
	b.touch(ts)
}

func (b *AggregatedOrderBook) touch(ts time.Time) {
	if ts.After(b.latest) {
		b.latest = ts
	}
}

// cleanLevels copies levels, drops non-positive entries, and sorts best
// first.
func cleanLevels(levels []domain.PriceLevel, bids bool) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Price > 0 && l.Quantity > 0 {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if bids {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

// AggregatedBBO scans non-stale venues for the best bid and ask. When no
// venue qualifies on a side, that side's price is zero.
func (b *AggregatedOrderBook) AggregatedBBO() AggregatedBBO {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := AggregatedBBO{Symbol: b.symbol, Timestamp: b.latest}
	for _, vb := range b.venues {
		if vb.Stale {
			continue
		}
		q := vb.BBO
		if q.HasBid() && betterQuote(q.BidPrice, q.BidQty, q.Venue, out.BestBidPrice, out.BestBidQty, out.BestBidVenue, true) {
			out.BestBidPrice, out.BestBidQty, out.BestBidVenue = q.BidPrice, q.BidQty, q.Venue
		}
		if q.HasAsk() && betterQuote(q.AskPrice, q.AskQty, q.Venue, out.BestAskPrice, out.BestAskQty, out.BestAskVenue, false) {
			out.BestAskPrice, out.BestAskQty, out.BestAskVenue = q.AskPrice, q.AskQty, q.Venue
		}
	}
	if out.BestBidPrice > 0 && out.BestAskPrice > 0 {
		out.Spread = out.BestAskPrice - out.BestBidPrice
		out.Mid = (out.BestAskPrice + out.BestBidPrice) / 2
	}
	return out
}

// betterQuote orders by price, then larger size, then venue name, so the
// result does not depend on map iteration.
func betterQuote(px, qty float64, v domain.Venue, bestPx, bestQty float64, bestV domain.Venue, bid bool) bool {
	if bestPx == 0 {
		return true
	}
	if px != bestPx {
		if bid {
			return px > bestPx
		}
		return px < bestPx
	}
	if qty != bestQty {
		return qty > bestQty
	}
	return v < bestV
}

// AggregatedBids merges bid levels across non-stale venues, best first. A
// depth of zero or less returns every level.
func (b *AggregatedOrderBook) AggregatedBids(depth int) []AggregatedLevel {
	return b.aggregate(depth, true)
}

// AggregatedAsks merges ask levels across non-stale venues, best first.
func (b *AggregatedOrderBook) AggregatedAsks(depth int) []AggregatedLevel {
	return b.aggregate(depth, false)
}

type bucket struct {
	price decimal.Decimal
	level AggregatedLevel
}

func (b *AggregatedOrderBook) aggregate(depth int, bids bool) []AggregatedLevel {
	b.mu.Lock()
	defer b.mu.Unlock()

	buckets := make(map[string]*bucket)
	for _, vb := range b.venues {
		if vb.Stale {
			continue
		}
		levels := vb.Asks
		if bids {
			levels = vb.Bids
		}
		for _, l := range levels {
			if l.Quantity <= 0 {
				continue
			}
			px := decimal.NewFromFloat(l.Price).Round(priceScale)
			key := px.String()
			bk, ok := buckets[key]
			if !ok {
				bk = &bucket{
					price: px,
					level: AggregatedLevel{Price: px.InexactFloat64(), Venues: make(map[domain.Venue]float64)},
				}
				buckets[key] = bk
			}
			bk.level.Quantity += l.Quantity
			bk.level.Venues[vb.Venue] += l.Quantity
		}
	}

	sorted := make([]*bucket, 0, len(buckets))
	for _, bk := range buckets {
		sorted = append(sorted, bk)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if bids {
			return sorted[i].price.GreaterThan(sorted[j].price)
		}
		return sorted[i].price.LessThan(sorted[j].price)
	})
	if depth > 0 && len(sorted) > depth {
		sorted = sorted[:depth]
	}
	out := make([]AggregatedLevel, len(sorted))
	for i, bk := range sorted {
		out[i] = bk.level
	}
	return out
}

// CheckStaleness flips venues whose last update is older than maxAge and
// returns the ones that became stale on this sweep.
func (b *AggregatedOrderBook) CheckStaleness(now time.Time) []domain.Venue {
	if b.maxAge <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var flipped []domain.Venue
	for v, vb := range b.venues {
		if !vb.Stale && now.Sub(vb.UpdatedAt) > b.maxAge {
			next := *vb
			next.Stale = true
			next.BBO.Stale = true
			b.venues[v] = &next
			flipped = append(flipped, v)
		}
	}
	sort.Slice(flipped, func(i, j int) bool { return flipped[i] < flipped[j] })
	return flipped
}

// MarkStale excludes a venue from aggregation until its next update.
func (b *AggregatedOrderBook) MarkStale(venue domain.Venue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if vb, ok := b.venues[venue]; ok {
		next := *vb
		next.Stale = true
		next.BBO.Stale = true
		b.venues[venue] = &next
	}
}

// RemoveVenue forgets a venue entirely.
func (b *AggregatedOrderBook) RemoveVenue(venue domain.Venue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.venues, venue)
}

// IsStale reports whether the venue is stale or unknown.
func (b *AggregatedOrderBook) IsStale(venue domain.Venue) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	vb, ok := b.venues[venue]
	return !ok || vb.Stale
}

// VenueBBO returns one venue's top of book, stale or not.
func (b *AggregatedOrderBook) VenueBBO(venue domain.Venue) (VenueBBO, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	vb, ok := b.venues[venue]
	if !ok {
		return VenueBBO{}, false
	}
	bbo := vb.BBO
	bbo.Stale = vb.Stale
	return bbo, true
}

// VenueQuotes returns the BBO of every non-stale venue, sorted by venue.
func (b *AggregatedOrderBook) VenueQuotes() []VenueBBO {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]VenueBBO, 0, len(b.venues))
	for _, vb := range b.venues {
		if !vb.Stale {
			out = append(out, vb.BBO)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Venues lists every venue with book state, stale or not.
func (b *AggregatedOrderBook) Venues() []domain.Venue {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Venue, 0, len(b.venues))
	for v := range b.venues {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
