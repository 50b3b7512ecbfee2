package handler

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/book"
	"github.com/alanyoungcy/venuerouter/internal/coordinator"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/latency"
	"github.com/alanyoungcy/venuerouter/internal/position"
	"github.com/alanyoungcy/venuerouter/internal/resilience"
)

// MarketView is the read side of the coordinator.
type MarketView interface {
	Adapters() []domain.VenueAdapter
	LatencyStats(v domain.Venue) (latency.Stats, bool)
	Strategy() coordinator.Strategy
	Symbols() []string
	Book(symbol string) *book.AggregatedOrderBook
	AggregatedBBO(symbol string) book.AggregatedBBO
	VenueQuotes(symbol string) []book.VenueBBO
	Positions() *position.Aggregator
}

// MarketHandler serves venues, books and positions.
type MarketHandler struct {
	view   MarketView
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(view MarketView, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{view: view, logger: logger}
}

type venueView struct {
	Venue     domain.Venue      `json:"venue"`
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Connected bool              `json:"connected"`
	Latency   *latency.Stats    `json:"latency,omitempty"`
	Calls     *resilience.Stats `json:"calls,omitempty"`
}

// ListVenues returns every registered venue with connection, latency and
// breaker state.
// GET /api/venues
func (h *MarketHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	adapters := h.view.Adapters()
	out := make([]venueView, 0, len(adapters))
	for _, a := range adapters {
		v := venueView{
			Venue:     a.Venue(),
			Name:      a.Name(),
			Version:   a.Version(),
			Connected: a.IsConnected(),
		}
		if st, ok := h.view.LatencyStats(a.Venue()); ok {
			v.Latency = &st
		}
		if ra, ok := a.(*resilience.Adapter); ok {
			st := ra.Stats()
			v.Calls = &st
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy": h.view.Strategy(),
		"venues":   out,
	})
}

// ListSymbols returns the symbols with an aggregated book.
// GET /api/books
func (h *MarketHandler) ListSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"symbols": h.view.Symbols()})
}

// GetBBO returns the cross-venue best bid/offer and each venue's quote.
// GET /api/books/{symbol}
func (h *MarketHandler) GetBBO(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bbo":    h.view.AggregatedBBO(symbol).Snapshot(),
		"venues": h.view.VenueQuotes(symbol),
	})
}

// GetDepth returns aggregated price levels across fresh venues.
// GET /api/books/{symbol}/depth?depth=10
func (h *MarketHandler) GetDepth(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	b := h.view.Book(symbol)
	depth := intQuery(r, "depth", 10, 100)
	stale := []domain.Venue{}
	for _, v := range b.Venues() {
		if b.IsStale(v) {
			stale = append(stale, v)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    symbol,
		"bids":      b.AggregatedBids(depth),
		"asks":      b.AggregatedAsks(depth),
		"stale":     stale,
		"timestamp": time.Now().UTC(),
	})
}

// symbol resolves the path symbol, answering 404 for symbols without a
// book. Book creates on first use, so membership is checked first.
func (h *MarketHandler) symbol(w http.ResponseWriter, r *http.Request) (string, bool) {
	symbol := domain.CanonicalSymbol(pathParam(r, "symbol"))
	if !slices.Contains(h.view.Symbols(), symbol) {
		writeError(w, http.StatusNotFound, "no book for "+symbol)
		return "", false
	}
	return symbol, true
}

// ListPositions returns the net position per symbol and total PnL.
// GET /api/positions
func (h *MarketHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	agg := h.view.Positions()
	realized, unrealized := agg.TotalPnL()
	writeJSON(w, http.StatusOK, map[string]any{
		"positions":      agg.All(),
		"realized_pnl":   realized,
		"unrealized_pnl": unrealized,
	})
}
