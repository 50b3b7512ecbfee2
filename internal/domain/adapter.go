package domain

import (
	"context"
	"time"
)

// VenueAdapter is the capability every venue integration provides. Wire
// protocols, signing and transport live behind it; the routing core only
// depends on this interface.
//
// Every method blocks until the venue answers or ctx is done. Callers that
// want several venues in flight at once run calls on separate goroutines.
type VenueAdapter interface {
	Venue() Venue
	Name() string
	Version() string

	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	PlaceOrder(ctx context.Context, req OrderRequest) (ExecutionReport, error)
	CancelOrder(ctx context.Context, req CancelRequest) (ExecutionReport, error)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (ExecutionReport, error)
	// GetOpenOrders lists open orders; an empty symbol means all symbols.
	GetOpenOrders(ctx context.Context, symbol string) ([]ExecutionReport, error)
	QueryOrders(ctx context.Context, symbol string, from, to time.Time) ([]ExecutionReport, error)

	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	GetRecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)
	GetAccountBalance(ctx context.Context, asset string) (Balance, error)
}
