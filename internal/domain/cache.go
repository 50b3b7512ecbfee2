package domain

import (
	"context"
	"time"
)

// BBOSnapshot is the cached cross-venue top of book for one symbol.
type BBOSnapshot struct {
	Symbol       string    `json:"symbol"`
	BestBidPrice float64   `json:"best_bid_price"`
	BestBidQty   float64   `json:"best_bid_qty"`
	BestBidVenue Venue     `json:"best_bid_venue,omitempty"`
	BestAskPrice float64   `json:"best_ask_price"`
	BestAskQty   float64   `json:"best_ask_qty"`
	BestAskVenue Venue     `json:"best_ask_venue,omitempty"`
	Spread       float64   `json:"spread"`
	Mid          float64   `json:"mid"`
	Timestamp    time.Time `json:"timestamp"`
}

// BookCache stores the latest aggregated BBO per symbol for other processes.
type BookCache interface {
	SetBBO(ctx context.Context, snap BBOSnapshot) error
	GetBBO(ctx context.Context, symbol string) (BBOSnapshot, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus provides pub/sub and durable streams.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channel and stream names.
const (
	ChannelExecutions     = "ch:executions"
	ChannelVenueStatus    = "ch:venue_status"
	ChannelReconciliation = "ch:reconciliation"
	ChannelBBOPrefix      = "ch:bbo:"
	StreamReconciliation  = "stream:reconciliation"
	StreamExecutions      = "stream:executions"
)
