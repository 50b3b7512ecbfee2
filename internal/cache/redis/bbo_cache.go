package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

var _ domain.BookCache = (*BBOCache)(nil)

// BBOCache implements domain.BookCache. Each symbol is one hash under
// bbo:{symbol} that expires after ttl so readers never see a book from a
// stopped router.
type BBOCache struct {
	c   *Client
	ttl time.Duration
}

// NewBBOCache creates a BBOCache. A non-positive ttl defaults to 10s.
func NewBBOCache(c *Client, ttl time.Duration) *BBOCache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &BBOCache{c: c, ttl: ttl}
}

func (bc *BBOCache) key(symbol string) string { return bc.c.Key("bbo:" + symbol) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// SetBBO replaces the snapshot for snap.Symbol.
func (bc *BBOCache) SetBBO(ctx context.Context, snap domain.BBOSnapshot) error {
	key := bc.key(snap.Symbol)
	pipe := bc.c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"bid", ftoa(snap.BestBidPrice),
		"bid_qty", ftoa(snap.BestBidQty),
		"bid_venue", string(snap.BestBidVenue),
		"ask", ftoa(snap.BestAskPrice),
		"ask_qty", ftoa(snap.BestAskQty),
		"ask_venue", string(snap.BestAskVenue),
		"spread", ftoa(snap.Spread),
		"mid", ftoa(snap.Mid),
		"ts", strconv.FormatInt(snap.Timestamp.UnixMilli(), 10),
	)
	pipe.Expire(ctx, key, bc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set bbo %s: %w", snap.Symbol, err)
	}
	return nil
}

// GetBBO returns the cached snapshot or domain.ErrNotFound.
func (bc *BBOCache) GetBBO(ctx context.Context, symbol string) (domain.BBOSnapshot, error) {
	vals, err := bc.c.rdb.HGetAll(ctx, bc.key(symbol)).Result()
	if err != nil && err != redis.Nil {
		return domain.BBOSnapshot{}, fmt.Errorf("redis: get bbo %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return domain.BBOSnapshot{}, fmt.Errorf("redis: get bbo %s: %w", symbol, domain.ErrNotFound)
	}

	snap := domain.BBOSnapshot{
		Symbol:       symbol,
		BestBidVenue: domain.Venue(vals["bid_venue"]),
		BestAskVenue: domain.Venue(vals["ask_venue"]),
	}
	for field, dst := range map[string]*float64{
		"bid": &snap.BestBidPrice, "bid_qty": &snap.BestBidQty,
		"ask": &snap.BestAskPrice, "ask_qty": &snap.BestAskQty,
		"spread": &snap.Spread, "mid": &snap.Mid,
	} {
		if s, ok := vals[field]; ok && s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return domain.BBOSnapshot{}, fmt.Errorf("redis: get bbo %s: parse %s: %w", symbol, field, err)
			}
			*dst = f
		}
	}
	if ms, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
		snap.Timestamp = time.UnixMilli(ms)
	}
	return snap, nil
}
