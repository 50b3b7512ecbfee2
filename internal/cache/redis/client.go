// Package redis backs the BBO cache, event bus, reconcile lock and shared
// venue rate limits with go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config holds connection parameters.
type Config struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// KeyPrefix namespaces every key so several deployments can share a
	// server.
	KeyPrefix string
}

// Client wraps a go-redis client with a key namespace.
type Client struct {
	rdb    redis.UniversalClient
	prefix string
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Client{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

// NewFromUniversal wraps an existing client.
func NewFromUniversal(rdb redis.UniversalClient, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix}
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.rdb.Close() }

// Underlying returns the raw driver client.
func (c *Client) Underlying() redis.UniversalClient { return c.rdb }

// Key applies the namespace prefix.
func (c *Client) Key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}
