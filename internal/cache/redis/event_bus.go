package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// streamMaxLen caps each stream via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

var _ domain.EventBus = (*EventBus)(nil)

// EventBus implements domain.EventBus: pub/sub for live fan-out, streams
// for consumers that must not miss entries.
type EventBus struct {
	c *Client
}

// NewEventBus creates an EventBus.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{c: c}
}

// Publish sends payload on channel.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.c.rdb.Publish(ctx, b.c.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (b *EventBus) PublishJSON(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: marshal for %s: %w", channel, err)
	}
	return b.Publish(ctx, channel, data)
}

// Subscribe returns payloads published on channel until ctx is done, at
// which point the returned channel closes. Channels containing glob
// characters subscribe by pattern.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	key := b.c.Key(channel)
	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = b.c.rdb.PSubscribe(ctx, key)
	} else {
		ps = b.c.rdb.Subscribe(ctx, key)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StreamAppend appends payload to stream.
func (b *EventBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := b.c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.c.Key(stream),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" reads from the
// start). An empty stream yields no entries and no error.
func (b *EventBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	res, err := b.c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{b.c.Key(stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var out []domain.StreamMessage
	for _, s := range res {
		for _, msg := range s.Messages {
			var data []byte
			switch v := msg.Values["payload"].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			out = append(out, domain.StreamMessage{ID: msg.ID, Payload: data})
		}
	}
	return out, nil
}
