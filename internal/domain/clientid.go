package domain

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultStrategy names orders submitted without a strategy.
const DefaultStrategy = "manual"

// ClientOrderID is the parsed form of strategy-timestamp-sequence-random.
type ClientOrderID struct {
	Strategy  string
	Timestamp time.Time // millisecond precision
	Sequence  uint64
	Random    string
}

func (c ClientOrderID) String() string {
	return fmt.Sprintf("%s-%d-%d-%s", c.Strategy, c.Timestamp.UnixMilli(), c.Sequence, c.Random)
}

// ClientIDGenerator issues client order ids. The random suffix comes from
// a v4 uuid so ids stay unique across processes sharing a strategy name
// and clock tick.
type ClientIDGenerator struct {
	seq atomic.Uint64
}

// Next returns a fresh id for strategy at now.
func (g *ClientIDGenerator) Next(strategy string, now time.Time) string {
	if strategy == "" {
		strategy = DefaultStrategy
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return ClientOrderID{
		Strategy:  strategy,
		Timestamp: now,
		Sequence:  g.seq.Add(1),
		Random:    random,
	}.String()
}

var defaultIDs ClientIDGenerator

// NewClientOrderID issues an id from the process-wide generator.
func NewClientOrderID(strategy string, now time.Time) string {
	return defaultIDs.Next(strategy, now)
}

// ParseClientOrderID splits an id from the right so that strategy names
// may themselves contain hyphens.
func ParseClientOrderID(id string) (ClientOrderID, error) {
	parts := strings.Split(id, "-")
	if len(parts) < 4 {
		return ClientOrderID{}, fmt.Errorf("client order id %q: want strategy-timestamp-sequence-random", id)
	}
	n := len(parts)
	strategy := strings.Join(parts[:n-3], "-")
	if strategy == "" {
		return ClientOrderID{}, fmt.Errorf("client order id %q: empty strategy", id)
	}
	ms, err := strconv.ParseInt(parts[n-3], 10, 64)
	if err != nil {
		return ClientOrderID{}, fmt.Errorf("client order id %q: timestamp: %w", id, err)
	}
	seq, err := strconv.ParseUint(parts[n-2], 10, 64)
	if err != nil {
		return ClientOrderID{}, fmt.Errorf("client order id %q: sequence: %w", id, err)
	}
	if parts[n-1] == "" {
		return ClientOrderID{}, fmt.Errorf("client order id %q: empty random suffix", id)
	}
	return ClientOrderID{
		Strategy:  strategy,
		Timestamp: time.UnixMilli(ms),
		Sequence:  seq,
		Random:    parts[n-1],
	}, nil
}
