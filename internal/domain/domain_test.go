package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientOrderIDRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_760_000_000_123)

	testCases := []struct {
		desc     string
		strategy string
		want     string
	}{
		{"plain", "twap", "twap"},
		{"hyphenated strategy", "mean-rev-2", "mean-rev-2"},
		{"empty strategy", "", DefaultStrategy},
	}

	var gen ClientIDGenerator
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			id := gen.Next(tc.strategy, now)
			parsed, err := ParseClientOrderID(id)
			require.NoError(t, err)
			assert.Equal(t, tc.want, parsed.Strategy)
			assert.Equal(t, now.UnixMilli(), parsed.Timestamp.UnixMilli())
			assert.Len(t, parsed.Random, 8)
			assert.Equal(t, id, parsed.String())
		})
	}
}

func TestClientOrderIDUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewClientOrderID("s", now)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestParseClientOrderIDInvalid(t *testing.T) {
	for _, id := range []string{"", "a-b", "s-notanumber-1-abc", "s-1-x-abc", "s-1-2-", "-1-2-abc"} {
		_, err := ParseClientOrderID(id)
		assert.Error(t, err, id)
	}
}

func TestVenueFormatSymbol(t *testing.T) {
	testCases := []struct {
		venue  Venue
		symbol string
		want   string
	}{
		{VenueBinance, "BTC-USDT", "BTCUSDT"},
		{VenueBinance, "eth/usdc", "ETHUSDC"},
		{VenueOKX, "BTCUSDT", "BTC-USDT"},
		{VenueCoinbase, "BTC/USD", "BTC-USD"},
		{VenueKraken, "BTC-USDT", "BTC/USDT"},
		{VenueBybit, "SOL_USDT", "SOLUSDT"},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s %s", tc.venue, tc.symbol), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.venue.FormatSymbol(tc.symbol))
		})
	}

	assert.Equal(t, "BTC-USDT", CanonicalSymbol("btcusdt"))
	assert.Equal(t, "FOO", CanonicalSymbol("foo"))
}

func TestParseVenue(t *testing.T) {
	v, err := ParseVenue(" Binance ")
	require.NoError(t, err)
	assert.Equal(t, VenueBinance, v)

	_, err = ParseVenue("nasdaq")
	assert.Error(t, err)
}

func TestOrderStatusTransitions(t *testing.T) {
	assert.True(t, OrderStatusNew.CanTransitionTo(OrderStatusAccepted))
	assert.True(t, OrderStatusAccepted.CanTransitionTo(OrderStatusPartiallyFilled))
	assert.True(t, OrderStatusPartiallyFilled.CanTransitionTo(OrderStatusPartiallyFilled))
	assert.True(t, OrderStatusPartiallyFilled.CanTransitionTo(OrderStatusFilled))
	assert.True(t, OrderStatusNew.CanTransitionTo(OrderStatusRejected))
	assert.False(t, OrderStatusAccepted.CanTransitionTo(OrderStatusNew))

	for _, terminal := range []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired} {
		assert.True(t, terminal.IsTerminal())
		assert.False(t, terminal.IsOpen())
		for _, next := range []OrderStatus{OrderStatusNew, OrderStatusAccepted, OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled} {
			assert.False(t, terminal.CanTransitionTo(next), "%s -> %s", terminal, next)
		}
	}
}

func TestOrderRequestValidate(t *testing.T) {
	ok := OrderRequest{Symbol: "BTC-USDT", Side: OrderSideBuy, Type: OrderTypeLimit, Quantity: 1, Price: 100}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Quantity = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOrder)

	bad = ok
	bad.Price = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOrder)
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		desc string
		err  error
		want ErrorClass
	}{
		{"deadline", context.DeadlineExceeded, ClassTimeout},
		{"wrapped timeout", fmt.Errorf("call: %w", ErrTimeout), ClassTimeout},
		{"rate limit", RateLimitError(VenueOKX, "place_order", time.Second), ClassRateLimit},
		{"rejection", fmt.Errorf("x: %w", ErrRejected), ClassRejection},
		{"not found", ErrOrderNotFound, ClassNotFound},
		{"circuit", ErrCircuitOpen, ClassCircuitOpen},
		{"network", ErrNetwork, ClassNetwork},
		{"explicit class", NewVenueError(VenueBinance, "get_order", ClassNetwork, errors.New("boom")), ClassNetwork},
		{"unknown", errors.New("boom"), ClassUnknown},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}

	d, ok := RetryAfterHint(fmt.Errorf("wrap: %w", RateLimitError(VenueOKX, "x", 2*time.Second)))
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	ve := NewVenueError(VenueKraken, "cancel_order", "", ErrOrderNotFound)
	assert.Equal(t, ClassNotFound, ve.Class)
	assert.ErrorIs(t, ve, ErrOrderNotFound)
	assert.Contains(t, ve.Error(), "kraken")
	assert.Contains(t, ve.Error(), "cancel_order")
}
