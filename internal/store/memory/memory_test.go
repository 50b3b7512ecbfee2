package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

func TestOrderStorePendingWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewOrderStore(time.Hour)
	s.SetClock(func() time.Time { return now })

	s.Put(domain.LocalOrder{ClientOrderID: "open", Status: domain.OrderStatusAccepted, CreatedAt: now.Add(-3 * time.Hour)})
	s.Put(domain.LocalOrder{ClientOrderID: "recent", Status: domain.OrderStatusFilled, CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-time.Minute)})
	s.Put(domain.LocalOrder{ClientOrderID: "old", Status: domain.OrderStatusCanceled, CreatedAt: now.Add(-4 * time.Hour), UpdatedAt: now.Add(-2 * time.Hour)})

	pending, err := s.ListPending(t.Context())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "open", pending[0].ClientOrderID)
	assert.Equal(t, "recent", pending[1].ClientOrderID)
	assert.Equal(t, 2, s.Len(), "expired terminal order evicted")
}

func TestOrderStorePrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewOrderStore(time.Hour)
	s.SetClock(func() time.Time { return now })

	s.Put(domain.LocalOrder{ClientOrderID: "open", Status: domain.OrderStatusAccepted, CreatedAt: now.Add(-5 * time.Hour)})
	s.Put(domain.LocalOrder{ClientOrderID: "filled", Status: domain.OrderStatusFilled, CreatedAt: now.Add(-3 * time.Hour)})
	s.Put(domain.LocalOrder{ClientOrderID: "fresh", Status: domain.OrderStatusCanceled, CreatedAt: now.Add(-time.Minute)})

	assert.Equal(t, 1, s.Prune())
	assert.Equal(t, 2, s.Len())
	_, err := s.Get(t.Context(), "filled")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	now = now.Add(time.Hour)
	assert.Equal(t, 1, s.Prune())
	_, err = s.Get(t.Context(), "open")
	assert.NoError(t, err, "open orders are kept however old")
}

func TestOrderStoreApplyFillAndUpdate(t *testing.T) {
	ctx := t.Context()
	now := time.Unix(1_700_000_000, 0)
	s := NewOrderStore(0)
	s.SetClock(func() time.Time { return now })

	id := domain.NewClientOrderID("mm", now)
	require.NoError(t, s.ApplyOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID: id, Venue: domain.VenueOKX, Symbol: "BTC-USDT", Side: domain.OrderSideBuy,
		Status: domain.OrderStatusAccepted, Quantity: 2,
	}))
	o, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "mm", o.Strategy)
	assert.Equal(t, now, o.CreatedAt)

	require.NoError(t, s.ApplyFill(ctx, id, 1, 100, now))
	require.NoError(t, s.ApplyFill(ctx, id, 1, 102, now))
	o, _ = s.Get(ctx, id)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.Equal(t, 2.0, o.FilledQty)
	assert.Equal(t, 101.0, o.AvgPrice)

	// Venue state overwrites local state, even backwards.
	require.NoError(t, s.ApplyOrderUpdate(ctx, domain.OrderUpdate{
		ClientOrderID: id, Status: domain.OrderStatusPartiallyFilled, FilledQty: 0.5, AvgPrice: 100,
	}))
	o, _ = s.Get(ctx, id)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
	assert.Equal(t, 0.5, o.FilledQty)
	assert.Equal(t, domain.VenueOKX, o.Venue, "identity fields kept")

	assert.ErrorIs(t, s.ApplyFill(ctx, "missing", 1, 1, now), domain.ErrOrderNotFound)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	assert.ErrorIs(t, s.ApplyOrderUpdate(ctx, domain.OrderUpdate{}), domain.ErrInvalidOrder)
}

func TestAuditStore(t *testing.T) {
	ctx := t.Context()
	s := NewAuditStore(3)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Log(ctx, domain.ReconciliationEvent{Cycle: uint64(i), Timestamp: base.Add(time.Duration(i) * time.Second)}))
	}

	all, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(2), all[0].Cycle)

	since := base.Add(3 * time.Second)
	got, err := s.List(ctx, domain.ListOpts{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].Cycle)

	got, err = s.List(ctx, domain.ListOpts{Offset: 2})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(4), got[0].Cycle)
}
