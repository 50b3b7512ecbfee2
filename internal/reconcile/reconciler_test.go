package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/metrics"
	"github.com/alanyoungcy/venuerouter/internal/store/memory"
	"github.com/alanyoungcy/venuerouter/internal/venue/paper"
)

type venueList []domain.VenueAdapter

func (l venueList) Adapters() []domain.VenueAdapter { return l }

type fixture struct {
	rec   *Reconciler
	store *memory.OrderStore
	ex    *paper.Exchange
	clock time.Time

	mu      sync.Mutex
	events  []domain.ReconciliationEvent
	freezes []bool
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{clock: time.Unix(1_700_000_000, 0)}
	now := func() time.Time { return f.clock }

	f.ex = paper.New(paper.Config{Venue: domain.VenueBinance})
	f.ex.SetClock(now)
	require.NoError(t, f.ex.Connect(t.Context()))

	f.store = memory.NewOrderStore(time.Hour)
	f.store.SetClock(now)

	f.rec = New(venueList{f.ex}, f.store, cfg, nil, nil)
	f.rec.SetClock(now)
	f.rec.OnEvent(func(ev domain.ReconciliationEvent) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev)
	})
	f.rec.OnFreeze(func(frozen bool, _ string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.freezes = append(f.freezes, frozen)
	})
	return f
}

func (f *fixture) eventsOf(typ domain.ReconciliationEventType) []domain.ReconciliationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ReconciliationEvent
	for _, ev := range f.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// diverge seeds one order that disagrees between local and venue state.
func (f *fixture) diverge(id string) {
	f.store.Put(domain.LocalOrder{
		ClientOrderID: id, Venue: domain.VenueBinance, Symbol: "BTC-USDT", Side: domain.OrderSideBuy,
		Status: domain.OrderStatusFilled, Quantity: 1, FilledQty: 1, AvgPrice: 100, UpdatedAt: f.clock,
	})
	f.ex.InjectOrder(domain.ExecutionReport{
		ClientOrderID: id, Symbol: "BTC-USDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
		Status: domain.OrderStatusPartiallyFilled, Quantity: 1, Price: 100, FilledQty: 0.5, AvgPrice: 100,
	})
}

func TestReconcileFilledVersusPartiallyFilled(t *testing.T) {
	f := newFixture(t, Config{})
	f.diverge("o1")

	res, err := f.rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	m := res.Mismatches[0]
	assert.Equal(t, domain.MismatchDiverged, m.Kind)
	assert.Equal(t, "o1", m.ClientOrderID)
	fields := make(map[string]domain.FieldDiff)
	for _, d := range m.Fields {
		fields[d.Field] = d
	}
	assert.Equal(t, "filled", fields["status"].Local)
	assert.Equal(t, "partially_filled", fields["status"].Venue)
	assert.Equal(t, "0.5", fields["filled_qty"].Venue)
	assert.Equal(t, 1, res.Corrected)

	o, err := f.store.Get(t.Context(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
	assert.Equal(t, 0.5, o.FilledQty)

	// Once corrected, the next cycle is clean.
	res, err = f.rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	assert.Empty(t, res.Mismatches)
	assert.Equal(t, 0, f.rec.ConsecutiveMismatchCycles())
}

func TestReconcileBooksMissedFill(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.Put(domain.LocalOrder{
		ClientOrderID: "o1", Venue: domain.VenueBinance, Symbol: "BTC-USDT", Side: domain.OrderSideBuy,
		Status: domain.OrderStatusPartiallyFilled, Quantity: 4, FilledQty: 1, AvgPrice: 100,
	})
	f.ex.InjectOrder(domain.ExecutionReport{
		ClientOrderID: "o1", Symbol: "BTC-USDT", Side: domain.OrderSideBuy,
		Status: domain.OrderStatusPartiallyFilled, Quantity: 4, FilledQty: 3, AvgPrice: 102,
	})

	_, err := f.rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	o, err := f.store.Get(t.Context(), "o1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, o.FilledQty)
	assert.InDelta(t, 102.0, o.AvgPrice, 1e-9)
	assert.Len(t, f.eventsOf(domain.EventOrderCorrected), 1)
}

func TestReconcileOrphans(t *testing.T) {
	f := newFixture(t, Config{CancelOrphans: true})
	f.ex.InjectOrder(domain.ExecutionReport{
		ClientOrderID: "ghost", Symbol: "ETH-USDT", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit,
		Status: domain.OrderStatusAccepted, Quantity: 2, Price: 3000,
	})
	// Locally-only orders are left alone.
	f.store.Put(domain.LocalOrder{ClientOrderID: "local-only", Venue: domain.VenueBinance, Status: domain.OrderStatusAccepted, Quantity: 1})

	res, err := f.rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, domain.MismatchOrphaned, res.Mismatches[0].Kind)
	assert.Equal(t, 1, res.Orphans)
	assert.Equal(t, 1, res.OrphansCancelled)
	assert.Equal(t, 1, f.ex.Calls("cancel_order"))

	o, err := f.store.Get(t.Context(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, o.Status)
	assert.Equal(t, domain.VenueBinance, o.Venue)

	lo, err := f.store.Get(t.Context(), "local-only")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, lo.Status)

	assert.Len(t, f.eventsOf(domain.EventOrphan), 1)
	assert.Len(t, f.eventsOf(domain.EventOrphanCancelled), 1)
}

// cancelRejectingStore fails every update that records a cancellation.
type cancelRejectingStore struct {
	*memory.OrderStore
}

func (s cancelRejectingStore) ApplyOrderUpdate(ctx context.Context, u domain.OrderUpdate) error {
	if u.Status == domain.OrderStatusCanceled {
		return errors.New("disk full")
	}
	return s.OrderStore.ApplyOrderUpdate(ctx, u)
}

func TestCancelledOrphanStoreFailureIsReported(t *testing.T) {
	f := newFixture(t, Config{CancelOrphans: true})
	m := metrics.New()
	rec := New(venueList{f.ex}, cancelRejectingStore{f.store}, Config{CancelOrphans: true}, m, nil)
	rec.SetClock(func() time.Time { return f.clock })
	var failed []domain.ReconciliationEvent
	rec.OnEvent(func(ev domain.ReconciliationEvent) {
		if ev.Type == domain.EventCorrectionFailed {
			failed = append(failed, ev)
		}
	})

	f.ex.InjectOrder(domain.ExecutionReport{
		ClientOrderID: "ghost", Symbol: "ETH-USDT", Side: domain.OrderSideSell, Type: domain.OrderTypeLimit,
		Status: domain.OrderStatusAccepted, Quantity: 2, Price: 3000,
	})

	res, err := rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.OrphansCancelled)
	assert.Equal(t, 1, res.CorrectionErrors)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Message, "disk full")

	o, err := f.store.Get(t.Context(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, o.Status, "adopted but cancel not recorded")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), `venuerouter_reconciliation_correction_failures_total{venue="binance"} 1`)
}

func TestFreezeAfterConsecutiveMismatchCycles(t *testing.T) {
	f := newFixture(t, Config{MaxMismatchesBeforeFreeze: 3})

	for i := 0; i < 2; i++ {
		f.diverge(fmt.Sprintf("o%d", i))
		_, err := f.rec.ReconcileNow(t.Context())
		require.NoError(t, err)
		assert.False(t, f.rec.IsStrategyFrozen())
	}
	assert.Equal(t, 2, f.rec.ConsecutiveMismatchCycles())

	f.diverge("o2")
	res, err := f.rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	assert.True(t, res.Frozen)
	assert.True(t, f.rec.IsStrategyFrozen())
	assert.NotEmpty(t, f.rec.FreezeReason())
	assert.Equal(t, []bool{true}, f.freezes)
	assert.Len(t, f.eventsOf(domain.EventStrategyFrozen), 1)

	// Frozen stays frozen until an explicit resume, even after clean cycles.
	_, err = f.rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	assert.True(t, f.rec.IsStrategyFrozen())

	assert.True(t, f.rec.ResumeStrategy("operator"))
	assert.False(t, f.rec.IsStrategyFrozen())
	assert.Equal(t, 0, f.rec.ConsecutiveMismatchCycles())
	assert.Equal(t, []bool{true, false}, f.freezes)
	assert.False(t, f.rec.ResumeStrategy("again"))
}

func TestCleanCycleResetsCounter(t *testing.T) {
	f := newFixture(t, Config{MaxMismatchesBeforeFreeze: 3})
	for i := 0; i < 2; i++ {
		f.diverge(fmt.Sprintf("o%d", i))
		_, err := f.rec.ReconcileNow(t.Context())
		require.NoError(t, err)
	}
	_, err := f.rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, f.rec.ConsecutiveMismatchCycles())

	f.diverge("o9")
	_, err = f.rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, f.rec.ConsecutiveMismatchCycles())
	assert.False(t, f.rec.IsStrategyFrozen())
}

func TestVenueQueryFailureDoesNotReset(t *testing.T) {
	f := newFixture(t, Config{})
	f.diverge("o1")
	_, err := f.rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, f.rec.ConsecutiveMismatchCycles())

	f.ex.FailNext("get_open_orders", domain.ErrNetwork, 1)
	res, err := f.rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []domain.Venue{domain.VenueBinance}, res.VenuesFailed)
	assert.Equal(t, 1, f.rec.ConsecutiveMismatchCycles())
	assert.Len(t, f.eventsOf(domain.EventVenueQueryFailed), 1)
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestLockHeldSkipsCycle(t *testing.T) {
	f := newFixture(t, Config{})
	f.rec.SetLockManager(heldLock{})
	f.diverge("o1")

	res, err := f.rec.ReconcileNow(t.Context())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, res.Mismatches)
	assert.Zero(t, f.ex.Calls("get_open_orders"))
	assert.Len(t, f.eventsOf(domain.EventCycleSkipped), 1)
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFixture(t, Config{HistorySize: 4})
	for i := 0; i < 3; i++ {
		_, err := f.rec.ReconcileNow(t.Context())
		require.NoError(t, err)
	}
	h := f.rec.History(0)
	require.Len(t, h, 4)
	assert.Equal(t, domain.EventCycleCompleted, h[3].Type)
	assert.Equal(t, uint64(3), h[3].Cycle)
	assert.Equal(t, uint64(2), h[0].Cycle, "oldest retained first")

	last := f.rec.History(1)
	require.Len(t, last, 1)
	assert.Equal(t, h[3].ID, last[0].ID)

	lr, ok := f.rec.LastResult()
	require.True(t, ok)
	assert.Equal(t, uint64(3), lr.Cycle)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.rec.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := f.rec.LastResult()
		return ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
