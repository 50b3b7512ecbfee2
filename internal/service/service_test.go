package service

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/algo"
	"github.com/alanyoungcy/venuerouter/internal/book"
	"github.com/alanyoungcy/venuerouter/internal/coordinator"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/metrics"
	"github.com/alanyoungcy/venuerouter/internal/notify"
	"github.com/alanyoungcy/venuerouter/internal/resilience"
	"github.com/alanyoungcy/venuerouter/internal/store/memory"
)

type recorder struct {
	mu       sync.Mutex
	channels []string
	streams  []string
	payloads [][]byte
	frozen   []bool
	fills    []string
	md       []algo.MarketData
	marks    map[string]float64
}

func (r *recorder) Publish(_ context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, channel)
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recorder) StreamAppend(_ context.Context, stream string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, stream)
	return nil
}

func (r *recorder) OnFill(rep domain.ExecutionReport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, rep.ClientOrderID)
	return true
}

func (r *recorder) SetFrozen(f bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = append(r.frozen, f)
}

func (r *recorder) OnMarketData(md algo.MarketData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.md = append(r.md, md)
}

func (r *recorder) Mark(symbol string, price float64, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marks == nil {
		r.marks = make(map[string]float64)
	}
	r.marks[symbol] = price
}

func (r *recorder) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.channels...)
}

type alertSender struct {
	mu     sync.Mutex
	titles []string
}

func (s *alertSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

func (s *alertSender) Name() string { return "test" }

func (s *alertSender) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func runRelay(t *testing.T, r *EventRelay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestRelayExecutionUpdatesStoreAndBus(t *testing.T) {
	rec := &recorder{}
	orders := memory.NewOrderStore(time.Hour)
	relay := NewEventRelay(RelayDeps{Orders: orders, Publisher: rec, Streams: rec, Fills: rec}, nil)
	runRelay(t, relay)

	relay.HandleExecution(domain.VenueBinance, domain.ExecutionReport{
		ClientOrderID: "twap-1-abc", Venue: domain.VenueBinance, Symbol: "BTC-USDT",
		Side: domain.OrderSideBuy, Status: domain.OrderStatusPartiallyFilled,
		Quantity: 2, FilledQty: 1, AvgPrice: 100, ReceivedAt: time.Unix(100, 0),
	})

	assert.Equal(t, []string{"twap-1-abc"}, rec.fills, "fill sink runs inline")
	require.Eventually(t, func() bool { return len(rec.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.ChannelExecutions, rec.published()[0])

	o, err := orders.Get(t.Context(), "twap-1-abc")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
	assert.Equal(t, 1.0, o.FilledQty)
	assert.Equal(t, domain.VenueBinance, o.Venue)
}

func TestRelayRecordsOrderBeforeReturning(t *testing.T) {
	orders := memory.NewOrderStore(time.Hour)
	m := metrics.New()
	// Not running: the fan-out queue is never drained.
	relay := NewEventRelay(RelayDeps{Orders: orders, Publisher: &recorder{}, Metrics: m}, nil)

	relay.HandleExecution(domain.VenueOKX, domain.ExecutionReport{
		ClientOrderID: "mm-1-abc", Venue: domain.VenueOKX, Symbol: "ETH-USDT",
		Side: domain.OrderSideSell, Status: domain.OrderStatusAccepted, Quantity: 3,
	})
	o, err := orders.Get(t.Context(), "mm-1-abc")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, o.Status)

	for range relayQueueSize {
		relay.HandleReconciliation(domain.ReconciliationEvent{Type: domain.EventCycleCompleted})
	}
	assert.Equal(t, int64(1), relay.Dropped())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `venuerouter_relay_dropped_total{job="reconciliation_event"} 1`)
}

func TestRelayReconciliationAndFreeze(t *testing.T) {
	rec := &recorder{}
	audit := memory.NewAuditStore(0)
	alerts := &alertSender{}
	n := notify.NewNotifier([]notify.Sender{alerts}, nil, 0, nil)
	relay := NewEventRelay(RelayDeps{Audit: audit, Publisher: rec, Streams: rec, Freezer: rec, Notifier: n}, nil)
	runRelay(t, relay)

	relay.HandleReconciliation(domain.ReconciliationEvent{ID: "e1", Type: domain.EventStrategyFrozen, Message: "3 cycles"})
	relay.HandleFreeze(true, "3 cycles")
	assert.Equal(t, []bool{true}, rec.frozen, "freeze applies inline")

	require.Eventually(t, func() bool { return len(alerts.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Trading frozen", alerts.all()[0])
	evs, err := audit.List(t.Context(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "e1", evs[0].ID)
	assert.Contains(t, rec.published(), domain.ChannelReconciliation)
}

func TestRelayAlertsOnTransitionsOnly(t *testing.T) {
	alerts := &alertSender{}
	n := notify.NewNotifier([]notify.Sender{alerts}, nil, 0, nil)
	relay := NewEventRelay(RelayDeps{Notifier: n}, nil)
	runRelay(t, relay)

	down := coordinator.ExchangeStatus{Venue: domain.VenueOKX, State: coordinator.StateDisconnected}
	relay.HandleStatus(down)
	relay.HandleStatus(down)
	relay.HandleCircuitChange(domain.VenueOKX, resilience.CircuitClosed, resilience.CircuitOpen)
	relay.HandleCircuitChange(domain.VenueOKX, resilience.CircuitOpen, resilience.CircuitHalfOpen)

	require.Eventually(t, func() bool { return len(alerts.all()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	titles := alerts.all()
	require.Len(t, titles, 2)
	assert.True(t, strings.Contains(titles[0], "okx"))
	assert.True(t, strings.HasPrefix(titles[1], "Circuit open"))
}

type fixedBooks map[string]book.AggregatedBBO

func (f fixedBooks) Symbols() []string {
	out := make([]string, 0, len(f))
	for s := range f {
		out = append(out, s)
	}
	return out
}

func (f fixedBooks) AggregatedBBO(symbol string) book.AggregatedBBO { return f[symbol] }

type mapCache struct {
	mu   sync.Mutex
	bbos map[string]domain.BBOSnapshot
}

func (c *mapCache) SetBBO(_ context.Context, s domain.BBOSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bbos[s.Symbol] = s
	return nil
}

func (c *mapCache) GetBBO(_ context.Context, symbol string) (domain.BBOSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.bbos[symbol]
	if !ok {
		return domain.BBOSnapshot{}, domain.ErrNotFound
	}
	return s, nil
}

func TestBookPublisherPublishOnce(t *testing.T) {
	rec := &recorder{}
	cache := &mapCache{bbos: make(map[string]domain.BBOSnapshot)}
	src := fixedBooks{
		"BTC-USDT": {Symbol: "BTC-USDT", BestBidPrice: 99, BestAskPrice: 101, Mid: 100, Spread: 2, BestAskVenue: domain.VenueOKX},
		"ETH-USDT": {Symbol: "ETH-USDT"},
	}
	p := NewBookPublisher(src, BookPublisherDeps{Cache: cache, Publisher: rec, Positions: rec, Algos: rec}, nil)
	p.SetClock(func() time.Time { return time.Unix(5, 0) })

	n, err := p.PublishOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := cache.GetBBO(t.Context(), "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOKX, snap.BestAskVenue)
	assert.Equal(t, time.Unix(5, 0), snap.Timestamp)
	_, err = cache.GetBBO(t.Context(), "ETH-USDT")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, []string{domain.ChannelBBOPrefix + "BTC-USDT"}, rec.published())
	var got domain.BBOSnapshot
	require.NoError(t, json.Unmarshal(rec.payloads[0], &got))
	assert.Equal(t, 100.0, got.Mid)
	assert.Equal(t, 100.0, rec.marks["BTC-USDT"])
	require.Len(t, rec.md, 1)
	assert.Equal(t, 100.0, rec.md[0].Price)
}
