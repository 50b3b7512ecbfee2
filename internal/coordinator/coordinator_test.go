package coordinator

import (
	"testing"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/venue/paper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sym = "BTC-USDT"

type fixture struct {
	c     *Coordinator
	ex    map[domain.Venue]*paper.Exchange
	clock time.Time
}

func newFixture(t *testing.T, cfg Config, venues ...domain.Venue) *fixture {
	t.Helper()
	f := &fixture{
		c:     New(cfg, nil, nil),
		ex:    make(map[domain.Venue]*paper.Exchange),
		clock: time.Unix(1_700_000_000, 0),
	}
	f.c.SetClock(func() time.Time { return f.clock })
	for _, v := range venues {
		ex := paper.New(paper.Config{Venue: v})
		ex.SetClock(func() time.Time { return f.clock })
		f.ex[v] = ex
		f.c.RegisterAdapter(ex)
	}
	require.NoError(t, f.c.ConnectAll(t.Context()))
	return f
}

func (f *fixture) quote(v domain.Venue, bid, ask float64) {
	f.c.UpdateBBO(v, sym, bid, 1, ask, 1, f.clock)
	f.ex[v].SetBook(sym, []domain.PriceLevel{{Price: bid, Quantity: 1}}, []domain.PriceLevel{{Price: ask, Quantity: 1}})
}

func TestSelectBestPrice(t *testing.T) {
	f := newFixture(t, Config{Strategy: StrategyBestPrice}, domain.VenueBinance, domain.VenueOKX, domain.VenueKraken)
	f.quote(domain.VenueBinance, 100, 101)
	f.quote(domain.VenueOKX, 100.2, 100.9)
	f.quote(domain.VenueKraken, 99.5, 100.5)

	v, err := f.c.SelectVenue(sym, domain.OrderSideBuy, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueKraken, v)

	v, err = f.c.SelectVenue(sym, domain.OrderSideSell, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOKX, v)

	// Disconnected venues are never selected.
	f.ex[domain.VenueKraken].SetConnected(false)
	v, err = f.c.SelectVenue(sym, domain.OrderSideBuy, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOKX, v)
}

func TestSelectLowestLatency(t *testing.T) {
	f := newFixture(t, Config{Strategy: StrategyLowestLatency}, domain.VenueBinance, domain.VenueOKX)
	v, err := f.c.SelectVenue(sym, domain.OrderSideBuy, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueBinance, v, "no samples falls back to registration order")

	f.c.Latency().RecordLatency(domain.VenueBinance, 50*time.Millisecond, f.clock)
	f.c.Latency().RecordLatency(domain.VenueOKX, 10*time.Millisecond, f.clock)
	v, err = f.c.SelectVenue(sym, domain.OrderSideBuy, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOKX, v)
}

func TestSelectBalanced(t *testing.T) {
	f := newFixture(t, Config{Strategy: StrategyBalanced, BalancedPriceWeight: 0.8}, domain.VenueBinance, domain.VenueOKX)
	f.quote(domain.VenueBinance, 99, 100)
	f.quote(domain.VenueOKX, 99, 101)
	f.c.Latency().RecordLatency(domain.VenueBinance, 100*time.Millisecond, f.clock)
	f.c.Latency().RecordLatency(domain.VenueOKX, 10*time.Millisecond, f.clock)

	v, err := f.c.SelectVenue(sym, domain.OrderSideBuy, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueBinance, v, "price dominates at weight 0.8")

	v, err = f.c.SelectVenueWith(StrategyBalanced, sym, domain.OrderSideBuy, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueBinance, v)

	f.c.cfg.BalancedPriceWeight = 0.2
	v, err = f.c.SelectVenue(sym, domain.OrderSideBuy, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOKX, v, "latency dominates at weight 0.2")
}

func TestSelectRoundRobin(t *testing.T) {
	f := newFixture(t, Config{Strategy: StrategyRoundRobin}, domain.VenueBinance, domain.VenueOKX, domain.VenueBybit)
	var got []domain.Venue
	for i := 0; i < 4; i++ {
		v, err := f.c.SelectVenue(sym, domain.OrderSideBuy, 1)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []domain.Venue{domain.VenueBinance, domain.VenueOKX, domain.VenueBybit, domain.VenueBinance}, got)
}

func TestSelectWeightedRandom(t *testing.T) {
	f := newFixture(t, Config{
		Strategy:     StrategyWeightedRandom,
		VenueWeights: map[domain.Venue]float64{domain.VenueBinance: 0, domain.VenueOKX: 3},
	}, domain.VenueBinance, domain.VenueOKX)
	for i := 0; i < 50; i++ {
		v, err := f.c.SelectVenue(sym, domain.OrderSideBuy, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.VenueOKX, v)
	}
}

func TestSelectNoVenue(t *testing.T) {
	c := New(Config{}, nil, nil)
	_, err := c.SelectVenue(sym, domain.OrderSideBuy, 1)
	assert.ErrorIs(t, err, domain.ErrNoVenue)
}

func TestPlaceOrderFeedsPositionsAndCallbacks(t *testing.T) {
	f := newFixture(t, Config{}, domain.VenueBinance, domain.VenueOKX)
	f.quote(domain.VenueBinance, 99, 100)
	f.quote(domain.VenueOKX, 99, 102)

	var seen []domain.ExecutionReport
	f.c.OnExecution(func(v domain.Venue, r domain.ExecutionReport) { seen = append(seen, r) })

	r, err := f.c.PlaceOrder(t.Context(), domain.OrderRequest{
		Symbol: "btcusdt", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1, Strategy: "test",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.VenueBinance, r.Venue)
	assert.Equal(t, sym, r.Symbol)
	assert.Equal(t, domain.OrderStatusFilled, r.Status)

	id, err := domain.ParseClientOrderID(r.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, "test", id.Strategy)

	require.Len(t, seen, 1)
	pos, ok := f.c.Positions().Position(sym)
	require.True(t, ok)
	assert.Equal(t, 1.0, pos.NetQty)
	assert.Equal(t, 100.0, pos.AvgEntryPrice)

	_, ok = f.c.LatencyStats(domain.VenueBinance)
	assert.True(t, ok, "latency recorded around the call")

	// A replay of the same state is dropped.
	assert.False(t, f.c.HandleExecutionReport(r))
	require.Len(t, seen, 1)
	pos, _ = f.c.Positions().Position(sym)
	assert.Equal(t, 1.0, pos.NetQty)
}

func TestCancelUsesRecordedVenue(t *testing.T) {
	f := newFixture(t, Config{}, domain.VenueBinance, domain.VenueOKX)
	f.quote(domain.VenueOKX, 99, 100)

	r, err := f.c.PlaceOrder(t.Context(), domain.OrderRequest{
		Symbol: sym, Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 1, Price: 90,
	}, domain.VenueOKX)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, r.Status)

	c, err := f.c.CancelOrder(t.Context(), domain.CancelRequest{ClientOrderID: r.ClientOrderID}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, c.Status)
	assert.Equal(t, domain.VenueOKX, c.Venue)

	_, err = f.c.CancelOrder(t.Context(), domain.CancelRequest{ClientOrderID: r.ClientOrderID}, "")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = f.c.CancelOrder(t.Context(), domain.CancelRequest{ClientOrderID: "unknown"}, "")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestPlaceOrderUnregisteredVenue(t *testing.T) {
	f := newFixture(t, Config{}, domain.VenueBinance)
	_, err := f.c.PlaceOrder(t.Context(), domain.OrderRequest{Symbol: sym, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1}, domain.VenueKraken)
	assert.ErrorIs(t, err, domain.ErrVenueNotRegistered)
}

func TestCheckHealth(t *testing.T) {
	f := newFixture(t, Config{BookMaxAge: 5 * time.Second, LatencyThreshold: 100 * time.Millisecond}, domain.VenueBinance, domain.VenueOKX, domain.VenueKraken)
	f.quote(domain.VenueBinance, 99, 100)
	for i := 0; i < 5; i++ {
		f.c.Latency().RecordLatency(domain.VenueBinance, 10*time.Millisecond, f.clock)
	}
	f.ex[domain.VenueKraken].SetConnected(false)

	var got []ExchangeStatus
	f.c.OnStatus(func(s ExchangeStatus) { got = append(got, s) })

	statuses := f.c.CheckHealth(f.clock.Add(10 * time.Second))
	require.Len(t, statuses, 3)
	assert.Equal(t, StateOK, statuses[0].State)
	assert.Equal(t, []string{sym}, statuses[0].StaleSymbols)
	assert.Equal(t, StateDegraded, statuses[1].State, "too few samples")
	assert.Equal(t, StateDisconnected, statuses[2].State)
	assert.Len(t, got, 3)

	assert.Zero(t, f.c.AggregatedBBO(sym).BestAskPrice, "stale book excluded")
}

func TestRefreshBooks(t *testing.T) {
	f := newFixture(t, Config{}, domain.VenueBinance, domain.VenueOKX)
	f.ex[domain.VenueBinance].SetBook(sym, []domain.PriceLevel{{Price: 99, Quantity: 2}}, []domain.PriceLevel{{Price: 101, Quantity: 2}})
	f.ex[domain.VenueOKX].FailNext("get_order_book", domain.ErrNetwork, 1)

	err := f.c.RefreshBooks(t.Context(), "BTCUSDT", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNetwork)

	bbo := f.c.AggregatedBBO(sym)
	assert.Equal(t, 99.0, bbo.BestBidPrice)
	assert.Equal(t, 101.0, bbo.BestAskPrice)
	assert.Equal(t, domain.VenueBinance, bbo.BestAskVenue)
}

func TestUnregisterAdapter(t *testing.T) {
	f := newFixture(t, Config{}, domain.VenueBinance, domain.VenueOKX)
	f.quote(domain.VenueOKX, 99, 100)
	f.c.UnregisterAdapter(domain.VenueOKX)
	assert.Equal(t, []domain.Venue{domain.VenueBinance}, f.c.Venues())
	assert.Empty(t, f.c.Book(sym).Venues())
}

func TestFinishedRoutesArePruned(t *testing.T) {
	f := newFixture(t, Config{DedupTTL: time.Minute}, domain.VenueOKX)
	f.quote(domain.VenueOKX, 99, 100)

	resting, err := f.c.PlaceOrder(t.Context(), domain.OrderRequest{
		Symbol: sym, Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 1, Price: 90,
	}, domain.VenueOKX)
	require.NoError(t, err)
	filled, err := f.c.PlaceOrder(t.Context(), domain.OrderRequest{
		Symbol: sym, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1,
	}, domain.VenueOKX)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, filled.Status)

	f.ex[domain.VenueOKX].FailNext("place_order", domain.ErrNetwork, 1)
	_, err = f.c.PlaceOrder(t.Context(), domain.OrderRequest{
		ClientOrderID: "failed-1", Symbol: sym, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1,
	}, domain.VenueOKX)
	require.Error(t, err)
	assert.Equal(t, 3, f.c.TrackedRoutes())

	f.clock = f.clock.Add(30 * time.Second)
	assert.Zero(t, f.c.PruneRoutes(), "finished routes stay resolvable for the ttl")
	v, ok := f.c.VenueOf(filled.ClientOrderID)
	assert.True(t, ok)
	assert.Equal(t, domain.VenueOKX, v)

	f.clock = f.clock.Add(time.Minute)
	assert.Equal(t, 2, f.c.PruneRoutes())
	_, ok = f.c.VenueOf(filled.ClientOrderID)
	assert.False(t, ok)
	_, ok = f.c.VenueOf("failed-1")
	assert.False(t, ok)
	_, ok = f.c.VenueOf(resting.ClientOrderID)
	assert.True(t, ok, "open orders are never pruned")

	_, err = f.c.CancelOrder(t.Context(), domain.CancelRequest{ClientOrderID: resting.ClientOrderID}, "")
	require.NoError(t, err)
	f.clock = f.clock.Add(time.Minute)
	assert.Equal(t, 1, f.c.PruneRoutes())
	assert.Zero(t, f.c.TrackedRoutes())
}
