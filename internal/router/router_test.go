package router_test

import (
	"testing"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/coordinator"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/router"
	"github.com/alanyoungcy/venuerouter/internal/venue/paper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sym = "ETH-USDT"

type fixture struct {
	coord *coordinator.Coordinator
	r     *router.Router
	ex    map[domain.Venue]*paper.Exchange
	clock time.Time
}

func newFixture(t *testing.T, cfg router.Config, venues ...domain.Venue) *fixture {
	t.Helper()
	f := &fixture{
		coord: coordinator.New(coordinator.Config{}, nil, nil),
		ex:    make(map[domain.Venue]*paper.Exchange),
		clock: time.Unix(1_700_000_000, 0),
	}
	f.coord.SetClock(func() time.Time { return f.clock })
	for _, v := range venues {
		ex := paper.New(paper.Config{Venue: v})
		ex.SetClock(func() time.Time { return f.clock })
		f.ex[v] = ex
		f.coord.RegisterAdapter(ex)
	}
	require.NoError(t, f.coord.ConnectAll(t.Context()))
	f.r = router.New(f.coord, cfg, nil, nil)
	f.r.SetClock(func() time.Time { return f.clock })
	return f
}

// ask publishes a one-level book on both the coordinator and the venue.
func (f *fixture) ask(v domain.Venue, px, qty float64) {
	f.coord.UpdateBBO(v, sym, px-1, qty, px, qty, f.clock)
	f.ex[v].SetBook(sym, []domain.PriceLevel{{Price: px - 1, Quantity: qty}}, []domain.PriceLevel{{Price: px, Quantity: qty}})
}

func TestScoreVenuesPrefersBetterPrice(t *testing.T) {
	f := newFixture(t, router.Config{}, domain.VenueBinance, domain.VenueOKX)
	f.ask(domain.VenueBinance, 100, 5)
	f.ask(domain.VenueOKX, 101, 5)

	scores := f.r.ScoreVenues(sym, domain.OrderSideBuy, 1)
	require.Len(t, scores, 2)
	assert.Equal(t, domain.VenueBinance, scores[0].Venue)
	assert.Equal(t, 1.0, scores[0].Price)
	assert.InDelta(t, 100.0/101.0, scores[1].Price, 1e-9)
	assert.Equal(t, 0.5, scores[0].Latency, "no samples")
	assert.Equal(t, router.DefaultReliability, scores[0].Reliability)

	for _, s := range scores {
		for _, x := range []float64{s.Price, s.Fee, s.Latency, s.Liquidity, s.Reliability} {
			assert.GreaterOrEqual(t, x, 0.0)
			assert.LessOrEqual(t, x, 1.0)
		}
	}
}

func TestScoreVenuesLiquidityAndFees(t *testing.T) {
	f := newFixture(t, router.Config{
		Weights: router.Weights{Price: 0.1, Liquidity: 1},
		Fees: map[domain.Venue]router.VenueFees{
			domain.VenueBinance: {Taker: 0.001},
			domain.VenueOKX:     {Taker: 0.02},
		},
	}, domain.VenueBinance, domain.VenueOKX)
	f.ask(domain.VenueBinance, 100, 1)
	f.ask(domain.VenueOKX, 100.1, 10)

	scores := f.r.ScoreVenues(sym, domain.OrderSideBuy, 10)
	require.Len(t, scores, 2)
	assert.Equal(t, domain.VenueOKX, scores[0].Venue, "deep book wins on liquidity weight")
	assert.Equal(t, 1.0, scores[0].Liquidity)
	assert.Zero(t, scores[0].Fee, "2% taker clamps to zero")
	assert.InDelta(t, 0.9, scores[1].Fee, 1e-9)
	assert.InDelta(t, 0.1, scores[1].Liquidity, 1e-9)
}

func TestScoreVenuesLatency(t *testing.T) {
	f := newFixture(t, router.Config{Weights: router.Weights{Latency: 1}}, domain.VenueBinance, domain.VenueOKX)
	f.coord.Latency().RecordLatency(domain.VenueBinance, 100*time.Millisecond, f.clock)
	f.coord.Latency().RecordLatency(domain.VenueOKX, 0, f.clock)

	scores := f.r.ScoreVenues(sym, domain.OrderSideBuy, 1)
	require.Len(t, scores, 2)
	assert.Equal(t, domain.VenueOKX, scores[0].Venue)
	assert.Equal(t, 1.0, scores[0].Latency)
	assert.InDelta(t, 0.5, scores[1].Latency, 1e-9)
}

func TestRouteOrder(t *testing.T) {
	f := newFixture(t, router.Config{}, domain.VenueBinance, domain.VenueOKX, domain.VenueBybit)
	f.ask(domain.VenueBinance, 100, 5)
	f.ask(domain.VenueOKX, 102, 5)
	f.ask(domain.VenueBybit, 101, 5)

	d, err := f.r.RouteOrder("ethusdt", domain.OrderSideBuy, 1)
	require.NoError(t, err)
	assert.Equal(t, sym, d.Symbol)
	assert.Equal(t, domain.VenueBinance, d.Venue)
	assert.Equal(t, []domain.Venue{domain.VenueBybit, domain.VenueOKX}, d.Fallbacks)
	assert.Equal(t, f.clock, d.DecidedAt)

	empty := router.New(coordinator.New(coordinator.Config{}, nil, nil), router.Config{}, nil, nil)
	_, err = empty.RouteOrder(sym, domain.OrderSideBuy, 1)
	assert.ErrorIs(t, err, domain.ErrNoVenue)
}

func TestSplitOrderRespectsCaps(t *testing.T) {
	f := newFixture(t, router.Config{}, domain.VenueBinance, domain.VenueOKX, domain.VenueBybit)
	f.ask(domain.VenueBinance, 100, 4)
	f.ask(domain.VenueOKX, 100.5, 20)
	f.ask(domain.VenueBybit, 101, 2)

	const qty = 10.0
	plan, err := f.r.SplitOrder(sym, domain.OrderSideBuy, qty, 0.5)
	require.NoError(t, err)

	visible := map[domain.Venue]float64{domain.VenueBinance: 4, domain.VenueOKX: 20, domain.VenueBybit: 2}
	var total float64
	for _, a := range plan.Allocations {
		assert.LessOrEqual(t, a.Quantity, 0.5*qty+1e-9, a.Venue)
		assert.LessOrEqual(t, a.Quantity, router.LiquidityCapPct*visible[a.Venue]+1e-9, a.Venue)
		total += a.Quantity
	}
	assert.InDelta(t, qty, total+plan.Unallocated, 1e-9)
	assert.InDelta(t, 0.2, plan.Unallocated, 1e-9)
	require.Len(t, plan.Allocations, 3)
	assert.Equal(t, domain.VenueOKX, plan.Allocations[0].Venue)
	assert.InDelta(t, 5.0, plan.Allocations[0].Quantity, 1e-9)
}

func TestSplitOrderMinimumSize(t *testing.T) {
	f := newFixture(t, router.Config{
		MinOrderSize: map[domain.Venue]float64{domain.VenueBybit: 2},
	}, domain.VenueOKX, domain.VenueBybit)
	f.ask(domain.VenueOKX, 100, 20)
	f.ask(domain.VenueBybit, 101, 2)

	plan, err := f.r.SplitOrder(sym, domain.OrderSideBuy, 10, 0)
	require.NoError(t, err)
	require.Len(t, plan.Allocations, 1)
	assert.Equal(t, domain.VenueOKX, plan.Allocations[0].Venue)
	assert.InDelta(t, 5.0, plan.Unallocated, 1e-9, "default cap is half the order")

	_, err = f.r.SplitOrder(sym, domain.OrderSideBuy, 0, 0.5)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestExecuteOrderFallsBack(t *testing.T) {
	f := newFixture(t, router.Config{}, domain.VenueBinance, domain.VenueOKX)
	f.ask(domain.VenueBinance, 100, 5)
	f.ask(domain.VenueOKX, 101, 5)
	f.ex[domain.VenueBinance].FailNext("place_order", domain.NewVenueError(domain.VenueBinance, "place_order", "", domain.ErrNetwork), 1)

	rep, err := f.r.ExecuteOrder(t.Context(), domain.OrderRequest{
		Symbol: sym, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOKX, rep.Venue)
	assert.Equal(t, domain.OrderStatusFilled, rep.Status)

	a := f.r.Analytics()
	assert.Equal(t, int64(2), a.TotalOrders)
	assert.Equal(t, int64(1), a.Failed)
	assert.Equal(t, int64(1), a.Filled)
	assert.InDelta(t, 101.0, a.TotalNotional, 1e-9)

	assert.Equal(t, int64(1), f.r.VenueQuality(domain.VenueBinance).Failures)
	assert.Equal(t, 1.0, f.r.VenueQuality(domain.VenueOKX).Reliability)
}

func TestExecuteOrderRejectionDoesNotFallBack(t *testing.T) {
	f := newFixture(t, router.Config{}, domain.VenueBinance, domain.VenueOKX)
	f.ask(domain.VenueBinance, 100, 5)
	f.ask(domain.VenueOKX, 101, 5)
	f.ex[domain.VenueBinance].FailNext("place_order",
		domain.NewVenueError(domain.VenueBinance, "place_order", domain.ClassRejection, domain.ErrRejected), 1)

	_, err := f.r.ExecuteOrder(t.Context(), domain.OrderRequest{
		Symbol: sym, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRejected)
	assert.Zero(t, f.ex[domain.VenueOKX].Calls("place_order"))
}

func TestExecuteSplit(t *testing.T) {
	f := newFixture(t, router.Config{}, domain.VenueBinance, domain.VenueOKX)
	f.ask(domain.VenueBinance, 100, 5)
	f.ask(domain.VenueOKX, 100, 5)

	res, err := f.r.ExecuteSplit(t.Context(), domain.OrderRequest{
		Symbol: sym, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 2, Strategy: "split",
	}, 0.5)
	require.NoError(t, err)
	require.Len(t, res.Reports, 2)
	assert.InDelta(t, 2.0, res.FilledQty(), 1e-9)
	assert.NotEqual(t, res.Reports[0].ClientOrderID, res.Reports[1].ClientOrderID)
	assert.NotEqual(t, res.Reports[0].Venue, res.Reports[1].Venue)
}

func TestExecuteBatch(t *testing.T) {
	reqs := []domain.OrderRequest{
		{Symbol: sym, Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: 1, Price: 90},
		{Symbol: sym, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 0},
		{Symbol: sym, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1},
	}

	t.Run("best effort", func(t *testing.T) {
		f := newFixture(t, router.Config{}, domain.VenueBinance)
		f.ask(domain.VenueBinance, 100, 5)

		res := f.r.ExecuteBatch(t.Context(), reqs, false)
		assert.Equal(t, 2, res.Succeeded)
		assert.Equal(t, 1, res.Failed)
		assert.False(t, res.Stopped)
		assert.ErrorIs(t, res.Errors[1], domain.ErrInvalidOrder)
		assert.Equal(t, domain.OrderStatusFilled, res.Reports[2].Status)
	})

	t.Run("atomic", func(t *testing.T) {
		f := newFixture(t, router.Config{}, domain.VenueBinance)
		f.ask(domain.VenueBinance, 100, 5)

		res := f.r.ExecuteBatch(t.Context(), reqs, true)
		assert.Equal(t, 1, res.Succeeded)
		assert.Equal(t, 1, res.Failed)
		assert.True(t, res.Stopped)
		assert.Equal(t, 1, f.ex[domain.VenueBinance].Calls("place_order"), "third order never sent")

		got, err := f.ex[domain.VenueBinance].GetOrder(t.Context(), sym, res.Reports[0].ClientOrderID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCanceled, got.Status, "resting order unwound")
	})
}

func TestRecordExecutionQuality(t *testing.T) {
	f := newFixture(t, router.Config{QualityWindow: 2}, domain.VenueBinance)
	rep := domain.ExecutionReport{Status: domain.OrderStatusFilled, Quantity: 2, FilledQty: 2, AvgPrice: 101}

	f.r.RecordExecution(domain.VenueBinance, rep, 100, 10*time.Millisecond)
	q := f.r.VenueQuality(domain.VenueBinance)
	assert.InDelta(t, 0.01, q.AvgSlippage, 1e-9)
	assert.Equal(t, 1.0, q.AvgFillRate)
	assert.Equal(t, 10*time.Millisecond, q.AvgLatency)

	partial := rep
	partial.Status = domain.OrderStatusCanceled
	partial.FilledQty = 1
	f.r.RecordExecution(domain.VenueBinance, partial, 0, 30*time.Millisecond)
	f.r.RecordExecution(domain.VenueBinance, domain.ExecutionReport{Status: domain.OrderStatusRejected, Quantity: 1}, 0, 0)

	q = f.r.VenueQuality(domain.VenueBinance)
	assert.Equal(t, 2, q.Samples, "window bounds samples")
	assert.Equal(t, int64(2), q.Successes)
	assert.Equal(t, int64(1), q.Failures)
	assert.InDelta(t, 2.0/3.0, q.Reliability, 1e-9)

	a := f.r.Analytics()
	assert.Equal(t, int64(1), a.Filled)
	assert.Equal(t, int64(1), a.PartiallyFilled)
	assert.Equal(t, int64(1), a.Rejected)
}

func TestReferencePrice(t *testing.T) {
	f := newFixture(t, router.Config{}, domain.VenueBinance)
	_, ok := f.r.ReferencePrice(sym)
	assert.False(t, ok)

	f.ask(domain.VenueBinance, 100, 1)
	px, ok := f.r.ReferencePrice(sym)
	require.True(t, ok)
	assert.Equal(t, 99.5, px)
}
