package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/venue/paper"
)

func wireDefaults(t *testing.T) (*Dependencies, context.Context) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Server.Enabled = false
	cfg.Resilience.RatePerSecond = 0
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(t.Context(), &cfg, nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	deps.Feed.Step()
	require.NoError(t, deps.Coordinator.ConnectAll(t.Context()))
	for _, s := range deps.Coordinator.Symbols() {
		require.NoError(t, deps.Coordinator.RefreshBooks(t.Context(), s, 10))
	}

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	go func() { _ = deps.Relay.Run(ctx) }()
	return deps, ctx
}

func paperFor(t *testing.T, deps *Dependencies, v domain.Venue) *paper.Exchange {
	t.Helper()
	for _, ex := range deps.Paper {
		if ex.Venue() == v {
			return ex
		}
	}
	t.Fatalf("no paper venue %s", v)
	return nil
}

func TestWireDefaultsInMemory(t *testing.T) {
	deps, _ := wireDefaults(t)

	assert.Len(t, deps.Adapters, 2)
	assert.Nil(t, deps.Redis)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.Hub)
	assert.Empty(t, deps.Checks)
	assert.ElementsMatch(t, []string{"BTC-USDT", "ETH-USDT"}, deps.Coordinator.Symbols())
	assert.Len(t, deps.Coordinator.ConnectedVenues(), 2)

	bbo := deps.Coordinator.AggregatedBBO("BTC-USDT")
	assert.InEpsilon(t, 60_000, bbo.Mid, 0.05)
}

func TestWireRejectsUnknownStrategy(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Enabled = false
	cfg.Coordinator.Strategy = "fastest"
	_, _, err := Wire(t.Context(), &cfg, nil)
	require.Error(t, err)
}

func TestMarketOrderIsRecorded(t *testing.T) {
	deps, ctx := wireDefaults(t)

	rep, err := deps.Router.ExecuteOrder(ctx, domain.OrderRequest{
		Symbol:   "BTC-USDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: 0.5,
		Strategy: "test",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, rep.Status)
	assert.NotEmpty(t, rep.ClientOrderID)

	require.Eventually(t, func() bool {
		o, err := deps.Orders.Get(ctx, rep.ClientOrderID)
		return err == nil && o.Status == domain.OrderStatusFilled && o.FilledQty == 0.5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRestingOrderCrossesAndReconciles(t *testing.T) {
	deps, ctx := wireDefaults(t)

	mid := deps.Coordinator.AggregatedBBO("ETH-USDT").Mid
	limit := mid * 0.98
	rep, err := deps.Router.ExecuteOrder(ctx, domain.OrderRequest{
		Symbol:      "ETH-USDT",
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTC,
		Quantity:    2,
		Price:       limit,
		Strategy:    "test",
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusAccepted, rep.Status)

	require.Eventually(t, func() bool {
		_, err := deps.Orders.Get(ctx, rep.ClientOrderID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	res, err := deps.Reconciler.ReconcileNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Mismatches)
	assert.Equal(t, 1, res.LocalOrders)
	assert.False(t, deps.Reconciler.IsStrategyFrozen())

	ex := paperFor(t, deps, rep.Venue)
	ex.SetBook("ETH-USDT",
		[]domain.PriceLevel{{Price: limit * 0.99, Quantity: 10}},
		[]domain.PriceLevel{{Price: limit * 0.995, Quantity: 10}},
	)
	require.Len(t, ex.Cross("ETH-USDT"), 1)

	require.Eventually(t, func() bool {
		o, err := deps.Orders.Get(ctx, rep.ClientOrderID)
		return err == nil && o.Status == domain.OrderStatusFilled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "venuerouter.log")
	logger, closer, err := NewLogger(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("hello", "component", "test")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.NotContains(t, string(data), "hidden")
}
