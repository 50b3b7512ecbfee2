package position

import (
	"testing"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFillAveragesAndRealizes(t *testing.T) {
	a := NewAggregator()
	now := time.Now()

	a.ApplyFill(domain.VenueBinance, "BTC-USDT", domain.OrderSideBuy, 1, 100, now)
	p := a.ApplyFill(domain.VenueOKX, "BTC-USDT", domain.OrderSideBuy, 1, 110, now)
	assert.Equal(t, 2.0, p.NetQty)
	assert.Equal(t, 105.0, p.AvgEntryPrice)
	assert.Equal(t, map[domain.Venue]float64{domain.VenueBinance: 1, domain.VenueOKX: 1}, p.ByVenue)

	p = a.ApplyFill(domain.VenueBinance, "BTC-USDT", domain.OrderSideSell, 1, 120, now)
	assert.Equal(t, 1.0, p.NetQty)
	assert.Equal(t, 105.0, p.AvgEntryPrice)
	assert.Equal(t, 15.0, p.RealizedPnL)

	a.Mark("BTC-USDT", 125, now)
	p, ok := a.Position("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, 20.0, p.UnrealizedPnL)
}

func TestApplyFillFlipsThroughFlat(t *testing.T) {
	a := NewAggregator()
	now := time.Now()

	a.ApplyFill(domain.VenueBinance, "ETH-USDT", domain.OrderSideBuy, 2, 10, now)
	p := a.ApplyFill(domain.VenueBinance, "ETH-USDT", domain.OrderSideSell, 3, 12, now)
	assert.Equal(t, -1.0, p.NetQty)
	assert.Equal(t, 12.0, p.AvgEntryPrice)
	assert.Equal(t, 4.0, p.RealizedPnL)

	p = a.ApplyFill(domain.VenueBinance, "ETH-USDT", domain.OrderSideBuy, 1, 11, now)
	assert.Zero(t, p.NetQty)
	assert.Zero(t, p.AvgEntryPrice)
	assert.Equal(t, 5.0, p.RealizedPnL)

	realized, unrealized := a.TotalPnL()
	assert.Equal(t, 5.0, realized)
	assert.Zero(t, unrealized)
	assert.Len(t, a.All(), 1)
}
