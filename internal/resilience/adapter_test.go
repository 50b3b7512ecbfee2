package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

func TestAdapterReportsCauseWhenOwnRetriesOpenCircuit(t *testing.T) {
	a, ex, sleeps := newWrapped(t, Config{
		Breaker: BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour},
		Retry:   RetryPolicy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond},
	})
	ex.FailNext("get_current_price", domain.NewVenueError(domain.VenueOKX, "get_current_price", domain.ClassNetwork, errors.New("reset")), 3)

	_, err := a.GetCurrentPrice(t.Context(), "BTC-USDT")
	require.Error(t, err)
	assert.Equal(t, domain.ClassNetwork, domain.Classify(err))
	assert.NotErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, 2, ex.Calls("get_current_price"))
	assert.Len(t, *sleeps, 1, "no backoff once the circuit is open")

	st := a.Stats()
	assert.Equal(t, CircuitOpen, st.CircuitState)
	assert.Zero(t, st.CircuitRejections)
	assert.Equal(t, int64(1), st.Failed)

	// The next call is rejected by the open circuit.
	_, err = a.GetCurrentPrice(t.Context(), "BTC-USDT")
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, int64(1), a.Stats().CircuitRejections)
}
