package latency

import (
	"testing"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerStats(t *testing.T) {
	tr := NewTracker(Config{})
	base := time.Unix(1_700_000_000, 0)
	for i := 1; i <= 100; i++ {
		tr.RecordLatency(domain.VenueBinance, time.Duration(i)*time.Millisecond, base.Add(time.Duration(i)*time.Second))
	}

	st, ok := tr.Stats(domain.VenueBinance)
	require.True(t, ok)
	assert.Equal(t, 100, st.Count)
	assert.Equal(t, time.Millisecond, st.Min)
	assert.Equal(t, 100*time.Millisecond, st.Max)
	assert.Equal(t, 50500*time.Microsecond, st.Mean)
	assert.Equal(t, 50*time.Millisecond, st.P50)
	assert.Equal(t, 95*time.Millisecond, st.P95)
	assert.Equal(t, 99*time.Millisecond, st.P99)
}

func TestTrackerPrunesByCount(t *testing.T) {
	tr := NewTracker(Config{WindowSize: 3, WindowDuration: time.Hour})
	base := time.Unix(0, 0)
	for i, ms := range []int{500, 400, 10, 20, 30} {
		tr.RecordLatency(domain.VenueOKX, time.Duration(ms)*time.Millisecond, base.Add(time.Duration(i)*time.Second))
	}
	st, ok := tr.Stats(domain.VenueOKX)
	require.True(t, ok)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 30*time.Millisecond, st.Max)
}

func TestTrackerPrunesByAge(t *testing.T) {
	tr := NewTracker(Config{WindowSize: 100, WindowDuration: time.Minute})
	base := time.Unix(0, 0)
	tr.RecordLatency(domain.VenueOKX, time.Second, base)
	tr.RecordLatency(domain.VenueOKX, 10*time.Millisecond, base.Add(2*time.Minute))

	st, ok := tr.Stats(domain.VenueOKX)
	require.True(t, ok)
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, 10*time.Millisecond, st.Max)
}

func TestIsHealthyNeedsMinSamples(t *testing.T) {
	tr := NewTracker(Config{})
	now := time.Now()
	for i := 0; i < DefaultMinSamples-1; i++ {
		tr.RecordLatency(domain.VenueBybit, time.Millisecond, now)
		assert.False(t, tr.IsHealthy(domain.VenueBybit, time.Second), "healthy with %d samples", i+1)
	}
	tr.RecordLatency(domain.VenueBybit, time.Millisecond, now)
	assert.True(t, tr.IsHealthy(domain.VenueBybit, time.Second))
	assert.False(t, tr.IsHealthy(domain.VenueBybit, time.Millisecond))
	assert.False(t, tr.IsHealthy(domain.VenueKraken, time.Second))
	assert.True(t, tr.IsHealthyWithMinSamples(domain.VenueBybit, time.Second, 1))
}

func TestVenuesByLatency(t *testing.T) {
	tr := NewTracker(Config{})
	now := time.Now()
	tr.RecordLatency(domain.VenueBinance, 30*time.Millisecond, now)
	tr.RecordLatency(domain.VenueOKX, 10*time.Millisecond, now)
	tr.RecordLatency(domain.VenueKraken, 20*time.Millisecond, now)

	assert.Equal(t, []domain.Venue{domain.VenueOKX, domain.VenueKraken, domain.VenueBinance}, tr.VenuesByLatency())

	tr.Reset(domain.VenueOKX)
	_, ok := tr.Stats(domain.VenueOKX)
	assert.False(t, ok)
	assert.Len(t, tr.All(), 2)
}
