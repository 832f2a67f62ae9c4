package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	assert.False(t, timer.start.IsZero())
	assert.Less(t, time.Since(timer.start), time.Second)
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_dispatch_seconds",
		Help: "Test histogram",
	})

	NewTimer().ObserveDuration(histogram)

	assert.Equal(t, []uint64{1}, sampleCounts(t, histogram))
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_selection_seconds",
		Help: "Test histogram vec",
	}, []string{"strategy"})

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "ROUND_ROBIN")
	timer.ObserveDurationVec(vec, "RANDOM")

	assert.Equal(t, []uint64{1, 1}, sampleCounts(t, vec))
}

func sampleCounts(t *testing.T, c prometheus.Collector) []uint64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)

	var counts []uint64
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			counts = append(counts, m.GetHistogram().GetSampleCount())
		}
	}
	return counts
}
