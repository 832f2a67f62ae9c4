package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	armed   int
	workers map[string]int
	tasks   map[string]int
	leader  bool
	slots   int
}

func (f *fakeSource) ArmedSchedules() int                       { return f.armed }
func (f *fakeSource) WorkerCounts() map[string]int              { return f.workers }
func (f *fakeSource) ActiveTaskCounts() (map[string]int, error) { return f.tasks, nil }
func (f *fakeSource) IsLeader() bool                            { return f.leader }
func (f *fakeSource) OwnedSlots() int                           { return f.slots }

func TestCollectorCollect(t *testing.T) {
	src := &fakeSource{
		armed:   3,
		workers: map[string]int{"RUNNING": 2, "TERMINATED": 1},
		tasks:   map[string]int{"EXECUTING": 4},
		leader:  true,
		slots:   16,
	}

	NewCollector(src, 0).Collect()

	assert.Equal(t, 3.0, gaugeValue(t, SchedulesArmed))
	assert.Equal(t, 2.0, gaugeValue(t, WorkersTotal.WithLabelValues("RUNNING")))
	assert.Equal(t, 4.0, gaugeValue(t, ActiveTasks.WithLabelValues("EXECUTING")))
	assert.Equal(t, 1.0, gaugeValue(t, ClusterLeader))
	assert.Equal(t, 16.0, gaugeValue(t, OwnedSlots))
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}
