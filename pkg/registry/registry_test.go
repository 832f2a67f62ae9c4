package registry

import (
	"testing"
	"time"

	"github.com/cuemby/flowjob/pkg/events"
	"github.com/cuemby/flowjob/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory() (*Directory, *time.Time) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	d := New(events.NewBroker())
	d.now = func() time.Time { return now }
	return d, &now
}

func TestRegisterAndHeartbeat(t *testing.T) {
	d, now := newTestDirectory()

	d.Register(&types.Worker{ID: "w1", URL: "grpc://w1", Executors: []string{"echo"}})
	w, ok := d.Get("w1")
	require.True(t, ok)
	assert.Equal(t, types.WorkerStatusRunning, w.Status)
	assert.True(t, w.LastHeartbeatAt.Equal(*now))

	*now = now.Add(5 * time.Second)
	res := types.WorkerResource{AvailableCPU: 2, AvailableRAM: 4, AvailableQueueLimit: 7}
	require.NoError(t, d.Heartbeat("w1", "", res))

	w, _ = d.Get("w1")
	assert.Equal(t, res, w.Resource)
	assert.True(t, w.LastHeartbeatAt.Equal(*now))

	require.NoError(t, d.Heartbeat("w1", types.WorkerStatusFusing, res))
	w, _ = d.Get("w1")
	assert.Equal(t, types.WorkerStatusFusing, w.Status)

	err := d.Heartbeat("unknown", "", res)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestWorkersSnapshot(t *testing.T) {
	d, _ := newTestDirectory()
	d.Register(&types.Worker{ID: "b", Tags: map[string][]string{"zone": {"x"}}})
	d.Register(&types.Worker{ID: "a"})

	ws := d.Workers()
	require.Len(t, ws, 2)
	assert.Equal(t, "a", ws[0].ID)
	assert.Equal(t, "b", ws[1].ID)

	ws[1].Tags["zone"][0] = "mutated"
	w, _ := d.Get("b")
	assert.Equal(t, "x", w.Tags["zone"][0])
}

func TestSweep(t *testing.T) {
	d, now := newTestDirectory()
	d.Register(&types.Worker{ID: "stale"})
	*now = now.Add(20 * time.Second)
	d.Register(&types.Worker{ID: "fresh"})
	*now = now.Add(15 * time.Second)

	stale := d.Sweep(30 * time.Second)
	assert.Equal(t, []string{"stale"}, stale)

	w, _ := d.Get("stale")
	assert.Equal(t, types.WorkerStatusTerminated, w.Status)
	assert.False(t, w.IsAlive())

	assert.Empty(t, d.Sweep(30*time.Second), "already terminated")
	assert.Equal(t, map[string]int{"RUNNING": 1, "FUSING": 0, "TERMINATED": 1}, d.Counts())

	require.NoError(t, d.Heartbeat("stale", "", types.WorkerResource{}))
	w, _ = d.Get("stale")
	assert.True(t, w.IsAlive(), "heartbeat revives a terminated worker")
}

func TestRemovePublishes(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	d := New(broker)
	d.Register(&types.Worker{ID: "w1"})
	d.Remove("w1")
	d.Remove("w1")

	_, ok := d.Get("w1")
	assert.False(t, ok)

	var got []events.EventType
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub:
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []events.EventType{events.EventWorkerRegistered, events.EventWorkerTerminated}, got)
}
