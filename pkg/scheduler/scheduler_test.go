package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeItem struct {
	id        string
	triggerAt time.Time
	runs      atomic.Int32
	fired     chan time.Time
}

func newFakeItem(id string, triggerAt time.Time) *fakeItem {
	return &fakeItem{id: id, triggerAt: triggerAt, fired: make(chan time.Time, 64)}
}

func (f *fakeItem) ScheduleID() string   { return f.id }
func (f *fakeItem) TriggerAt() time.Time { return f.triggerAt }
func (f *fakeItem) Run(_ context.Context, triggerAt time.Time) {
	f.runs.Add(1)
	select {
	case f.fired <- triggerAt:
	default:
	}
}

type recurringItem struct {
	*fakeItem
	interval time.Duration
	limit    int32
	nexts    atomic.Int32
}

func (r *recurringItem) Next(firedAt time.Time) (time.Time, bool) {
	if r.nexts.Add(1) >= r.limit {
		return time.Time{}, false
	}
	return firedAt.Add(r.interval), true
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(Config{Tick: 2 * time.Millisecond, Slots: 16, PoolSize: 8})
	require.NoError(t, err)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func waitFired(t *testing.T, ch chan time.Time) time.Time {
	t.Helper()
	select {
	case at := <-ch:
		return at
	case <-time.After(2 * time.Second):
		t.Fatal("item did not fire")
		return time.Time{}
	}
}

func TestScheduleFiresOnce(t *testing.T) {
	s := newTestScheduler(t)
	triggerAt := time.Now().Add(20 * time.Millisecond)
	item := newFakeItem("plan-1:1", triggerAt)

	assert.True(t, s.Schedule(item))
	assert.True(t, s.IsScheduling("plan-1:1"))
	at, ok := s.NextFireAt("plan-1:1")
	assert.True(t, ok)
	assert.True(t, triggerAt.Equal(at))

	fired := waitFired(t, item.fired)
	assert.True(t, triggerAt.Equal(fired))
	assert.False(t, time.Now().Before(triggerAt))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), item.runs.Load())
	assert.False(t, s.IsScheduling("plan-1:1"))
	assert.Equal(t, 0, s.Len())
}

func TestSchedulePastTriggerFiresImmediately(t *testing.T) {
	s := newTestScheduler(t)
	item := newFakeItem("late", time.Now().Add(-time.Hour))

	require.True(t, s.Schedule(item))
	waitFired(t, item.fired)
}

func TestScheduleDuplicateRejected(t *testing.T) {
	s := newTestScheduler(t)
	first := newFakeItem("dup", time.Now().Add(30*time.Millisecond))
	second := newFakeItem("dup", time.Now().Add(10*time.Millisecond))

	assert.True(t, s.Schedule(first))
	assert.False(t, s.Schedule(second))
	assert.Equal(t, 1, s.Len())

	waitFired(t, first.fired)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), second.runs.Load())
}

func TestRecurringRearms(t *testing.T) {
	s := newTestScheduler(t)
	start := time.Now().Add(5 * time.Millisecond)
	item := &recurringItem{
		fakeItem: newFakeItem("rate", start),
		interval: 10 * time.Millisecond,
		limit:    3,
	}

	require.True(t, s.Schedule(item))

	var got []time.Time
	for i := 0; i < 3; i++ {
		got = append(got, waitFired(t, item.fired))
	}
	assert.True(t, start.Equal(got[0]))
	assert.True(t, start.Add(10*time.Millisecond).Equal(got[1]))
	assert.True(t, start.Add(20*time.Millisecond).Equal(got[2]))

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(3), item.runs.Load())
	assert.False(t, s.IsScheduling("rate"))
}

func TestUnscheduleIsIdempotent(t *testing.T) {
	s := newTestScheduler(t)
	item := newFakeItem("gone", time.Now().Add(20*time.Millisecond))

	require.True(t, s.Schedule(item))
	s.Unschedule("gone")
	s.Unschedule("gone")
	s.Unschedule("never-armed")

	assert.False(t, s.IsScheduling("gone"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), item.runs.Load())
}

// Unschedule racing with firing of a recurring entity: once Unschedule has
// returned, no further runs start.
func TestUnscheduleRacingWithFiring(t *testing.T) {
	s := newTestScheduler(t)

	for i := 0; i < 20; i++ {
		item := &recurringItem{
			fakeItem: newFakeItem("race", time.Now()),
			interval: time.Millisecond,
			limit:    1 << 20,
		}
		require.True(t, s.Schedule(item))
		time.Sleep(time.Duration(i%5) * time.Millisecond)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Unschedule("race")
			}()
		}
		wg.Wait()

		// Let in-flight runs drain, then check the count stays put.
		time.Sleep(10 * time.Millisecond)
		settled := item.runs.Load()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, settled, item.runs.Load(), "iteration %d ran after unschedule", i)
		assert.False(t, s.IsScheduling("race"))
	}
}

func TestRescheduleAfterUnschedule(t *testing.T) {
	s := newTestScheduler(t)
	old := newFakeItem("plan-2:1", time.Now().Add(15*time.Millisecond))
	replacement := newFakeItem("plan-2:1", time.Now().Add(15*time.Millisecond))

	require.True(t, s.Schedule(old))
	s.Unschedule("plan-2:1")
	require.True(t, s.Schedule(replacement))

	waitFired(t, replacement.fired)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), old.runs.Load())
	assert.Equal(t, int32(1), replacement.runs.Load())
}

func TestRunReceivesCancelledContextOnStop(t *testing.T) {
	s, err := New(Config{Tick: time.Millisecond, Slots: 8, PoolSize: 2})
	require.NoError(t, err)
	s.Start()

	ctxCh := make(chan context.Context, 1)
	s.Schedule(&ctxItem{id: "ctx", ch: ctxCh})

	var ctx context.Context
	select {
	case ctx = <-ctxCh:
	case <-time.After(time.Second):
		t.Fatal("item did not fire")
	}
	s.Stop()
	assert.Error(t, ctx.Err())
}

type ctxItem struct {
	id string
	ch chan context.Context
}

func (c *ctxItem) ScheduleID() string   { return c.id }
func (c *ctxItem) TriggerAt() time.Time { return time.Now() }
func (c *ctxItem) Run(ctx context.Context, _ time.Time) {
	c.ch <- ctx
}
