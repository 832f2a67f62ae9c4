package selector

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/flowjob/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func worker(id string, mutate ...func(*types.Worker)) *types.Worker {
	w := &types.Worker{
		ID:        id,
		URL:       "grpc://" + id + ":9090",
		Executors: []string{"echo"},
		Tags:      map[string][]string{},
		Resource:  types.WorkerResource{AvailableCPU: 4, AvailableRAM: 8, AvailableQueueLimit: 10},
		Status:    types.WorkerStatusRunning,
	}
	for _, m := range mutate {
		m(w)
	}
	return w
}

func workers(n int) []*types.Worker {
	out := make([]*types.Worker, n)
	for i := range out {
		out[i] = worker(fmt.Sprintf("w%d", i))
	}
	return out
}

func workerIDs(ws []*types.Worker) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.ID
	}
	return out
}

func echo() *Invocation {
	return &Invocation{TargetID: "job-1", ExecutorName: "echo"}
}

func TestFilterStages(t *testing.T) {
	tests := []struct {
		name      string
		inv       *Invocation
		workers   []*types.Worker
		want      []string
		wantStage string
	}{
		{
			name:    "all eligible",
			inv:     echo(),
			workers: workers(3),
			want:    []string{"w0", "w1", "w2"},
		},
		{
			name:      "blank executor matches nothing",
			inv:       &Invocation{},
			workers:   workers(2),
			wantStage: StageCapability,
		},
		{
			name: "missing executor",
			inv:  echo(),
			workers: []*types.Worker{
				worker("a", func(w *types.Worker) { w.Executors = []string{"other"} }),
			},
			wantStage: StageCapability,
		},
		{
			name: "dead workers skipped",
			inv:  echo(),
			workers: []*types.Worker{
				worker("a", func(w *types.Worker) { w.Status = types.WorkerStatusFusing }),
				worker("b", func(w *types.Worker) { w.Status = types.WorkerStatusTerminated }),
				worker("c"),
			},
			want: []string{"c"},
		},
		{
			name: "tags emptied",
			inv: &Invocation{ExecutorName: "echo", Dispatch: types.DispatchOption{
				TagFilters: []types.TagFilter{{Name: "zone", Condition: types.TagExists}},
			}},
			workers:   workers(2),
			wantStage: StageTags,
		},
		{
			name: "resources emptied",
			inv: &Invocation{ExecutorName: "echo", Dispatch: types.DispatchOption{
				CPURequirement: 16,
			}},
			workers:   workers(2),
			wantStage: StageResources,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filter(tt.inv, tt.workers)
			if tt.wantStage != "" {
				var nw *types.NoEligibleWorkerError
				require.True(t, errors.As(err, &nw), "got %v", err)
				assert.Equal(t, tt.wantStage, nw.Stage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, workerIDs(got))
		})
	}
}

func TestTagConditions(t *testing.T) {
	ws := []*types.Worker{
		worker("gpu-east", func(w *types.Worker) { w.Tags = map[string][]string{"zone": {"us-east-1"}, "gpu": {"a100"}} }),
		worker("east", func(w *types.Worker) { w.Tags = map[string][]string{"zone": {"us-east-2"}} }),
		worker("west", func(w *types.Worker) { w.Tags = map[string][]string{"zone": {"eu-west-1"}} }),
		worker("bare"),
	}

	tests := []struct {
		name    string
		filters []types.TagFilter
		want    []string
	}{
		{"exists", []types.TagFilter{{Name: "gpu", Condition: types.TagExists}}, []string{"gpu-east"}},
		{"not exists", []types.TagFilter{{Name: "gpu", Condition: types.TagNotExists}}, []string{"east", "west", "bare"}},
		{"must match", []types.TagFilter{{Name: "zone", Value: "us-east-2", Condition: types.TagMustMatchValue}}, []string{"east"}},
		{"must not match", []types.TagFilter{{Name: "zone", Value: "us-east-2", Condition: types.TagMustNotMatchValue}}, []string{"gpu-east", "west", "bare"}},
		{"regex", []types.TagFilter{{Name: "zone", Value: "^us-", Condition: types.TagMustMatchValueRegex}}, []string{"gpu-east", "east"}},
		{
			"rules are combined with and",
			[]types.TagFilter{
				{Name: "zone", Value: "^us-", Condition: types.TagMustMatchValueRegex},
				{Name: "gpu", Condition: types.TagNotExists},
			},
			[]string{"east"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := filterTags(tt.filters, ws)
			require.NoError(t, err)
			assert.Equal(t, tt.want, workerIDs(got))
		})
	}

	t.Run("invalid regex", func(t *testing.T) {
		_, err := filterTags([]types.TagFilter{{Name: "zone", Value: "(", Condition: types.TagMustMatchValueRegex}}, ws)
		var ce *types.ConfigError
		assert.True(t, errors.As(err, &ce))
	})
}

// A worker is excluded iff the queue is full or CPU or RAM is short; zero
// requirements never exclude.
func TestResourceBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		resource types.WorkerResource
		opt      types.DispatchOption
		eligible bool
	}{
		{"exact cpu and ram", types.WorkerResource{AvailableCPU: 2, AvailableRAM: 4, AvailableQueueLimit: 1}, types.DispatchOption{CPURequirement: 2, RAMRequirement: 4}, true},
		{"cpu short", types.WorkerResource{AvailableCPU: 1.99, AvailableRAM: 4, AvailableQueueLimit: 1}, types.DispatchOption{CPURequirement: 2}, false},
		{"ram short", types.WorkerResource{AvailableCPU: 2, AvailableRAM: 3.5, AvailableQueueLimit: 1}, types.DispatchOption{RAMRequirement: 4}, false},
		{"queue full", types.WorkerResource{AvailableCPU: 8, AvailableRAM: 8, AvailableQueueLimit: 0}, types.DispatchOption{}, false},
		{"zero cpu requirement on idle cpu", types.WorkerResource{AvailableCPU: 0, AvailableRAM: 0, AvailableQueueLimit: 1}, types.DispatchOption{}, true},
		{"negative requirement unconstrained", types.WorkerResource{AvailableCPU: 0, AvailableRAM: 0, AvailableQueueLimit: 3}, types.DispatchOption{CPURequirement: -1, RAMRequirement: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := worker("w", func(w *types.Worker) { w.Resource = tt.resource })
			got := filterResources(tt.opt, []*types.Worker{w})
			assert.Equal(t, tt.eligible, len(got) == 1)
		})
	}
}

// Round robin over N workers for 2N calls visits each worker exactly twice
// in a stable cyclic order.
func TestRoundRobinCycles(t *testing.T) {
	f := NewFactory(NewStatisticsRepo(0), 0)
	s, err := f.Selector(types.LoadBalanceRoundRobin)
	require.NoError(t, err)

	for _, n := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("%d workers", n), func(t *testing.T) {
			ws := workers(n)
			inv := &Invocation{TargetID: fmt.Sprintf("job-%d", n), ExecutorName: "echo"}

			var picks []string
			for i := 0; i < 2*n; i++ {
				w, err := s.Select(inv, ws)
				require.NoError(t, err)
				picks = append(picks, w.ID)
			}

			counts := make(map[string]int)
			for _, p := range picks {
				counts[p]++
			}
			for _, w := range ws {
				assert.Equal(t, 2, counts[w.ID])
			}
			assert.Equal(t, picks[:n], picks[n:])
		})
	}
}

func TestRoundRobinCounterSharedAcrossSelectors(t *testing.T) {
	f := NewFactory(NewStatisticsRepo(0), 0)
	ws := workers(3)

	var picks []string
	for i := 0; i < 3; i++ {
		s, err := f.Selector(types.LoadBalanceRoundRobin)
		require.NoError(t, err)
		w, err := s.Select(echo(), ws)
		require.NoError(t, err)
		picks = append(picks, w.ID)
	}
	assert.Equal(t, []string{"w0", "w1", "w2"}, picks)
}

func TestRoundRobinConcurrent(t *testing.T) {
	f := NewFactory(NewStatisticsRepo(0), 0)
	s, err := f.Selector(types.LoadBalanceRoundRobin)
	require.NoError(t, err)
	ws := workers(4)

	var mu sync.Mutex
	counts := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := s.Select(echo(), ws)
			if err != nil {
				return
			}
			mu.Lock()
			counts[w.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, w := range ws {
		assert.Equal(t, 100, counts[w.ID])
	}
}

func TestRandom(t *testing.T) {
	f := NewFactory(NewStatisticsRepo(0), 0)
	s, err := f.Selector(types.LoadBalanceRandom)
	require.NoError(t, err)
	ws := workers(3)

	for i := 0; i < 50; i++ {
		w, err := s.Select(echo(), ws)
		require.NoError(t, err)
		assert.Contains(t, workerIDs(ws), w.ID)
	}
}

func TestAppoint(t *testing.T) {
	f := NewFactory(NewStatisticsRepo(0), 0)
	s, err := f.Selector(types.LoadBalanceAppoint)
	require.NoError(t, err)
	ws := workers(3)

	t.Run("by id", func(t *testing.T) {
		inv := echo()
		inv.Params = map[string]string{ParamAppointWorkerID: "w2"}
		w, err := s.Select(inv, ws)
		require.NoError(t, err)
		assert.Equal(t, "w2", w.ID)
	})

	t.Run("by url", func(t *testing.T) {
		inv := echo()
		inv.Params = map[string]string{ParamAppointWorkerURL: "grpc://w1:9090"}
		w, err := s.Select(inv, ws)
		require.NoError(t, err)
		assert.Equal(t, "w1", w.ID)
	})

	t.Run("missing parameter", func(t *testing.T) {
		_, err := s.Select(echo(), ws)
		assert.ErrorIs(t, err, ErrNoAppointment)
	})

	t.Run("appointed worker not eligible", func(t *testing.T) {
		inv := echo()
		inv.Params = map[string]string{ParamAppointWorkerID: "w9"}
		_, err := s.Select(inv, ws)
		var nw *types.NoEligibleWorkerError
		require.True(t, errors.As(err, &nw))
		assert.Equal(t, StageStrategy, nw.Stage)
	})
}

func TestConsistentHash(t *testing.T) {
	f := NewFactory(NewStatisticsRepo(0), 0)
	s, err := f.Selector(types.LoadBalanceConsistentHash)
	require.NoError(t, err)
	ws := workers(5)

	pick := func(key string, ws []*types.Worker) string {
		inv := echo()
		inv.Params = map[string]string{ParamHashParamName: "tenant", "tenant": key}
		w, err := s.Select(inv, ws)
		require.NoError(t, err)
		return w.ID
	}

	// Same key, same worker.
	for i := 0; i < 10; i++ {
		assert.Equal(t, pick("tenant-a", ws), pick("tenant-a", ws))
	}

	// Removing one worker only moves the keys it owned.
	before := make(map[string]string)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("tenant-%d", i)
		before[key] = pick(key, ws)
	}
	remaining := ws[:4]
	for key, owner := range before {
		if owner == "w4" {
			continue
		}
		assert.Equal(t, owner, pick(key, remaining), "key %s moved", key)
	}

	// Keys spread over more than one worker.
	owners := make(map[string]bool)
	for _, owner := range before {
		owners[owner] = true
	}
	assert.Greater(t, len(owners), 1)
}

func TestHashRingSize(t *testing.T) {
	ring := newHashRing(workers(3))
	assert.LessOrEqual(t, len(ring.slots), 3*consistentHashReplicas)
	assert.Greater(t, len(ring.slots), 3*consistentHashReplicas-5)
}

type fixedClock struct{ now time.Time }

func TestLeastFrequentlyUsed(t *testing.T) {
	repo := NewStatisticsRepo(time.Hour)
	f := NewFactory(repo, time.Hour)
	s, err := f.Selector(types.LoadBalanceLeastFrequentlyUsed)
	require.NoError(t, err)
	ws := workers(3)

	repo.RecordDispatched("w0")
	repo.RecordDispatched("w0")
	repo.RecordDispatched("w1")
	repo.RecordDispatched("w2")

	w, err := s.Select(echo(), ws)
	require.NoError(t, err)
	assert.Equal(t, "w1", w.ID, "ties go to the lowest id")
}

func TestLeastRecentlyUsed(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	repo := NewStatisticsRepo(time.Hour)
	repo.now = func() time.Time { return clock.now }
	f := NewFactory(repo, time.Hour)
	s, err := f.Selector(types.LoadBalanceLeastRecentlyUsed)
	require.NoError(t, err)
	s.strategy.(*statisticsStrategy).now = func() time.Time { return clock.now }
	ws := workers(3)

	repo.RecordDispatched("w1")
	clock.now = clock.now.Add(time.Minute)
	repo.RecordDispatched("w0")
	clock.now = clock.now.Add(time.Minute)

	w, err := s.Select(echo(), ws)
	require.NoError(t, err)
	assert.Equal(t, "w2", w.ID, "never dispatched is least recent")

	repo.RecordDispatched("w2")
	clock.now = clock.now.Add(time.Minute)
	w, err = s.Select(echo(), ws)
	require.NoError(t, err)
	assert.Equal(t, "w1", w.ID)
}

func TestBroadcastSelectAll(t *testing.T) {
	f := NewFactory(NewStatisticsRepo(0), 0)
	s, err := f.Selector("")
	require.NoError(t, err)

	ws := workers(3)
	ws[1].Status = types.WorkerStatusTerminated

	all, err := s.SelectAll(echo(), ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"w0", "w2"}, workerIDs(all))
}

func TestUnknownLoadBalanceType(t *testing.T) {
	_, err := NewFactory(nil, 0).Selector("WEIGHTED")
	var ce *types.ConfigError
	assert.True(t, errors.As(err, &ce))
}
