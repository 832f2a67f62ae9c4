package selector

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/flowjob/pkg/types"
)

// Invocation parameters understood by strategies
const (
	ParamAppointWorkerID   = "appoint.workerId"
	ParamAppointWorkerURL  = "appoint.workerUrl"
	ParamHashParamName     = "consistentHash.hashParamName"
	consistentHashReplicas = 160
)

// ErrNoAppointment is returned by APPOINT when no target worker is given
var ErrNoAppointment = errors.New("appoint strategy requires " + ParamAppointWorkerID + " or " + ParamAppointWorkerURL)

// Strategy picks one worker among eligible candidates. Candidates are never
// empty when a strategy is called.
type Strategy interface {
	Pick(inv *Invocation, candidates []*types.Worker) (*types.Worker, error)
}

type randomStrategy struct{}

func (randomStrategy) Pick(_ *Invocation, candidates []*types.Worker) (*types.Worker, error) {
	return candidates[rand.IntN(len(candidates))], nil
}

// roundRobinStrategy keeps one counter per invocation target so consecutive
// calls for the same job walk the candidate list in order.
type roundRobinStrategy struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint32
}

func newRoundRobinStrategy() *roundRobinStrategy {
	return &roundRobinStrategy{counters: make(map[string]*atomic.Uint32)}
}

func (s *roundRobinStrategy) counter(key string) *atomic.Uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		c = &atomic.Uint32{}
		s.counters[key] = c
	}
	return c
}

func (s *roundRobinStrategy) Pick(inv *Invocation, candidates []*types.Worker) (*types.Worker, error) {
	n := s.counter(inv.TargetID).Add(1) - 1
	return candidates[int(n%uint32(len(candidates)))], nil
}

type appointStrategy struct{}

func (appointStrategy) Pick(inv *Invocation, candidates []*types.Worker) (*types.Worker, error) {
	id, byID := inv.Params[ParamAppointWorkerID]
	url, byURL := inv.Params[ParamAppointWorkerURL]
	if !byID && !byURL {
		return nil, ErrNoAppointment
	}
	for _, w := range candidates {
		if (byID && w.ID == id) || (byURL && w.URL == url) {
			return w, nil
		}
	}
	return nil, nil
}

type consistentHashStrategy struct{}

func (consistentHashStrategy) Pick(inv *Invocation, candidates []*types.Worker) (*types.Worker, error) {
	ring := newHashRing(candidates)

	key := inv.TargetID
	if name := inv.Params[ParamHashParamName]; name != "" {
		if v, ok := inv.Params[name]; ok {
			key = v
		}
	}
	return ring.get(hashKey(key)), nil
}

type hashRing struct {
	slots   []uint32
	workers map[uint32]*types.Worker
}

// newHashRing places consistentHashReplicas virtual nodes per worker. Each
// MD5 digest yields four 32-bit slots.
func newHashRing(workers []*types.Worker) *hashRing {
	r := &hashRing{workers: make(map[uint32]*types.Worker, len(workers)*consistentHashReplicas)}
	for _, w := range workers {
		for i := 0; i < consistentHashReplicas/4; i++ {
			digest := md5.Sum([]byte(w.ID + strconv.Itoa(i)))
			for j := 0; j < 4; j++ {
				slot := binary.LittleEndian.Uint32(digest[j*4 : j*4+4])
				if _, taken := r.workers[slot]; taken {
					continue
				}
				r.workers[slot] = w
				r.slots = append(r.slots, slot)
			}
		}
	}
	sort.Slice(r.slots, func(i, j int) bool { return r.slots[i] < r.slots[j] })
	return r
}

// get returns the worker on the first slot clockwise from hash
func (r *hashRing) get(hash uint32) *types.Worker {
	i := sort.Search(len(r.slots), func(i int) bool { return r.slots[i] >= hash })
	if i == len(r.slots) {
		i = 0
	}
	return r.workers[r.slots[i]]
}

func hashKey(key string) uint32 {
	digest := md5.Sum([]byte(key))
	return binary.LittleEndian.Uint32(digest[:4])
}

// statisticsStrategy picks by dispatch statistics over a trailing window.
// Ties are broken by worker id.
type statisticsStrategy struct {
	stats  StatisticsProvider
	window time.Duration
	now    func() time.Time
	less   func(a, b Statistics) bool
}

func newLFUStrategy(stats StatisticsProvider, window time.Duration) *statisticsStrategy {
	return &statisticsStrategy{
		stats:  stats,
		window: window,
		now:    time.Now,
		less: func(a, b Statistics) bool {
			return a.DispatchTimes < b.DispatchTimes
		},
	}
}

func newLRUStrategy(stats StatisticsProvider, window time.Duration) *statisticsStrategy {
	return &statisticsStrategy{
		stats:  stats,
		window: window,
		now:    time.Now,
		// Zero time sorts first: never dispatched counts as least recent.
		less: func(a, b Statistics) bool {
			return a.LatestDispatchAt.Before(b.LatestDispatchAt)
		},
	}
}

func (s *statisticsStrategy) Pick(_ *Invocation, candidates []*types.Worker) (*types.Worker, error) {
	ids := make([]string, len(candidates))
	byID := make(map[string]*types.Worker, len(candidates))
	for i, w := range candidates {
		ids[i] = w.ID
		byID[w.ID] = w
	}

	stats := s.stats.List(ids, s.now().Add(-s.window))
	if len(stats) == 0 {
		return nil, nil
	}
	sort.Slice(stats, func(i, j int) bool {
		if s.less(stats[i], stats[j]) {
			return true
		}
		if s.less(stats[j], stats[i]) {
			return false
		}
		return stats[i].WorkerID < stats[j].WorkerID
	})
	return byID[stats[0].WorkerID], nil
}
