package selector

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/flowjob/pkg/metrics"
	"github.com/cuemby/flowjob/pkg/types"
)

// Invocation describes one selection request
type Invocation struct {
	// TargetID keys per-target strategy state, usually the job id
	TargetID     string
	ExecutorName string
	Dispatch     types.DispatchOption
	Params       map[string]string
}

// Selector runs the filter pipeline followed by a load balancing strategy
type Selector struct {
	lbType   types.LoadBalanceType
	strategy Strategy
}

// Select returns one eligible worker. It returns a
// *types.NoEligibleWorkerError when filtering or the strategy leaves nothing.
func (s *Selector) Select(inv *Invocation, workers []*types.Worker) (*types.Worker, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SelectionDuration, string(s.lbType))

	candidates, err := Filter(inv, workers)
	if err != nil {
		recordFailure(err)
		return nil, err
	}

	w, err := s.strategy.Pick(inv, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to pick worker: %w", err)
	}
	if w == nil {
		err := &types.NoEligibleWorkerError{ExecutorName: inv.ExecutorName, Stage: StageStrategy}
		recordFailure(err)
		return nil, err
	}
	metrics.SelectionPicks.WithLabelValues(string(s.lbType)).Inc()
	return w, nil
}

// SelectAll returns every eligible worker, used for broadcast jobs
func (s *Selector) SelectAll(inv *Invocation, workers []*types.Worker) ([]*types.Worker, error) {
	candidates, err := Filter(inv, workers)
	if err != nil {
		recordFailure(err)
		return nil, err
	}
	return candidates, nil
}

func recordFailure(err error) {
	if nw, ok := err.(*types.NoEligibleWorkerError); ok {
		metrics.SelectionFailures.WithLabelValues(nw.Stage).Inc()
	}
}

// Factory hands out selectors. Strategies are shared per factory so state
// such as round robin counters persists across calls.
type Factory struct {
	mu         sync.Mutex
	stats      StatisticsProvider
	window     time.Duration
	strategies map[types.LoadBalanceType]Strategy
}

// NewFactory creates a factory. The statistics window defaults to 12h.
func NewFactory(stats StatisticsProvider, window time.Duration) *Factory {
	if window <= 0 {
		window = DefaultStatisticsWindow
	}
	return &Factory{
		stats:      stats,
		window:     window,
		strategies: make(map[types.LoadBalanceType]Strategy),
	}
}

// Selector returns the selector for a load balance type. An empty type
// selects ROUND_ROBIN.
func (f *Factory) Selector(lbType types.LoadBalanceType) (*Selector, error) {
	if lbType == "" {
		lbType = types.LoadBalanceRoundRobin
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	strategy, ok := f.strategies[lbType]
	if !ok {
		switch lbType {
		case types.LoadBalanceRandom:
			strategy = randomStrategy{}
		case types.LoadBalanceRoundRobin:
			strategy = newRoundRobinStrategy()
		case types.LoadBalanceAppoint:
			strategy = appointStrategy{}
		case types.LoadBalanceConsistentHash:
			strategy = consistentHashStrategy{}
		case types.LoadBalanceLeastFrequentlyUsed:
			strategy = newLFUStrategy(f.stats, f.window)
		case types.LoadBalanceLeastRecentlyUsed:
			strategy = newLRUStrategy(f.stats, f.window)
		default:
			return nil, &types.ConfigError{Field: "load balance type", Reason: "unknown value " + string(lbType)}
		}
		f.strategies[lbType] = strategy
	}
	return &Selector{lbType: lbType, strategy: strategy}, nil
}
