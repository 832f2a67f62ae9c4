package selector

import (
	"regexp"

	"github.com/cuemby/flowjob/pkg/types"
)

// Filter stages, in the order they run
const (
	StageCapability = "capability"
	StageTags       = "tags"
	StageResources  = "resources"
	StageStrategy   = "strategy"
)

// Filter narrows workers down to the eligible candidates for an invocation.
// Stages run in order and stop at the first one that leaves nothing.
func Filter(inv *Invocation, workers []*types.Worker) ([]*types.Worker, error) {
	candidates := filterCapability(inv.ExecutorName, workers)
	if len(candidates) == 0 {
		return nil, &types.NoEligibleWorkerError{ExecutorName: inv.ExecutorName, Stage: StageCapability}
	}

	candidates, err := filterTags(inv.Dispatch.TagFilters, candidates)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &types.NoEligibleWorkerError{ExecutorName: inv.ExecutorName, Stage: StageTags}
	}

	candidates = filterResources(inv.Dispatch, candidates)
	if len(candidates) == 0 {
		return nil, &types.NoEligibleWorkerError{ExecutorName: inv.ExecutorName, Stage: StageResources}
	}
	return candidates, nil
}

// filterCapability keeps alive workers declaring the executor
func filterCapability(executorName string, workers []*types.Worker) []*types.Worker {
	if executorName == "" {
		return nil
	}
	var out []*types.Worker
	for _, w := range workers {
		if w.IsAlive() && w.HasExecutor(executorName) {
			out = append(out, w)
		}
	}
	return out
}

func filterTags(filters []types.TagFilter, workers []*types.Worker) ([]*types.Worker, error) {
	for _, f := range filters {
		match, err := tagPredicate(f)
		if err != nil {
			return nil, err
		}
		kept := workers[:0:0]
		for _, w := range workers {
			if match(w.Tags[f.Name]) {
				kept = append(kept, w)
			}
		}
		workers = kept
	}
	return workers, nil
}

func tagPredicate(f types.TagFilter) (func(values []string) bool, error) {
	switch f.Condition {
	case types.TagExists:
		return func(values []string) bool { return len(values) > 0 }, nil
	case types.TagNotExists:
		return func(values []string) bool { return len(values) == 0 }, nil
	case types.TagMustMatchValue:
		return func(values []string) bool { return contains(values, f.Value) }, nil
	case types.TagMustNotMatchValue:
		return func(values []string) bool { return !contains(values, f.Value) }, nil
	case types.TagMustMatchValueRegex:
		re, err := regexp.Compile(f.Value)
		if err != nil {
			return nil, &types.ConfigError{Field: "tag filter " + f.Name, Reason: err.Error()}
		}
		return func(values []string) bool {
			for _, v := range values {
				if re.MatchString(v) {
					return true
				}
			}
			return false
		}, nil
	default:
		return nil, &types.ConfigError{Field: "tag filter " + f.Name, Reason: "unknown condition " + string(f.Condition)}
	}
}

// filterResources keeps workers with a free queue slot and enough CPU and
// RAM. Requirements <= 0 are unconstrained.
func filterResources(opt types.DispatchOption, workers []*types.Worker) []*types.Worker {
	var out []*types.Worker
	for _, w := range workers {
		r := w.Resource
		if r.AvailableQueueLimit <= 0 {
			continue
		}
		if opt.CPURequirement > 0 && r.AvailableCPU < opt.CPURequirement {
			continue
		}
		if opt.RAMRequirement > 0 && r.AvailableRAM < opt.RAMRequirement {
			continue
		}
		out = append(out, w)
	}
	return out
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
