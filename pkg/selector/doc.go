/*
Package selector picks the worker a task is dispatched to.

Selection is a two step pipeline. A fixed chain of filters narrows the
registered workers down to the ones able to run the task, then a load
balancing strategy picks one of them. Broadcast jobs skip the strategy and
take every eligible worker.

# Architecture

	   registry.Workers()
	          │
	          ▼
	┌───────────────────┐   nothing left
	│ capability filter │ ──────────────► NoEligibleWorkerError{Stage: "capability"}
	│ RUNNING and has   │
	│ the executor      │
	└─────────┬─────────┘
	          ▼
	┌───────────────────┐   nothing left
	│ tag filters       │ ──────────────► NoEligibleWorkerError{Stage: "tags"}
	│ applied in order  │
	└─────────┬─────────┘
	          ▼
	┌───────────────────┐   nothing left
	│ resource filter   │ ──────────────► NoEligibleWorkerError{Stage: "resources"}
	│ queue, CPU, RAM   │
	└─────────┬─────────┘
	          │ candidates (never empty)
	          ├──────────────────────────► SelectAll (broadcast)
	          ▼
	┌───────────────────┐   no pick
	│ strategy.Pick     │ ──────────────► NoEligibleWorkerError{Stage: "strategy"}
	└─────────┬─────────┘
	          ▼
	       *types.Worker

# Filters

Capability keeps workers whose status is RUNNING and whose executor list
contains the job's executor name. FUSING and TERMINATED workers never
receive tasks.

Tag filters come from the job's dispatch option. Each filter names a tag
and a condition, and a worker's tag may carry several values:

	EXISTS                      the tag has at least one value
	NOT_EXISTS                  the tag is absent or empty
	MUST_MATCH_VALUE            one of the values equals Value
	MUST_NOT_MATCH_VALUE        no value equals Value
	MUST_MATCH_VALUE_REGEX      one of the values matches the Value regexp

An invalid regexp or an unknown condition is a *types.ConfigError, not an
empty result.

The resource filter drops workers with no free queue slot. CPU and RAM
requirements only apply when they are positive.

# Strategies

	RANDOM                  uniform pick
	ROUND_ROBIN             per-job counter walking the candidate list
	APPOINT                 the candidate named by appoint.workerId or
	                        appoint.workerUrl
	CONSISTENT_HASH         md5 ring with 160 virtual nodes per worker
	LEAST_FREQUENTLY_USED   fewest dispatches within the statistics window
	LEAST_RECENTLY_USED     oldest last dispatch, never dispatched first

An empty load balance type selects ROUND_ROBIN. APPOINT without either
parameter returns ErrNoAppointment. CONSISTENT_HASH hashes the job id
unless consistentHash.hashParamName names another invocation parameter,
in which case that parameter's value is the key.

Ties in the statistics strategies are broken by worker id, so the pick is
deterministic for a given set of records.

# Usage

	stats := selector.NewStatisticsRepo(12 * time.Hour)
	factory := selector.NewFactory(stats, 12*time.Hour)

	sel, err := factory.Selector(types.LoadBalanceLeastRecentlyUsed)
	if err != nil {
		return err
	}
	w, err := sel.Select(&selector.Invocation{
		TargetID:     job.ID,
		ExecutorName: job.ExecutorName,
		Dispatch:     job.Dispatch,
	}, registry.Workers())
	if err != nil {
		var nw *types.NoEligibleWorkerError
		if errors.As(err, &nw) {
			// nw.Stage names the filter that emptied the list
		}
		return err
	}
	stats.RecordDispatched(w.ID)

The factory caches one strategy per type, so round robin counters survive
across calls. Selectors themselves are cheap values.

# Dispatch Statistics

StatisticsRepo keeps an in-memory, append-only log of dispatches in time
order. Each RecordDispatched drops at most ten expired records from the
head, so the cost of a write stays flat. List walks the log backwards from
the newest record and stops at the window boundary.

The repo is local to a broker. In raft mode each broker balances by its
own dispatches, which is enough because a plan is only dispatched by the
broker owning its slot.

# Integration Points

The lifecycle engine is the only caller:

  - dispatchTask selects with the job's type, or APPOINT for a broadcast
    task that already names its worker
  - eligibleWorkers calls SelectAll to fan a broadcast job out
  - a successful hand-over calls RecordDispatched

# Metrics

  - flowjob_selection_duration_seconds{strategy}: filter plus strategy time
  - flowjob_selection_failures_total{stage}: selections that left nothing
  - flowjob_selection_picks_total{strategy}: successful picks

# Troubleshooting

A task failing with "no eligible worker" carries the stage in its error.
The stage label on flowjob_selection_failures_total shows which filter is
rejecting workers across the cluster:

  - capability: no RUNNING worker declares the executor; check the
    worker's registration and heartbeat
  - tags: the job's tag filters exclude every worker
  - resources: every worker's queue is full, or CPU and RAM requirements
    exceed what workers report
  - strategy: APPOINT named a worker that was filtered out
*/
package selector
