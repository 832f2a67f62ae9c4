/*
Package types defines the domain model shared by every flowjob package.

The package holds plain data and typed errors only. It imports nothing from
the rest of the module, so storage, lifecycle, rpc and the CLI can all
depend on it without cycles.

# Entity Model

	Plan (id, version)
	 │  ScheduleOption, TriggerType, Jobs []*WorkflowJobInfo (the DAG)
	 │
	 │ fires
	 ▼
	PlanInstance                    Jobs snapshot taken at trigger time
	 │
	 │ one per DAG node reached
	 ▼
	JobInstance                     RetryTimes, Context, ErrorMsg
	 │
	 │ fan-out by JobType
	 ▼
	Task ───────────────► Worker    WorkerID, WorkerURL set on dispatch

A Plan is versioned. Saving a changed plan stores a new version and every
instance records the version it fired from, so a running instance is never
affected by a later edit. PlanInstance.Jobs is a copy of the DAG at the
time of the firing.

WorkflowJobInfo implements the dag package's Node interface through NodeID
and NodeChildren.

# Status Machines

Plan instances and job instances share the same four states:

	SCHEDULING ──► EXECUTING ──► SUCCEED
	                   │
	                   └───────► FAILED

Tasks add a DISPATCHING step between scheduling and execution:

	SCHEDULING ──► DISPATCHING ──► EXECUTING ──► SUCCEED
	     │              │              │
	     └──────────────┴──────────────┴──────► FAILED

IsCompleted reports whether a status is terminal. The only way out of
FAILED is a retry, which moves a job instance and its failed tasks back to
SCHEDULING. Plan instances and SUCCEED records never change again. The
storage layer enforces this with compare-and-set transitions.

Workers are RUNNING while they heartbeat, FUSING once they report they are
shutting down and TERMINATED once their heartbeat times out. Only
RUNNING workers receive tasks.

# Job Types

	NORMAL        one STANDALONE task
	BROADCAST     one BROADCAST task per eligible worker
	MAP           one SHARDING task per shard
	MAP_REDUCE    one MAP task per shard, then one REDUCE task once every
	              map task has ended

A shards attribute fixes the shard count. Without it a MAP or MAP_REDUCE
job gets one shard per eligible worker.

# Trigger Types

SCHEDULE and API start plans. PRE_FINISH and OUTSIDE apply to jobs inside
a workflow: a PRE_FINISH job starts once all its parents have finished,
an OUTSIDE job waits for an explicit TriggerJob call.

# Schedule Types

	CRON          Cron in the UNIX (5 fields) or QUARTZ (6 or 7) dialect
	FIXED_RATE    Interval after the previous trigger, however long runs take
	FIXED_DELAY   Interval after the previous instance reported feedback
	ONCE          StartAt, then never again

The first trigger of FIXED_RATE and FIXED_DELAY plans is StartAt + Delay.

EndAt bounds every type. A zero EndAt means no end.

# Errors

Sentinel errors are compared with errors.Is:

  - ErrNotFound: a repository lookup missed
  - ErrPlanDisabled: a disabled plan was triggered
  - ErrStaleVersion: a firing refers to a superseded plan version
  - ErrNotOwner: the plan's slot belongs to another broker
  - ErrDuplicateTrigger: an instance already exists for the trigger instant

Structured errors carry context and are matched with errors.As:

	StructureError           malformed DAG (cycle, dangling child, no root)
	NoEligibleWorkerError    selection emptied out at Stage
	DispatchTransportError   RPC to a worker failed; unwraps to the cause
	DuplicateScheduleError   schedule id already armed
	RetryExhaustedError      job instance used its retry budget
	ConfigError              invalid plan or broker configuration

The Parse functions turn the names used in plan files and flags into typed
values. Most default an empty name to the common choice and return a
*ConfigError for anything unknown.
*/
package types
