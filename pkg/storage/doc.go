/*
Package storage provides BoltDB-backed persistence for flowjob's plans,
plan instances, job instances and tasks.

The storage package defines one repository interface per entity and
implements all of them with BoltStore. Records are serialized as JSON and
kept in one bucket per entity, with secondary index buckets for listing
children of a parent record.

# Bucket Layout

	plans                 plan ID                              → current Plan
	plan_versions         planID/0000000007                    → Plan at that version
	plan_instances        plan instance ID                     → PlanInstance
	plan_instance_index   planID/version/triggerNanos/instID   → instance ID
	job_instances         job instance ID                      → JobInstance
	job_instance_index    planInstanceID/jobID                 → job instance ID
	tasks                 task ID                              → Task
	task_index            jobInstanceID/taskID                 → task ID

Zero padded versions and trigger instants keep index keys in chronological
order, so LatestPlanInstance is the last key under a plan version prefix.

# Status Transitions

Every status change is a compare-and-set performed inside a single
db.Update transaction. The method checks the current status, applies the
change and reports whether it did:

	applied, err := store.JobInstanceSuccess(id, time.Now(), ctx)
	if err != nil {
		return err // storage failure or ErrNotFound
	}
	if !applied {
		return nil // another goroutine already moved the instance on
	}

BoltDB serializes writers, so two concurrent callers racing on the same
transition see exactly one applied result. The lifecycle engine relies on
this for fan-in joins: CreateJobInstanceOnce uses the job_instance_index
key as a uniqueness constraint so a child node is instantiated once no
matter how many parents finish at the same time.

The transitions and the states they accept:

	PlanInstanceExecuting     SCHEDULING              → EXECUTING
	PlanInstanceSuccess       EXECUTING               → SUCCEED
	PlanInstanceFail          any non-terminal        → FAILED
	JobInstanceExecuting      SCHEDULING              → EXECUTING
	JobInstanceSuccess        EXECUTING               → SUCCEED
	JobInstanceFail           any non-terminal        → FAILED
	JobInstanceRetryReset     EXECUTING or FAILED     → SCHEDULING
	TaskDispatching           SCHEDULING              → DISPATCHING
	TaskExecuting             DISPATCHING             → EXECUTING
	TaskSuccess               DISPATCHING, EXECUTING  → SUCCEED
	TaskFail                  any non-terminal        → FAILED
	TaskRetryReset            FAILED                  → SCHEDULING

JobInstanceRetryReset also takes the retry count the caller observed and
only applies while the stored count still matches, so two retries racing
for the same failure increment the count once. TaskRetryReset resets every
failed task of a job instance in one transaction and clears its worker,
error and timestamps.

# Plan Triggers

UpdatePlanTrigger and UpdatePlanFeedback record the last trigger and the
last feedback on the current plan record. Both name the plan version they
apply to and do nothing once the plan has moved to another version. A
trigger only applies when it is later than the recorded one, which makes
the stored LastTriggerAt the claim that stops two firings of the same
instant from both creating an instance. Feedback never moves backwards.

# Plan Locking

LockAndGetPlan runs a callback inside the write transaction holding the
current plan. The callback may mutate the plan and return true to persist
it. It must not call back into the store, since BoltDB allows only one
writer and a nested Update would block forever.

# Architecture

	┌─────────────────────── Store ───────────────────────┐
	│ PlanRepository          PlanInstanceRepository      │
	│ JobInstanceRepository   TaskRepository              │
	└──────────────────────────┬──────────────────────────┘
	                           │
	                           ▼
	┌────────────────────── BoltStore ────────────────────┐
	│ <dataDir>/flowjob.db                                │
	│                                                     │
	│ get / put          JSON encode and decode           │
	│ getOne             single record by id              │
	│ transition         read, check, write in one Update │
	│ forEachIndexed     walk an index prefix, load rows  │
	└─────────────────────────────────────────────────────┘

Store embeds the four repositories. Tests that need to fail one call
embed a real Store in a struct and override only that method:

	type brokenStore struct{ storage.Store }

	func (brokenStore) TaskDispatching(string, string, string, time.Time) (bool, error) {
		return false, errors.New("disk full")
	}

# Usage

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SavePlan(plan); err != nil {
		return err
	}
	created, err := store.CreateJobInstanceOnce(ji)

NewBoltStore creates every bucket on open. Opening waits at most one
second for the file lock, so a second broker pointed at the same data
directory fails fast instead of hanging.

# Performance Characteristics

BoltDB keeps one writer at a time and serves reads from memory mapped
pages without blocking writers. Every transition is a separate Update and
therefore an fsync. Listing children walks an index prefix with a cursor,
so its cost is proportional to the number of children, not to the bucket.

LoadUpdatedPlans and ListActiveTasks scan their whole bucket. They run
from the periodic plan loader, the task checker and the metrics
collector, never on the dispatch path.

Records are never deleted. Disk usage grows with the number of instances
and tasks; plan history is kept for every version.

# Errors

Lookups of missing records wrap types.ErrNotFound:

	if errors.Is(err, types.ErrNotFound) {
		...
	}

List operations return no records rather than ErrNotFound. Decoding
errors and bolt errors are returned as they are.

# Troubleshooting

"failed to open database: timeout" means another process holds the
database file. Only one broker may use a data directory.

The database can be inspected offline with the bbolt CLI while the broker
is stopped:

	bbolt buckets flowjob-data/flowjob.db
	bbolt keys flowjob-data/flowjob.db plan_instance_index

# See Also

  - pkg/lifecycle: the only writer of instances and tasks
  - pkg/types: the records stored here
*/
package storage
