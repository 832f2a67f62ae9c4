/*
Package lifecycle drives plans from their schedule to the tasks running on
workers and back.

# Lifecycle

A plan fires into a plan instance. The instance walks the plan's DAG, and
every job whose parents all succeeded gets a job instance. A job instance
is split into tasks, the tasks are dispatched to workers, and the feedback
of the tasks settles the job instance:

	          arm                 fire                  advance
	Plan ───────────▶ time wheel ──────▶ PlanInstance ─────────▶ JobInstance
	  ▲                                      ▲                       │ split
	  │ re-arm (FIXED_DELAY)                 │ advance               ▼
	  └──────────── planCompleted ◀──────────┴──── settle ◀──── Task ⇄ worker

Every state change is a compare-and-set on the store. A transition that
does not apply means another goroutine or another broker got there first,
and the caller backs off.

# Core Components

Engine: owns the whole flow. It is built from a Config naming its
collaborators; the store, worker directory, worker RPC and scheduler are
required, the rest get defaults.

	engine, err := lifecycle.New(lifecycle.Config{
		Store:     store,
		Workers:   registry,
		RPC:       rpc.NewWorkerClient(5 * time.Second),
		Scheduler: sched,
		Nodes:     nodes,   // cluster.StaticDirectory{} when nil
		Events:    broker,  // a private events.Broker when nil
	})

PlanLoader: reconciles the time wheel with the store. It loads plans
updated since its last pass every interval, and every plan when slot
ownership changed.

TaskChecker: fails DISPATCHING and EXECUTING tasks whose worker is no
longer alive, once the task was dispatched more than one interval ago.

planSchedulable and retrySchedulable: the scheduler entries for plan
versions and job retries.

# Saving Plans

SavePlan validates a plan, builds its DAG and stores it as a new version.
The previous version is disarmed. The new one is armed when it is
enabled, triggered by SCHEDULE and owned by this broker.

A new version whose trigger type and schedule are unchanged keeps the
trigger history of the previous version, so it resumes where that version
stopped instead of starting from StartAt. A FIXED_DELAY version still
waiting for the feedback of its last instance starts afresh, because that
feedback is recorded against the old version.

EnablePlan and DisablePlan flip the enabled flag under the plan lock and
arm or disarm accordingly.

# Triggering

	TriggerPlan(ctx, id, SCHEDULE, at)   claims the instant, then fires
	TriggerPlan(ctx, id, API, zero)      fires now, always a new instance
	TriggerJob(ctx, instanceID, jobID)   starts an OUTSIDE job

A SCHEDULE trigger records the instant on the plan with
UpdatePlanTrigger. The claim only succeeds when the instant is later than
the last one recorded, so a firing racing with itself after a restart or
an ownership move produces one instance; the loser gets
types.ErrDuplicateTrigger.

Firings of a version that was superseded, disabled or deleted unschedule
themselves. A firing on a broker that lost the plan's slot disarms the
plan locally.

Recurring plans are re-armed by the scheduler. A FIXED_RATE plan that fell
behind skips the instants it missed rather than firing once per tick to
catch up. FIXED_DELAY plans are one-shot entries re-armed when their
instance completes.

# Job types

	NORMAL       one STANDALONE task
	BROADCAST    one task per eligible worker, each appointed to its worker
	MAP          "shards" SHARDING tasks, one per eligible worker by default
	MAP_REDUCE   "shards" MAP tasks, then one REDUCE task fed with their
	             results in shard order

A job instance is decided once all of its tasks are terminal. Any failed
task fails the run; the job is retried after its retry interval while it
has retries left, otherwise it fails.

# Retries

A run that failed with retries left moves the job instance back to
SCHEDULING with JobInstanceRetryReset and arms a retrySchedulable with id
retry:<job instance>:<attempt> at now + RetryInterval seconds. When it
fires, the failed tasks are reset and dispatched again. Tasks that
succeeded keep their result. A retry that fires after its plan instance
finished closes the job instance as failed instead.

# Dispatch Failures

A task that cannot be placed fails at once, and the failure goes through
the same settle path as a failure reported by a worker:

	no_worker      selection left no eligible worker
	store          the DISPATCHING transition could not be written
	transport      the worker could not be reached
	rejected       the worker answered false
	worker         the worker reported the task failed
	worker_lost    the TaskChecker found the worker gone

The reason labels flowjob_tasks_failed_total and travels with the
task.failed event. The task's error message holds the cause.

# Plan instance outcome

A failed job with terminateWithFail fails the plan instance at once. A
failed job without it skips its descendants and lets the other branches
run; once no node can move any more the plan instance succeeds, even when
every leaf was skipped or failed. The only job of a SINGLE plan always
terminates with fail.

	a ──► b ──► d          b fails, terminateWithFail false
	│           ▲          c succeeds
	└───► c ────┘          d is skipped, the instance SUCCEEDS

A completed instance records the plan's feedback time, which is what a
FIXED_DELAY plan computes its next trigger from.

# Ownership

Only the broker owning a plan's slot arms and fires it. PlanLoader keeps
the time wheel in line with the store and reloads everything when slot
ownership changes. TaskChecker fails tasks stuck on workers that stopped
heartbeating.

# Concurrency

Each plan and each job instance has its own mutex. Plan mutations and
arming hold the plan lock. Deciding a job instance holds its job lock, but
the follow-up work (dispatching, advancing the DAG) runs after the lock is
released so that sibling jobs can settle concurrently. The join of a
diamond relies on the store's create-once semantics rather than on a lock.

Feedback handlers detach from the caller's context with
context.WithoutCancel, so a worker hanging up does not abandon the
dispatch of the next jobs.

# Events

The engine publishes to the events broker:

	plan.saved  plan.enabled  plan.disabled
	plan_instance.created  plan_instance.succeeded  plan_instance.failed
	job_instance.created  job_instance.succeeded  job_instance.failed
	job_instance.retrying
	task.dispatched  task.failed

# Metrics

  - flowjob_plan_instances_total{status}
  - flowjob_job_instances_total{status}
  - flowjob_job_retries_total
  - flowjob_tasks_dispatched_total
  - flowjob_tasks_failed_total{reason}

# Troubleshooting

## An instance stays EXECUTING

Some node is still waiting:

  - a task sits on a worker that has not reported yet; the TaskChecker
    fails it once the worker is gone
  - a retry is armed on the time wheel
  - an OUTSIDE job waits for TriggerJob

## A plan fired twice for one instant

It cannot through SCHEDULE triggers. Check whether the second instance has
trigger type API.

## A workflow succeeded although a job failed

That job did not set terminateWithFail, so only its branch was pruned.
*/
package lifecycle
