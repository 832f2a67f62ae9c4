/*
Package scheduler arms plans and retries on a hashed time wheel and runs
their firings on a bounded goroutine pool.

The scheduler knows nothing about plans. It holds Schedulables keyed by
their schedule id, fires each one at its trigger instant and, for
Recurring ones, arms the following instant. The lifecycle package decides
what a firing does.

# Architecture

	┌──────────────────────────── Scheduler ─────────────────────────────┐
	│                                                                     │
	│   Schedule(item)                           Unschedule(id)           │
	│        │                                         │                  │
	│        ▼                                         ▼                  │
	│   ┌─────────────────────────────────────────────────────────┐      │
	│   │ entries: sync.Map  schedule id → *entry                  │      │
	│   │          entry = {item, triggerAt, generation, timeout}  │      │
	│   └───────────────┬─────────────────────────────────────────┘      │
	│                   │ AfterFunc(triggerAt - now)                      │
	│                   ▼                                                 │
	│   ┌─────────────────────────────────────────────────────────┐      │
	│   │ wheel.Wheel (tick 100ms, 512 buckets)                    │      │
	│   │   one goroutine advances the cursor each tick            │      │
	│   └───────────────┬─────────────────────────────────────────┘      │
	│                   │ fire(id, entry)   runs on the tick goroutine    │
	│                   ▼                                                 │
	│   ┌─────────────────────────────────────────────────────────┐      │
	│   │ 1. entry still current?   CompareAndSwap / Delete        │      │
	│   │ 2. Recurring: install next entry, arm it                 │      │
	│   │ 3. pool.Submit(item.Run(ctx, triggerAt))                 │      │
	│   └───────────────┬─────────────────────────────────────────┘      │
	│                   ▼                                                 │
	│   ┌─────────────────────────────────────────────────────────┐      │
	│   │ ants.Pool (64 goroutines, non-blocking)                  │      │
	│   └─────────────────────────────────────────────────────────┘      │
	└─────────────────────────────────────────────────────────────────────┘

# Core Components

Schedulable: anything with a schedule id, a first trigger instant and a
Run method. The instant that fired is passed to Run so that the item itself
never changes between firings.

Recurring: a Schedulable with Next. After each firing the scheduler asks
for the following instant and re-arms the item under the same id, or drops
it when Next returns false.

Scheduler: the armed table, the wheel and the pool.

	sched, err := scheduler.New(scheduler.Config{
		Tick:     100 * time.Millisecond,
		Slots:    512,
		PoolSize: 64,
	})
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	sched.Schedule(item)            // false if item.ScheduleID() is armed
	sched.IsScheduling("nightly:3") // O(1)
	sched.Unschedule("nightly:3")   // idempotent

# Generations

Every call that arms an id installs a fresh entry carrying a generation
number taken from the scheduler's counter. The wheel callback captures the entry
it was created for, and fire only proceeds when the table still maps the id
to that exact entry:

	arm(id, e1)            table: id → e1, wheel holds callback(e1)
	Unschedule(id)         table: (empty)
	Schedule(item)         table: id → e2, wheel holds callback(e2)
	callback(e1) fires     table holds e2, not e1 → skipped
	callback(e2) fires     table holds e2         → runs

Re-arming a recurring entry swaps e for its successor with
CompareAndSwap, so a concurrent Unschedule either wins (the successor is
never installed) or loses (the successor is armed and Unschedule removes
it). Either way an id runs at most once per armed instant.

# Duplicate Schedules

Schedule uses LoadOrStore. A second Schedule for an id that is already
armed is a no-op: it returns false, logs a DuplicateScheduleError at debug
and increments flowjob_schedules_duplicate_total. Callers that want to
replace an entry unschedule it first. Plan schedule ids embed the plan
version ("nightly:3"), so a new plan version never collides with the old
one.

# Worker Pool

The wheel's tick goroutine only decides whether to fire. The firing itself
is submitted to an ants pool created with WithNonblocking(true). When all
pool goroutines are busy, Submit fails with ants.ErrPoolOverload and that
firing is dropped:

  - flowjob_schedules_rejected_total is incremented
  - a warning with the schedule id, generation and trigger instant is logged
  - a recurring item was already re-armed, so its next instant still fires

Panics inside Run are recovered by the pool's panic handler and logged at
error level.

# Timing

Firing precision is bounded by the tick. An item armed for T fires during
the first tick at or after T, so the lag is below one tick under normal
load. flowjob_schedule_fire_lag_seconds records the observed lag of every
firing. Instants in the past are armed with a zero delay and fire on the
next tick.

Stop halts the wheel, cancels the context handed to every Run and releases
the pool. Firings already running see ctx.Done() and are expected to
return promptly.

# Metrics

  - flowjob_schedules_fired_total: firings submitted to the pool
  - flowjob_schedules_duplicate_total: Schedule calls for armed ids
  - flowjob_schedules_rejected_total: firings dropped by a full pool
  - flowjob_schedule_fire_lag_seconds: trigger instant to fire delay

flowjob_schedules_armed is reported by the broker's collector from the
lifecycle engine, which knows which entries are plans.

# Troubleshooting

## A plan never fires

 1. Check that the plan is enabled and triggered by SCHEDULE
 2. Check that this broker owns the plan's slot (flowjob_cluster_owned_slots)
 3. Look for "Plan has no further trigger" at debug level; an EndAt in the
    past or a ONCE plan that already fired arm nothing

## Firings are dropped

flowjob_schedules_rejected_total grows when more firings are due at once
than the pool has goroutines. Raise scheduler.poolSize, or look for Run
implementations blocking on slow worker RPCs.

## Fire lag grows

A lag well above the tick means the tick goroutine is starved. Wheel
callbacks must stay cheap; anything that touches storage or the network
belongs in Run.

# See Also

  - pkg/wheel: the timing wheel
  - pkg/lifecycle: plan and retry schedulables
  - pkg/calculator: the instants recurring plans fire at
*/
package scheduler
