package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/flowjob/pkg/calculator"
	"github.com/cuemby/flowjob/pkg/cluster"
	"github.com/cuemby/flowjob/pkg/dag"
	"github.com/cuemby/flowjob/pkg/events"
	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/scheduler"
	"github.com/cuemby/flowjob/pkg/selector"
	"github.com/cuemby/flowjob/pkg/storage"
	"github.com/cuemby/flowjob/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AttrShards sets the number of shards of a MAP or MAP_REDUCE job. Without
// it the job gets one shard per eligible worker.
const AttrShards = "shards"

// WorkerDirectory provides the current worker fleet
type WorkerDirectory interface {
	Workers() []*types.Worker
}

// WorkerRPC sends a task to a worker. It reports whether the worker
// accepted the task.
type WorkerRPC interface {
	Dispatch(ctx context.Context, w *types.Worker, task *types.Task) (bool, error)
}

// Config holds the collaborators of an Engine
type Config struct {
	Store     storage.Store
	Workers   WorkerDirectory
	RPC       WorkerRPC
	Selectors *selector.Factory
	Stats     selector.StatisticsProvider
	Scheduler *scheduler.Scheduler
	Nodes     cluster.NodeDirectory
	Events    *events.Broker
}

// Engine drives plans through their lifecycle. A plan fires into a plan
// instance, the instance walks its DAG creating job instances, job
// instances fan out into tasks dispatched to workers, and task feedback
// moves the DAG forward, retries the job or ends the instance.
type Engine struct {
	store     storage.Store
	workers   WorkerDirectory
	rpc       WorkerRPC
	selectors *selector.Factory
	stats     selector.StatisticsProvider
	scheduler *scheduler.Scheduler
	nodes     cluster.NodeDirectory
	events    *events.Broker

	planLocks *keyedMutex
	jobLocks  *keyedMutex
	armed     sync.Map // plan id -> schedule id

	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates an engine
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("lifecycle: store is required")
	case cfg.Workers == nil:
		return nil, errors.New("lifecycle: worker directory is required")
	case cfg.RPC == nil:
		return nil, errors.New("lifecycle: worker rpc is required")
	case cfg.Scheduler == nil:
		return nil, errors.New("lifecycle: scheduler is required")
	}

	if cfg.Stats == nil {
		cfg.Stats = selector.NewStatisticsRepo(selector.DefaultStatisticsWindow)
	}
	if cfg.Selectors == nil {
		cfg.Selectors = selector.NewFactory(cfg.Stats, selector.DefaultStatisticsWindow)
	}
	if cfg.Nodes == nil {
		cfg.Nodes = cluster.StaticDirectory{}
	}
	if cfg.Events == nil {
		cfg.Events = events.NewBroker()
	}

	return &Engine{
		store:     cfg.Store,
		workers:   cfg.Workers,
		rpc:       cfg.RPC,
		selectors: cfg.Selectors,
		stats:     cfg.Stats,
		scheduler: cfg.Scheduler,
		nodes:     cfg.Nodes,
		events:    cfg.Events,
		planLocks: newKeyedMutex(),
		jobLocks:  newKeyedMutex(),
		logger:    log.WithComponent("lifecycle"),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}, nil
}

// SavePlan validates plan and stores it as a new version. The previous
// version stops firing and the new one is armed when it is enabled and
// owned by this broker. A new version with an unchanged schedule keeps the
// trigger history, so it resumes where the previous version stopped. The
// stored plan is returned.
func (e *Engine) SavePlan(ctx context.Context, plan *types.Plan) (*types.Plan, error) {
	if plan.ID == "" {
		return nil, &types.ConfigError{Field: "plan id", Reason: "required"}
	}
	if err := normalizePlan(plan); err != nil {
		return nil, err
	}

	unlock := e.planLocks.Lock(plan.ID)
	defer unlock()

	now := e.now()
	saved := *plan
	saved.Version = 1
	saved.CreatedAt = now
	saved.LastTriggerAt = time.Time{}
	saved.LastFeedbackAt = time.Time{}
	saved.UpdatedAt = now

	current, err := e.store.GetPlan(plan.ID)
	switch {
	case err == nil:
		saved.Version = current.Version + 1
		saved.CreatedAt = current.CreatedAt
		// A fixed delay version still waiting for feedback never hears from
		// its instance again, so the new version starts afresh
		waiting := current.Schedule.Type == types.ScheduleTypeFixedDelay && current.LastFeedbackAt.Before(current.LastTriggerAt)
		if saved.TriggerType == current.TriggerType && sameSchedule(saved.Schedule, current.Schedule) && !waiting {
			saved.LastTriggerAt = current.LastTriggerAt
			saved.LastFeedbackAt = current.LastFeedbackAt
		}
	case !errors.Is(err, types.ErrNotFound):
		return nil, fmt.Errorf("failed to load plan %s: %w", plan.ID, err)
	}

	if err := e.store.SavePlan(&saved); err != nil {
		return nil, fmt.Errorf("failed to save plan %s: %w", plan.ID, err)
	}

	logger := log.WithPlanID(saved.ID)
	logger.Info().Int("version", saved.Version).Msg("Plan saved")
	e.publish(events.EventPlanSaved, "plan saved", map[string]string{
		"plan_id": saved.ID,
		"version": strconv.Itoa(saved.Version),
	})

	e.arm(&saved)
	return &saved, nil
}

// EnablePlan enables a plan and arms it
func (e *Engine) EnablePlan(ctx context.Context, planID string) error {
	unlock := e.planLocks.Lock(planID)
	defer unlock()

	plan, err := e.setEnabled(planID, true)
	if err != nil {
		return err
	}
	e.publish(events.EventPlanEnabled, "plan enabled", map[string]string{"plan_id": planID})
	e.arm(plan)
	return nil
}

// DisablePlan disables a plan and removes it from the time wheel. Running
// plan instances are left to finish.
func (e *Engine) DisablePlan(ctx context.Context, planID string) error {
	unlock := e.planLocks.Lock(planID)
	defer unlock()

	if _, err := e.setEnabled(planID, false); err != nil {
		return err
	}
	e.publish(events.EventPlanDisabled, "plan disabled", map[string]string{"plan_id": planID})
	e.disarm(planID)
	return nil
}

// GetPlan returns the current version of a plan
func (e *Engine) GetPlan(planID string) (*types.Plan, error) {
	return e.store.GetPlan(planID)
}

// ArmedSchedules returns the number of entries on the time wheel
func (e *Engine) ArmedSchedules() int {
	return e.scheduler.Len()
}

// setEnabled must be called with the plan lock held
func (e *Engine) setEnabled(planID string, enabled bool) (*types.Plan, error) {
	var plan *types.Plan
	err := e.store.LockAndGetPlan(planID, func(p *types.Plan) (bool, error) {
		plan = p
		if p.Enabled == enabled {
			return false, nil
		}
		p.Enabled = enabled
		p.UpdatedAt = e.now()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// arm puts the plan's next trigger on the time wheel, replacing whatever
// version of the plan was armed before. It reports whether an entry was
// armed. Callers hold the plan lock.
func (e *Engine) arm(plan *types.Plan) bool {
	scheduleID := plan.ScheduleID()
	if prev, ok := e.armed.Load(plan.ID); ok && prev.(string) != scheduleID {
		e.scheduler.Unschedule(prev.(string))
	}

	if !plan.Enabled || plan.TriggerType != types.TriggerTypeSchedule || !e.nodes.Owns(plan.ID) {
		e.disarm(plan.ID)
		return false
	}

	// A fixed delay plan with an instance still running is re-armed when
	// that instance reports back.
	if plan.Schedule.Type == types.ScheduleTypeFixedDelay &&
		!plan.LastTriggerAt.IsZero() && plan.LastFeedbackAt.Before(plan.LastTriggerAt) {
		return false
	}

	triggerAt, ok := calculator.NextTrigger(plan.Schedule, plan.LastTriggerAt, plan.LastFeedbackAt, e.now())
	logger := log.WithPlanID(plan.ID)
	if !ok {
		logger.Debug().Int("version", plan.Version).Msg("Plan has no further trigger")
		return false
	}

	e.armed.Store(plan.ID, scheduleID)
	if !e.scheduler.Schedule(newPlanSchedulable(e, plan, triggerAt)) {
		return false
	}
	logger.Debug().
		Int("version", plan.Version).
		Time("trigger_at", triggerAt).
		Msg("Plan armed")
	return true
}

func (e *Engine) disarm(planID string) {
	if prev, ok := e.armed.LoadAndDelete(planID); ok {
		e.scheduler.Unschedule(prev.(string))
	}
}

func (e *Engine) publish(eventType events.EventType, msg string, metadata map[string]string) {
	e.events.Publish(events.NewEvent(eventType, msg, metadata))
}

func sameSchedule(a, b types.ScheduleOption) bool {
	return a.Type == b.Type &&
		a.StartAt.Equal(b.StartAt) &&
		a.EndAt.Equal(b.EndAt) &&
		a.Delay == b.Delay &&
		a.Interval == b.Interval &&
		a.Cron == b.Cron &&
		a.CronType == b.CronType
}

// normalizePlan fills defaults and rejects plans that can never run
func normalizePlan(plan *types.Plan) error {
	if plan.Type == "" {
		plan.Type = types.PlanTypeWorkflow
	}
	if plan.TriggerType == "" {
		plan.TriggerType = types.TriggerTypeSchedule
	}

	d, err := dag.New(plan.Jobs)
	if err != nil {
		return err
	}
	if plan.Type == types.PlanTypeSingle {
		if d.Len() != 1 {
			return &types.ConfigError{Field: "jobs", Reason: "a SINGLE plan has exactly one job"}
		}
		// The only job of a SINGLE plan decides the outcome of the instance
		plan.Jobs[0].TerminateWithFail = true
	}

	roots := make(map[string]bool)
	for _, root := range d.Roots() {
		roots[root.ID] = true
	}
	for _, job := range plan.Jobs {
		if job.ExecutorName == "" {
			return &types.ConfigError{Field: "job " + job.ID, Reason: "executor name is required"}
		}
		if job.Type == "" {
			job.Type = types.JobTypeNormal
		}
		if job.Dispatch.LoadBalanceType == "" {
			job.Dispatch.LoadBalanceType = types.LoadBalanceRoundRobin
		}
		if job.TriggerType == "" {
			job.TriggerType = types.TriggerTypePreFinish
			if roots[job.ID] {
				job.TriggerType = types.TriggerTypeSchedule
			}
		}
		if job.Retry.Retry < 0 || job.Retry.RetryInterval < 0 {
			return &types.ConfigError{Field: "job " + job.ID + " retry", Reason: "must not be negative"}
		}
		if job.Type == types.JobTypeMap || job.Type == types.JobTypeMapReduce {
			if _, err := shardCount(job); err != nil {
				return err
			}
		}
	}

	if plan.TriggerType == types.TriggerTypeSchedule {
		return calculator.Validate(plan.Schedule)
	}
	return nil
}

func shardCount(job *types.WorkflowJobInfo) (int, error) {
	raw, ok := job.Attributes[AttrShards]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &types.ConfigError{Field: "job " + job.ID + " shards", Reason: "must be a positive integer"}
	}
	return n, nil
}
