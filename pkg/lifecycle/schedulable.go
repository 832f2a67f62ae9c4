package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/flowjob/pkg/calculator"
	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/scheduler"
	"github.com/cuemby/flowjob/pkg/types"
)

// planSchedulable fires one version of a plan. The plan snapshot is never
// mutated; the fired instant is passed to Run by the scheduler.
type planSchedulable struct {
	engine    *Engine
	plan      *types.Plan
	triggerAt time.Time
}

// recurringPlanSchedulable is re-armed by the scheduler after each firing
type recurringPlanSchedulable struct {
	*planSchedulable
}

// newPlanSchedulable wraps plan for the time wheel. Fixed delay plans are
// one-shot entries that the engine re-arms when the instance completes.
func newPlanSchedulable(e *Engine, plan *types.Plan, triggerAt time.Time) scheduler.Schedulable {
	ps := &planSchedulable{engine: e, plan: plan, triggerAt: triggerAt}
	if plan.Schedule.Type == types.ScheduleTypeFixedDelay {
		return ps
	}
	return recurringPlanSchedulable{ps}
}

func (s *planSchedulable) ScheduleID() string {
	return s.plan.ScheduleID()
}

func (s *planSchedulable) TriggerAt() time.Time {
	return s.triggerAt
}

func (s *planSchedulable) Run(ctx context.Context, triggerAt time.Time) {
	_, err := s.engine.triggerPlan(ctx, s.plan.ID, s.plan.Version, types.TriggerTypeSchedule, triggerAt)
	if err == nil {
		return
	}

	logger := log.WithPlanID(s.plan.ID)
	switch {
	case errors.Is(err, types.ErrStaleVersion), errors.Is(err, types.ErrPlanDisabled), errors.Is(err, types.ErrNotFound):
		// The plan moved on; this version must stop firing.
		s.engine.scheduler.Unschedule(s.ScheduleID())
		logger.Info().Err(err).Int("version", s.plan.Version).Msg("Stopped firing plan version")
	case errors.Is(err, types.ErrNotOwner):
		unlock := s.engine.planLocks.Lock(s.plan.ID)
		s.engine.disarm(s.plan.ID)
		unlock()
		logger.Info().Msg("Plan is owned by another broker")
	case errors.Is(err, types.ErrDuplicateTrigger):
		logger.Debug().Time("trigger_at", triggerAt).Msg("Trigger already handled")
	default:
		logger.Error().Err(err).Time("trigger_at", triggerAt).Msg("Failed to trigger plan")
	}
}

// Next computes the trigger after firedAt. Fixed rate plans that fell
// behind skip the missed instants instead of firing once per tick.
func (s recurringPlanSchedulable) Next(firedAt time.Time) (time.Time, bool) {
	now := s.engine.now()
	if now.Before(firedAt) {
		now = firedAt
	}

	opt := s.plan.Schedule
	next, ok := calculator.NextTrigger(opt, firedAt, time.Time{}, now)
	if !ok {
		return time.Time{}, false
	}
	if opt.Type == types.ScheduleTypeFixedRate && next.Before(now) {
		missed := now.Sub(next) / opt.Interval
		next = next.Add((missed + 1) * opt.Interval)
		if !opt.EndAt.IsZero() && next.After(opt.EndAt) {
			return time.Time{}, false
		}
	}
	return next, true
}

// retrySchedulable re-runs a job instance after its retry interval
type retrySchedulable struct {
	engine        *Engine
	jobInstanceID string
	attempt       int
	triggerAt     time.Time
}

func (r *retrySchedulable) ScheduleID() string {
	return fmt.Sprintf("retry:%s:%d", r.jobInstanceID, r.attempt)
}

func (r *retrySchedulable) TriggerAt() time.Time {
	return r.triggerAt
}

func (r *retrySchedulable) Run(ctx context.Context, _ time.Time) {
	logger := log.WithJobInstanceID(r.jobInstanceID)
	ji, err := r.engine.store.GetJobInstance(r.jobInstanceID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load job instance for retry")
		return
	}
	pi, job, err := r.engine.jobContext(ji)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load job for retry")
		return
	}
	if pi.Status.IsCompleted() {
		if _, err := r.engine.store.JobInstanceFail(ji.ID, r.engine.now(), "plan instance already finished"); err != nil {
			logger.Error().Err(err).Msg("Failed to close job instance")
		}
		return
	}
	logger.Info().Int("attempt", r.attempt).Msg("Retrying job instance")
	r.engine.runJob(ctx, job, ji)
}
