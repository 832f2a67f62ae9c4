package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/cuemby/flowjob/pkg/dag"
	"github.com/cuemby/flowjob/pkg/events"
	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/metrics"
	"github.com/cuemby/flowjob/pkg/types"
)

var (
	// ErrInstanceFinished is returned when a job is triggered on a plan
	// instance that already completed
	ErrInstanceFinished = errors.New("plan instance already finished")

	// ErrParentsUnfinished is returned when a job is triggered before all of
	// its parents succeeded
	ErrParentsUnfinished = errors.New("job parents have not all succeeded")

	// ErrJobStarted is returned when a triggered job is already running or
	// finished
	ErrJobStarted = errors.New("job already started")
)

// TriggerPlan fires the current version of a plan. A zero triggerAt means
// now. SCHEDULE triggers claim their instant so that each instant produces
// at most one plan instance; API triggers always produce a new instance.
func (e *Engine) TriggerPlan(ctx context.Context, planID string, triggerType types.TriggerType, triggerAt time.Time) (*types.PlanInstance, error) {
	switch triggerType {
	case types.TriggerTypeSchedule, types.TriggerTypeAPI:
	default:
		return nil, &types.ConfigError{Field: "trigger type", Reason: "a plan is triggered by SCHEDULE or API"}
	}
	if triggerAt.IsZero() {
		triggerAt = e.now()
	}
	return e.triggerPlan(ctx, planID, 0, triggerType, triggerAt)
}

// triggerPlan fires version of a plan, or its current version when version
// is zero
func (e *Engine) triggerPlan(ctx context.Context, planID string, version int, triggerType types.TriggerType, triggerAt time.Time) (*types.PlanInstance, error) {
	if !e.nodes.Owns(planID) {
		return nil, fmt.Errorf("plan %s: %w", planID, types.ErrNotOwner)
	}

	var plan types.Plan
	err := e.store.LockAndGetPlan(planID, func(p *types.Plan) (bool, error) {
		switch {
		case version != 0 && p.Version != version:
			return false, types.ErrStaleVersion
		case !p.Enabled:
			return false, types.ErrPlanDisabled
		}
		plan = *p
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to trigger plan %s: %w", planID, err)
	}

	if triggerType == types.TriggerTypeSchedule {
		claimed, err := e.store.UpdatePlanTrigger(planID, plan.Version, triggerAt)
		if err != nil {
			return nil, fmt.Errorf("failed to record trigger of plan %s: %w", planID, err)
		}
		if !claimed {
			return nil, fmt.Errorf("plan %s at %s: %w", planID, triggerAt.Format(time.RFC3339), types.ErrDuplicateTrigger)
		}
	}

	pi := &types.PlanInstance{
		ID:           e.newID(),
		PlanID:       plan.ID,
		PlanVersion:  plan.Version,
		ScheduleType: plan.Schedule.Type,
		TriggerType:  triggerType,
		Jobs:         plan.Jobs,
		Status:       types.PlanStatusScheduling,
		TriggerAt:    triggerAt,
		Attributes:   make(map[string]string),
	}
	if err := e.store.SavePlanInstance(pi); err != nil {
		return nil, fmt.Errorf("failed to save plan instance: %w", err)
	}

	metrics.PlanInstancesTotal.WithLabelValues(string(types.PlanStatusScheduling)).Inc()
	e.publish(events.EventPlanInstanceCreated, "plan instance created", map[string]string{
		"plan_id":          pi.PlanID,
		"plan_instance_id": pi.ID,
		"version":          strconv.Itoa(pi.PlanVersion),
		"trigger_type":     string(triggerType),
	})
	logger := log.WithPlanID(plan.ID)
	logger.Info().
		Str("plan_instance_id", pi.ID).
		Int("version", plan.Version).
		Time("trigger_at", triggerAt).
		Msg("Plan triggered")

	startAt := e.now()
	if _, err := e.store.PlanInstanceExecuting(pi.ID, startAt); err != nil {
		return pi, fmt.Errorf("failed to start plan instance %s: %w", pi.ID, err)
	}
	pi.Status = types.PlanStatusExecuting
	pi.StartAt = startAt
	metrics.PlanInstancesTotal.WithLabelValues(string(types.PlanStatusExecuting)).Inc()

	e.advance(ctx, pi.ID)
	return pi, nil
}

// TriggerJob starts a job of a running plan instance that waits for an
// external trigger. Every parent of the job must have succeeded.
func (e *Engine) TriggerJob(ctx context.Context, planInstanceID, jobID string) error {
	pi, err := e.store.GetPlanInstance(planInstanceID)
	if err != nil {
		return err
	}
	if pi.Status.IsCompleted() {
		return fmt.Errorf("plan instance %s: %w", pi.ID, ErrInstanceFinished)
	}
	if !e.nodes.Owns(pi.PlanID) {
		return fmt.Errorf("plan %s: %w", pi.PlanID, types.ErrNotOwner)
	}

	d, err := dag.New(pi.Jobs)
	if err != nil {
		return err
	}
	job, ok := d.Node(jobID)
	if !ok {
		return fmt.Errorf("job %s of plan instance %s: %w", jobID, pi.ID, types.ErrNotFound)
	}

	instances, err := e.jobInstancesByJob(pi.ID)
	if err != nil {
		return err
	}
	for _, parent := range d.Parents(jobID) {
		if ji := instances[parent.ID]; ji == nil || ji.Status != types.JobStatusSucceed {
			return fmt.Errorf("job %s waits for %s: %w", jobID, parent.ID, ErrParentsUnfinished)
		}
	}

	ji := instances[jobID]
	if ji == nil {
		if ji, err = e.createJobInstance(pi, job); err != nil {
			return err
		}
	}
	if ji.Status != types.JobStatusScheduling {
		return fmt.Errorf("job %s of plan instance %s: %w", jobID, pi.ID, ErrJobStarted)
	}

	logger := log.WithJobInstanceID(ji.ID)
	logger.Info().Str("job_id", jobID).Msg("Job triggered")
	e.runJob(ctx, job, ji)
	return nil
}

// nodeState is the position of a DAG node within one plan instance
type nodeState int

const (
	nodeWaiting nodeState = iota
	nodeReady
	nodeRunning
	nodeSucceeded
	nodeFailed
	nodeSkipped
)

// advance walks the DAG of a plan instance. Nodes whose parents all
// succeeded get their job instance, created at most once, and start unless
// they wait for an external trigger. Descendants of a failed node are
// skipped. A failed node marked terminateWithFail fails the instance at
// once. Any other failure only prunes its branch, and the instance succeeds
// once every node that can still run is terminal.
func (e *Engine) advance(ctx context.Context, planInstanceID string) {
	logger := log.WithComponent("lifecycle").With().Str("plan_instance_id", planInstanceID).Logger()

	pi, err := e.store.GetPlanInstance(planInstanceID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load plan instance")
		return
	}
	if pi.Status != types.PlanStatusExecuting {
		return
	}

	d, err := dag.New(pi.Jobs)
	if err != nil {
		logger.Error().Err(err).Msg("Plan instance holds an invalid DAG")
		e.completePlanInstance(pi, types.PlanStatusFailed)
		return
	}
	instances, err := e.jobInstancesByJob(pi.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list job instances")
		return
	}

	states := make(map[string]nodeState, d.Len())
	var ready []*types.WorkflowJobInfo
	resolved, terminate := true, false

	for _, job := range d.TopologicalOrder() {
		state := nodeReady
		if ji, ok := instances[job.ID]; ok {
			switch ji.Status {
			case types.JobStatusSucceed:
				state = nodeSucceeded
			case types.JobStatusFailed:
				state = nodeFailed
				terminate = terminate || job.TerminateWithFail
			default:
				state = nodeRunning
			}
		} else {
			for _, parent := range d.Parents(job.ID) {
				switch states[parent.ID] {
				case nodeFailed, nodeSkipped:
					state = nodeSkipped
				case nodeSucceeded:
				default:
					if state != nodeSkipped {
						state = nodeWaiting
					}
				}
			}
		}

		states[job.ID] = state
		switch state {
		case nodeReady:
			ready = append(ready, job)
			resolved = false
		case nodeWaiting, nodeRunning:
			resolved = false
		}
	}

	if terminate {
		e.completePlanInstance(pi, types.PlanStatusFailed)
		return
	}
	if resolved {
		e.completePlanInstance(pi, types.PlanStatusSucceed)
		return
	}

	for _, job := range ready {
		ji, err := e.createJobInstance(pi, job)
		if err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to create job instance")
			continue
		}
		if autoStart(job) && ji.Status == types.JobStatusScheduling {
			e.runJob(ctx, job, ji)
		}
	}
}

// autoStart reports whether a ready job starts without an external trigger
func autoStart(job *types.WorkflowJobInfo) bool {
	return job.TriggerType == types.TriggerTypeSchedule || job.TriggerType == types.TriggerTypePreFinish
}

// createJobInstance returns the job instance of job within pi, creating it
// when none exists yet
func (e *Engine) createJobInstance(pi *types.PlanInstance, job *types.WorkflowJobInfo) (*types.JobInstance, error) {
	attrs := make(map[string]string, len(job.Attributes)+len(pi.Attributes))
	maps.Copy(attrs, job.Attributes)
	maps.Copy(attrs, pi.Attributes)

	ji := &types.JobInstance{
		ID:             e.newID(),
		PlanID:         pi.PlanID,
		PlanVersion:    pi.PlanVersion,
		PlanInstanceID: pi.ID,
		JobID:          job.ID,
		Status:         types.JobStatusScheduling,
		TriggerAt:      e.now(),
		Attributes:     attrs,
	}
	created, err := e.store.CreateJobInstanceOnce(ji)
	if err != nil {
		return nil, fmt.Errorf("failed to create job instance of %s: %w", job.ID, err)
	}
	if !created {
		return e.store.FindJobInstance(pi.ID, job.ID)
	}

	metrics.JobInstancesTotal.WithLabelValues(string(types.JobStatusScheduling)).Inc()
	e.publish(events.EventJobInstanceCreated, "job instance created", map[string]string{
		"plan_instance_id": pi.ID,
		"job_instance_id":  ji.ID,
		"job_id":           job.ID,
	})
	return ji, nil
}

// completePlanInstance moves pi to its terminal status once
func (e *Engine) completePlanInstance(pi *types.PlanInstance, status types.PlanStatus) {
	now := e.now()
	var applied bool
	var err error
	if status == types.PlanStatusSucceed {
		applied, err = e.store.PlanInstanceSuccess(pi.ID, now)
	} else {
		applied, err = e.store.PlanInstanceFail(pi.ID, now)
	}
	if err != nil {
		logger := log.WithPlanID(pi.PlanID)
		logger.Error().Err(err).Str("plan_instance_id", pi.ID).Msg("Failed to complete plan instance")
		return
	}
	if !applied {
		return
	}
	e.planCompleted(pi, status, now)
}

func (e *Engine) jobInstancesByJob(planInstanceID string) (map[string]*types.JobInstance, error) {
	list, err := e.store.ListJobInstances(planInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job instances: %w", err)
	}
	instances := make(map[string]*types.JobInstance, len(list))
	for _, ji := range list {
		instances[ji.JobID] = ji
	}
	return instances, nil
}

// jobContext returns the plan instance of ji and the job it runs
func (e *Engine) jobContext(ji *types.JobInstance) (*types.PlanInstance, *types.WorkflowJobInfo, error) {
	pi, err := e.store.GetPlanInstance(ji.PlanInstanceID)
	if err != nil {
		return nil, nil, err
	}
	for _, job := range pi.Jobs {
		if job.ID == ji.JobID {
			return pi, job, nil
		}
	}
	return nil, nil, fmt.Errorf("job %s of plan instance %s: %w", ji.JobID, pi.ID, types.ErrNotFound)
}
