package lifecycle

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/cuemby/flowjob/pkg/events"
	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/metrics"
	"github.com/cuemby/flowjob/pkg/types"
)

// HandleTaskSuccess records the result of a task reported by its worker.
// Feedback for a task that already finished is ignored.
func (e *Engine) HandleTaskSuccess(ctx context.Context, taskID string, result map[string]string) error {
	ctx = context.WithoutCancel(ctx)

	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	applied, err := e.store.TaskSuccess(task.ID, e.now(), result)
	if err != nil {
		return fmt.Errorf("failed to record task success: %w", err)
	}
	if !applied {
		logger := log.WithTaskID(task.ID)
		logger.Debug().Str("status", string(task.Status)).Msg("Ignored late task success")
		return nil
	}

	e.settle(ctx, task.JobInstanceID, "")
	return nil
}

// HandleTaskFail records a task failure reported by its worker
func (e *Engine) HandleTaskFail(ctx context.Context, taskID, errMsg string) error {
	ctx = context.WithoutCancel(ctx)

	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if errMsg == "" {
		errMsg = "task failed on worker"
	}
	e.failTask(ctx, task, reasonWorker, errors.New(errMsg))
	return nil
}

type outcomeKind int

const (
	outcomePending outcomeKind = iota
	outcomeReduce
	outcomeRetry
	outcomeFailed
	outcomeSucceeded
)

// outcome is the decision taken for a job instance under its lock and
// carried out after the lock is released
type outcome struct {
	kind    outcomeKind
	ji      *types.JobInstance
	pi      *types.PlanInstance
	job     *types.WorkflowJobInfo
	reduce  *types.Task
	retryAt time.Time
	cause   string
	context map[string]string
}

// settle decides what happens to a job instance once its tasks are done. A
// non-empty cause fails the current run without looking at the tasks.
func (e *Engine) settle(ctx context.Context, jobInstanceID, cause string) {
	logger := log.WithJobInstanceID(jobInstanceID)
	unlock := e.jobLocks.Lock(jobInstanceID)
	out, err := e.decide(jobInstanceID, cause)
	unlock()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to settle job instance")
		return
	}

	switch out.kind {
	case outcomeReduce:
		logger.Info().Msg("Map tasks finished, dispatching reduce")
		e.dispatchTask(ctx, out.ji.PlanID, out.job, out.reduce)

	case outcomeRetry:
		attempt := out.ji.RetryTimes + 1
		metrics.JobRetries.Inc()
		e.publish(events.EventJobInstanceRetrying, out.cause, map[string]string{
			"job_instance_id": out.ji.ID,
			"attempt":         strconv.Itoa(attempt),
		})
		logger.Warn().Int("attempt", attempt).Time("retry_at", out.retryAt).Str("cause", out.cause).Msg("Job instance will retry")
		r := &retrySchedulable{engine: e, jobInstanceID: out.ji.ID, attempt: attempt, triggerAt: out.retryAt}
		if !e.scheduler.Schedule(r) {
			logger.Warn().Int("attempt", attempt).Msg("Retry already armed")
		}

	case outcomeFailed:
		metrics.JobInstancesTotal.WithLabelValues(string(types.JobStatusFailed)).Inc()
		e.publish(events.EventJobInstanceFailed, out.cause, map[string]string{
			"plan_instance_id": out.pi.ID,
			"job_instance_id":  out.ji.ID,
			"job_id":           out.job.ID,
		})
		logger.Error().
			Err(&types.RetryExhaustedError{JobInstanceID: out.ji.ID, Retries: out.ji.RetryTimes, Cause: out.cause}).
			Bool("terminate", out.job.TerminateWithFail).
			Msg("Job instance failed")
		e.advance(ctx, out.pi.ID)

	case outcomeSucceeded:
		metrics.JobInstancesTotal.WithLabelValues(string(types.JobStatusSucceed)).Inc()
		e.publish(events.EventJobInstanceSucceeded, "job instance succeeded", map[string]string{
			"plan_instance_id": out.pi.ID,
			"job_instance_id":  out.ji.ID,
			"job_id":           out.job.ID,
		})
		logger.Info().Str("job_id", out.job.ID).Msg("Job instance succeeded")
		if err := e.store.MergePlanInstanceAttributes(out.pi.ID, out.context); err != nil {
			logger.Error().Err(err).Msg("Failed to merge job context into plan instance")
		}
		e.advance(ctx, out.pi.ID)
	}
}

// decide runs with the job instance lock held
func (e *Engine) decide(jobInstanceID, cause string) (outcome, error) {
	ji, err := e.store.GetJobInstance(jobInstanceID)
	if err != nil {
		return outcome{}, err
	}
	if ji.Status != types.JobStatusExecuting {
		return outcome{}, nil
	}
	pi, job, err := e.jobContext(ji)
	if err != nil {
		return outcome{}, err
	}
	out := outcome{ji: ji, pi: pi, job: job, cause: cause}
	now := e.now()

	if cause == "" {
		tasks, err := e.store.ListTasks(ji.ID)
		if err != nil {
			return outcome{}, fmt.Errorf("failed to list tasks: %w", err)
		}
		slices.SortFunc(tasks, compareTasks)

		var reduce *types.Task
		failed := false
		for _, task := range tasks {
			if !task.Status.IsCompleted() {
				return outcome{}, nil
			}
			if task.Status == types.TaskStatusFailed && !failed {
				failed = true
				out.cause = task.ErrorMsg
			}
			if task.Type == types.TaskTypeReduce {
				reduce = task
			}
		}

		if !failed {
			if job.Type == types.JobTypeMapReduce && reduce == nil {
				out.reduce, err = e.newReduceTask(ji, job, tasks)
				if err != nil {
					return outcome{}, err
				}
				out.kind = outcomeReduce
				return out, nil
			}

			out.context = mergeResults(tasks, reduce)
			applied, err := e.store.JobInstanceSuccess(ji.ID, now, out.context)
			if err != nil {
				return outcome{}, fmt.Errorf("failed to complete job instance: %w", err)
			}
			if applied {
				out.kind = outcomeSucceeded
			}
			return out, nil
		}
		if out.cause == "" {
			out.cause = "task failed"
		}
	}

	if ji.RetryTimes < job.Retry.Retry && !pi.Status.IsCompleted() {
		out.retryAt = now.Add(time.Duration(job.Retry.RetryInterval) * time.Second)
		applied, err := e.store.JobInstanceRetryReset(ji.ID, ji.RetryTimes, out.retryAt)
		if err != nil {
			return outcome{}, fmt.Errorf("failed to reset job instance: %w", err)
		}
		if applied {
			out.kind = outcomeRetry
		}
		return out, nil
	}

	applied, err := e.store.JobInstanceFail(ji.ID, now, out.cause)
	if err != nil {
		return outcome{}, fmt.Errorf("failed to fail job instance: %w", err)
	}
	if applied {
		out.kind = outcomeFailed
	}
	return out, nil
}

// newReduceTask stores the REDUCE task of a MAP_REDUCE job instance. Its
// attributes carry the results of the map tasks ordered by shard.
func (e *Engine) newReduceTask(ji *types.JobInstance, job *types.WorkflowJobInfo, mapTasks []*types.Task) (*types.Task, error) {
	results := make([]map[string]string, 0, len(mapTasks))
	for _, task := range mapTasks {
		results = append(results, task.Result)
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode map results: %w", err)
	}

	attrs := make(map[string]string, len(ji.Attributes)+1)
	maps.Copy(attrs, ji.Attributes)
	attrs[AttrMapResults] = string(encoded)

	task := &types.Task{
		ID:             e.newID(),
		JobInstanceID:  ji.ID,
		PlanInstanceID: ji.PlanInstanceID,
		JobID:          job.ID,
		Type:           types.TaskTypeReduce,
		Status:         types.TaskStatusScheduling,
		ExecutorName:   job.ExecutorName,
		Attributes:     attrs,
		CreatedAt:      e.now(),
	}
	if err := e.store.SaveTasks([]*types.Task{task}); err != nil {
		return nil, fmt.Errorf("failed to save reduce task: %w", err)
	}
	return task, nil
}

// mergeResults builds the context a job hands to its plan instance. A
// reduce result stands for the whole job; otherwise task results are merged
// in shard order.
func mergeResults(tasks []*types.Task, reduce *types.Task) map[string]string {
	if reduce != nil {
		return maps.Clone(reduce.Result)
	}
	merged := make(map[string]string)
	for _, task := range tasks {
		maps.Copy(merged, task.Result)
	}
	return merged
}

func compareTasks(a, b *types.Task) int {
	if ra, rb := a.Type == types.TaskTypeReduce, b.Type == types.TaskTypeReduce; ra != rb {
		if ra {
			return 1
		}
		return -1
	}
	return cmp.Or(cmp.Compare(a.ShardIndex, b.ShardIndex), cmp.Compare(a.ID, b.ID))
}

// planCompleted runs once per plan instance after its terminal transition
func (e *Engine) planCompleted(pi *types.PlanInstance, status types.PlanStatus, at time.Time) {
	metrics.PlanInstancesTotal.WithLabelValues(string(status)).Inc()

	eventType := events.EventPlanInstanceSucceeded
	if status == types.PlanStatusFailed {
		eventType = events.EventPlanInstanceFailed
	}
	e.publish(eventType, "plan instance "+string(status), map[string]string{
		"plan_id":          pi.PlanID,
		"plan_instance_id": pi.ID,
	})

	logger := log.WithPlanID(pi.PlanID)
	logger.Info().Str("plan_instance_id", pi.ID).Str("status", string(status)).Msg("Plan instance completed")

	if _, err := e.store.UpdatePlanFeedback(pi.PlanID, pi.PlanVersion, at); err != nil {
		logger.Error().Err(err).Msg("Failed to record plan feedback")
		return
	}

	if pi.ScheduleType != types.ScheduleTypeFixedDelay || pi.TriggerType != types.TriggerTypeSchedule {
		return
	}
	unlock := e.planLocks.Lock(pi.PlanID)
	defer unlock()

	plan, err := e.store.GetPlan(pi.PlanID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reload plan for re-arming")
		return
	}
	if plan.Version == pi.PlanVersion {
		e.arm(plan)
	}
}
