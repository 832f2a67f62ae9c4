package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"

	"github.com/cuemby/flowjob/pkg/events"
	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/metrics"
	"github.com/cuemby/flowjob/pkg/selector"
	"github.com/cuemby/flowjob/pkg/types"
)

// Task attributes set by the broker
const (
	AttrShardIndex = "shard.index"
	AttrShardTotal = "shard.total"
	// AttrMapResults carries the JSON encoded results of every MAP task
	// to the REDUCE task
	AttrMapResults = "reduce.mapResults"
)

// Task failure reasons recorded in metrics
const (
	reasonNoWorker   = "no_worker"
	reasonTransport  = "transport"
	reasonRejected   = "rejected"
	reasonWorker     = "worker"
	reasonWorkerLost = "worker_lost"
	reasonStore      = "store"
)

// runJob starts a SCHEDULING job instance. The first run splits the job
// into tasks; a retry re-dispatches the tasks that failed.
func (e *Engine) runJob(ctx context.Context, job *types.WorkflowJobInfo, ji *types.JobInstance) {
	logger := log.WithJobInstanceID(ji.ID)

	applied, err := e.store.JobInstanceExecuting(ji.ID, e.now())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start job instance")
		return
	}
	if !applied {
		logger.Debug().Msg("Job instance already started")
		return
	}
	metrics.JobInstancesTotal.WithLabelValues(string(types.JobStatusExecuting)).Inc()

	existing, err := e.store.ListTasks(ji.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list tasks")
		e.settle(ctx, ji.ID, err.Error())
		return
	}

	var tasks []*types.Task
	if len(existing) == 0 {
		tasks, err = e.splitJob(job, ji)
		if err == nil {
			err = e.store.SaveTasks(tasks)
		}
		if err != nil {
			logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to split job into tasks")
			e.settle(ctx, ji.ID, err.Error())
			return
		}
	} else {
		tasks, err = e.store.TaskRetryReset(ji.ID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to reset tasks")
			e.settle(ctx, ji.ID, err.Error())
			return
		}
		if len(tasks) == 0 {
			e.settle(ctx, ji.ID, "")
			return
		}
	}

	for _, task := range tasks {
		e.dispatchTask(ctx, ji.PlanID, job, task)
	}
}

// splitJob creates the tasks of a job instance according to the job type
func (e *Engine) splitJob(job *types.WorkflowJobInfo, ji *types.JobInstance) ([]*types.Task, error) {
	newTask := func(taskType types.TaskType, shard int, extra map[string]string) *types.Task {
		attrs := make(map[string]string, len(ji.Attributes)+len(extra))
		maps.Copy(attrs, ji.Attributes)
		maps.Copy(attrs, extra)
		return &types.Task{
			ID:             e.newID(),
			JobInstanceID:  ji.ID,
			PlanInstanceID: ji.PlanInstanceID,
			JobID:          job.ID,
			Type:           taskType,
			Status:         types.TaskStatusScheduling,
			ExecutorName:   job.ExecutorName,
			ShardIndex:     shard,
			Attributes:     attrs,
			CreatedAt:      e.now(),
		}
	}

	switch job.Type {
	case types.JobTypeBroadcast:
		workers, err := e.eligibleWorkers(ji, job)
		if err != nil {
			return nil, err
		}
		tasks := make([]*types.Task, 0, len(workers))
		for i, w := range workers {
			tasks = append(tasks, newTask(types.TaskTypeBroadcast, i, map[string]string{
				selector.ParamAppointWorkerID: w.ID,
			}))
		}
		return tasks, nil

	case types.JobTypeMap, types.JobTypeMapReduce:
		shards, err := shardCount(job)
		if err != nil {
			return nil, err
		}
		if shards == 0 {
			workers, err := e.eligibleWorkers(ji, job)
			if err != nil {
				return nil, err
			}
			shards = len(workers)
		}
		taskType := types.TaskTypeSharding
		if job.Type == types.JobTypeMapReduce {
			taskType = types.TaskTypeMap
		}
		tasks := make([]*types.Task, 0, shards)
		for i := range shards {
			tasks = append(tasks, newTask(taskType, i, map[string]string{
				AttrShardIndex: strconv.Itoa(i),
				AttrShardTotal: strconv.Itoa(shards),
			}))
		}
		return tasks, nil

	default:
		return []*types.Task{newTask(types.TaskTypeStandalone, 0, nil)}, nil
	}
}

func (e *Engine) eligibleWorkers(ji *types.JobInstance, job *types.WorkflowJobInfo) ([]*types.Worker, error) {
	sel, err := e.selectors.Selector(job.Dispatch.LoadBalanceType)
	if err != nil {
		return nil, err
	}
	return sel.SelectAll(invocation(ji.PlanID, job, ji.Attributes), e.workers.Workers())
}

// dispatchTask selects a worker for task and hands the task over. Any
// failure to place the task fails it.
func (e *Engine) dispatchTask(ctx context.Context, planID string, job *types.WorkflowJobInfo, task *types.Task) {
	logger := log.WithTaskID(task.ID)

	lbType := job.Dispatch.LoadBalanceType
	if task.Type == types.TaskTypeBroadcast {
		lbType = types.LoadBalanceAppoint
	}
	sel, err := e.selectors.Selector(lbType)
	if err != nil {
		e.failTask(ctx, task, reasonNoWorker, err)
		return
	}
	w, err := sel.Select(invocation(planID, job, task.Attributes), e.workers.Workers())
	if err != nil {
		e.failTask(ctx, task, reasonNoWorker, err)
		return
	}

	applied, err := e.store.TaskDispatching(task.ID, w.ID, w.URL, e.now())
	if err != nil {
		e.failTask(ctx, task, reasonStore, fmt.Errorf("failed to mark task dispatching: %w", err))
		return
	}
	if !applied {
		logger.Debug().Msg("Task is no longer schedulable")
		return
	}
	task.Status = types.TaskStatusDispatching
	task.WorkerID = w.ID
	task.WorkerURL = w.URL

	accepted, err := e.rpc.Dispatch(ctx, w, task)
	if err != nil {
		var transportErr *types.DispatchTransportError
		if !errors.As(err, &transportErr) {
			err = &types.DispatchTransportError{WorkerID: w.ID, Err: err}
		}
		e.failTask(ctx, task, reasonTransport, err)
		return
	}
	if !accepted {
		e.failTask(ctx, task, reasonRejected, fmt.Errorf("worker %s rejected the task", w.ID))
		return
	}

	e.stats.RecordDispatched(w.ID)
	metrics.TasksDispatched.Inc()
	e.publish(events.EventTaskDispatched, "task dispatched", map[string]string{
		"task_id":         task.ID,
		"job_instance_id": task.JobInstanceID,
		"worker_id":       w.ID,
	})
	logger.Debug().Str("worker_id", w.ID).Msg("Task dispatched")

	if _, err := e.store.TaskExecuting(task.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to mark task executing")
	}
}

// failTask records a task failure and settles its job instance once every
// task is done
func (e *Engine) failTask(ctx context.Context, task *types.Task, reason string, cause error) {
	logger := log.WithTaskID(task.ID)
	applied, err := e.store.TaskFail(task.ID, e.now(), cause.Error())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to mark task failed")
		return
	}
	if !applied {
		return
	}

	metrics.TasksFailed.WithLabelValues(reason).Inc()
	e.publish(events.EventTaskFailed, cause.Error(), map[string]string{
		"task_id":         task.ID,
		"job_instance_id": task.JobInstanceID,
		"reason":          reason,
	})
	logger.Warn().Err(cause).Str("reason", reason).Msg("Task failed")

	e.settle(ctx, task.JobInstanceID, "")
}

func invocation(planID string, job *types.WorkflowJobInfo, params map[string]string) *selector.Invocation {
	return &selector.Invocation{
		TargetID:     planID + "/" + job.ID,
		ExecutorName: job.ExecutorName,
		Dispatch:     job.Dispatch,
		Params:       params,
	}
}
