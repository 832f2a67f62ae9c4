package storage

import (
	"time"

	"github.com/cuemby/flowjob/pkg/types"
)

// Store defines the interface for broker state storage.
// Status transitions are compare-and-set: they report whether the
// transition applied and never overwrite a record that moved on.
type Store interface {
	PlanRepository
	PlanInstanceRepository
	JobInstanceRepository
	TaskRepository

	// Close releases the underlying database
	Close() error
}

// PlanRepository stores plans and their version history
type PlanRepository interface {
	SavePlan(plan *types.Plan) error
	GetPlan(id string) (*types.Plan, error)
	GetPlanByVersion(id string, version int) (*types.Plan, error)
	// LoadUpdatedPlans returns current plans updated strictly after since
	LoadUpdatedPlans(since time.Time) ([]*types.Plan, error)
	// LockAndGetPlan runs fn with exclusive access to the current plan.
	// The plan is persisted when fn returns true. fn must not call the store.
	LockAndGetPlan(id string, fn func(plan *types.Plan) (bool, error)) error
	// UpdatePlanTrigger records a trigger of the given version. It applies
	// only when triggerAt is after the last recorded trigger, so each
	// instant is claimed once.
	UpdatePlanTrigger(id string, version int, triggerAt time.Time) (bool, error)
	// UpdatePlanFeedback applies to the given version only and never moves
	// the feedback time backwards
	UpdatePlanFeedback(id string, version int, feedbackAt time.Time) (bool, error)
}

// PlanInstanceRepository stores plan instances
type PlanInstanceRepository interface {
	SavePlanInstance(pi *types.PlanInstance) error
	GetPlanInstance(id string) (*types.PlanInstance, error)
	ListPlanInstances(planID string) ([]*types.PlanInstance, error)
	// LatestPlanInstance returns the instance with the latest trigger time
	LatestPlanInstance(planID string, version int) (*types.PlanInstance, error)
	MergePlanInstanceAttributes(id string, attrs map[string]string) error
	PlanInstanceExecuting(id string, startAt time.Time) (bool, error)
	PlanInstanceSuccess(id string, feedbackAt time.Time) (bool, error)
	PlanInstanceFail(id string, feedbackAt time.Time) (bool, error)
}

// JobInstanceRepository stores job instances. At most one job instance
// exists per plan instance and job.
type JobInstanceRepository interface {
	// CreateJobInstanceOnce stores ji unless the plan instance already has
	// an instance of the same job. It reports whether ji was created.
	CreateJobInstanceOnce(ji *types.JobInstance) (bool, error)
	GetJobInstance(id string) (*types.JobInstance, error)
	FindJobInstance(planInstanceID, jobID string) (*types.JobInstance, error)
	ListJobInstances(planInstanceID string) ([]*types.JobInstance, error)
	JobInstanceExecuting(id string, startAt time.Time) (bool, error)
	JobInstanceSuccess(id string, endAt time.Time, context map[string]string) (bool, error)
	JobInstanceFail(id string, endAt time.Time, errMsg string) (bool, error)
	// JobInstanceRetryReset moves an EXECUTING or FAILED instance back to
	// SCHEDULING when its retry count still equals retryTimes, incrementing it.
	JobInstanceRetryReset(id string, retryTimes int, triggerAt time.Time) (bool, error)
}

// TaskRepository stores tasks
type TaskRepository interface {
	SaveTasks(tasks []*types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks(jobInstanceID string) ([]*types.Task, error)
	// ListActiveTasks returns tasks that are not yet terminal
	ListActiveTasks() ([]*types.Task, error)
	TaskDispatching(id, workerID, workerURL string, at time.Time) (bool, error)
	TaskExecuting(id string) (bool, error)
	TaskSuccess(id string, at time.Time, result map[string]string) (bool, error)
	TaskFail(id string, at time.Time, errMsg string) (bool, error)
	// TaskRetryReset moves the FAILED tasks of a job instance back to
	// SCHEDULING and returns them
	TaskRetryReset(jobInstanceID string) ([]*types.Task, error)
}
