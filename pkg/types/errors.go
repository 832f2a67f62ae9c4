package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when an entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrPlanDisabled is returned when triggering a disabled plan
	ErrPlanDisabled = errors.New("plan is disabled")

	// ErrStaleVersion is returned when a trigger refers to a superseded plan version
	ErrStaleVersion = errors.New("plan version changed")

	// ErrNotOwner is returned when this broker does not own the plan's slot
	ErrNotOwner = errors.New("plan is not owned by this broker")

	// ErrDuplicateTrigger is returned when a plan instance already exists for a trigger instant
	ErrDuplicateTrigger = errors.New("duplicate plan trigger")
)

// StructureError reports a malformed DAG
type StructureError struct {
	Reason string
	NodeID string
}

func (e *StructureError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("invalid dag: %s", e.Reason)
	}
	return fmt.Sprintf("invalid dag: node %s: %s", e.NodeID, e.Reason)
}

// NoEligibleWorkerError reports that worker selection emptied out
type NoEligibleWorkerError struct {
	ExecutorName string
	Stage        string
}

func (e *NoEligibleWorkerError) Error() string {
	return fmt.Sprintf("no eligible worker for executor %q after %s filter", e.ExecutorName, e.Stage)
}

// DispatchTransportError reports a failed RPC to a worker
type DispatchTransportError struct {
	WorkerID string
	Err      error
}

func (e *DispatchTransportError) Error() string {
	return fmt.Sprintf("dispatch to worker %s failed: %v", e.WorkerID, e.Err)
}

func (e *DispatchTransportError) Unwrap() error {
	return e.Err
}

// DuplicateScheduleError reports an id that is already armed on the time wheel
type DuplicateScheduleError struct {
	ScheduleID string
}

func (e *DuplicateScheduleError) Error() string {
	return fmt.Sprintf("schedule %s is already armed", e.ScheduleID)
}

// RetryExhaustedError reports a job instance that used its whole retry budget
type RetryExhaustedError struct {
	JobInstanceID string
	Retries       int
	Cause         string
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("job instance %s failed after %d retries: %s", e.JobInstanceID, e.Retries, e.Cause)
}

// ConfigError reports an invalid plan or broker configuration
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
