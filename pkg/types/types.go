package types

import (
	"strconv"
	"time"
)

// PlanType distinguishes single-job plans from workflow plans
type PlanType string

const (
	PlanTypeSingle   PlanType = "SINGLE"
	PlanTypeWorkflow PlanType = "WORKFLOW"
)

// TriggerType describes what starts a plan or a job
type TriggerType string

const (
	TriggerTypeSchedule  TriggerType = "SCHEDULE"   // Armed on the time wheel
	TriggerTypeAPI       TriggerType = "API"        // Triggered manually
	TriggerTypePreFinish TriggerType = "PRE_FINISH" // Job starts once its parents finish
	TriggerTypeOutside   TriggerType = "OUTSIDE"    // Job waits for an external trigger
)

// ScheduleType defines how trigger instants are calculated
type ScheduleType string

const (
	ScheduleTypeCron       ScheduleType = "CRON"
	ScheduleTypeFixedDelay ScheduleType = "FIXED_DELAY"
	ScheduleTypeFixedRate  ScheduleType = "FIXED_RATE"
	ScheduleTypeOnce       ScheduleType = "ONCE"
)

// CronType is the dialect a cron expression is written in
type CronType string

const (
	CronTypeUnix   CronType = "UNIX"   // minute hour dom month dow
	CronTypeQuartz CronType = "QUARTZ" // second minute hour dom month dow [year]
)

// JobType defines how a job fans out into tasks
type JobType string

const (
	JobTypeNormal    JobType = "NORMAL"
	JobTypeBroadcast JobType = "BROADCAST"
	JobTypeMap       JobType = "MAP"
	JobTypeMapReduce JobType = "MAP_REDUCE"
)

// LoadBalanceType is the worker selection strategy
type LoadBalanceType string

const (
	LoadBalanceRandom              LoadBalanceType = "RANDOM"
	LoadBalanceRoundRobin          LoadBalanceType = "ROUND_ROBIN"
	LoadBalanceAppoint             LoadBalanceType = "APPOINT"
	LoadBalanceConsistentHash      LoadBalanceType = "CONSISTENT_HASH"
	LoadBalanceLeastFrequentlyUsed LoadBalanceType = "LEAST_FREQUENTLY_USED"
	LoadBalanceLeastRecentlyUsed   LoadBalanceType = "LEAST_RECENTLY_USED"
)

// TagCondition is the predicate a tag filter applies to worker tags
type TagCondition string

const (
	TagExists              TagCondition = "EXISTS"
	TagNotExists           TagCondition = "NOT_EXISTS"
	TagMustMatchValue      TagCondition = "MUST_MATCH_VALUE"
	TagMustNotMatchValue   TagCondition = "MUST_NOT_MATCH_VALUE"
	TagMustMatchValueRegex TagCondition = "MUST_MATCH_VALUE_REGEX"
)

// PlanStatus is the state of a plan instance
type PlanStatus string

const (
	PlanStatusScheduling PlanStatus = "SCHEDULING"
	PlanStatusExecuting  PlanStatus = "EXECUTING"
	PlanStatusSucceed    PlanStatus = "SUCCEED"
	PlanStatusFailed     PlanStatus = "FAILED"
)

// IsCompleted reports whether the plan instance reached a terminal state
func (s PlanStatus) IsCompleted() bool {
	return s == PlanStatusSucceed || s == PlanStatusFailed
}

// JobStatus is the state of a job instance
type JobStatus string

const (
	JobStatusScheduling JobStatus = "SCHEDULING"
	JobStatusExecuting  JobStatus = "EXECUTING"
	JobStatusSucceed    JobStatus = "SUCCEED"
	JobStatusFailed     JobStatus = "FAILED"
)

// IsCompleted reports whether the job instance reached a terminal state
func (s JobStatus) IsCompleted() bool {
	return s == JobStatusSucceed || s == JobStatusFailed
}

// TaskType is the kind of unit dispatched to a worker
type TaskType string

const (
	TaskTypeStandalone TaskType = "STANDALONE"
	TaskTypeBroadcast  TaskType = "BROADCAST"
	TaskTypeSharding   TaskType = "SHARDING"
	TaskTypeMap        TaskType = "MAP"
	TaskTypeReduce     TaskType = "REDUCE"
)

// TaskStatus is the state of a task
type TaskStatus string

const (
	TaskStatusScheduling  TaskStatus = "SCHEDULING"
	TaskStatusDispatching TaskStatus = "DISPATCHING"
	TaskStatusExecuting   TaskStatus = "EXECUTING"
	TaskStatusSucceed     TaskStatus = "SUCCEED"
	TaskStatusFailed      TaskStatus = "FAILED"
)

// IsCompleted reports whether the task reached a terminal state
func (s TaskStatus) IsCompleted() bool {
	return s == TaskStatusSucceed || s == TaskStatusFailed
}

// WorkerStatus is the liveness state of a worker
type WorkerStatus string

const (
	WorkerStatusRunning    WorkerStatus = "RUNNING"
	WorkerStatusFusing     WorkerStatus = "FUSING"
	WorkerStatusTerminated WorkerStatus = "TERMINATED"
)

// Plan is a versioned, schedulable workflow definition
type Plan struct {
	ID             string
	Version        int
	Name           string
	Type           PlanType
	TriggerType    TriggerType
	Schedule       ScheduleOption
	Jobs           []*WorkflowJobInfo
	Enabled        bool
	LastTriggerAt  time.Time
	LastFeedbackAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduleID identifies one version of a plan on the time wheel
func (p *Plan) ScheduleID() string {
	return PlanScheduleID(p.ID, p.Version)
}

// WorkflowJobInfo is one node of a plan's DAG
type WorkflowJobInfo struct {
	ID                string
	Name              string
	Type              JobType
	Dispatch          DispatchOption
	Retry             RetryOption
	ExecutorName      string
	Attributes        map[string]string
	ChildrenIDs       []string
	TriggerType       TriggerType
	TerminateWithFail bool
}

// NodeID implements dag.Node
func (j *WorkflowJobInfo) NodeID() string { return j.ID }

// NodeChildren implements dag.Node
func (j *WorkflowJobInfo) NodeChildren() []string { return j.ChildrenIDs }

// DispatchOption controls worker selection for a job
type DispatchOption struct {
	LoadBalanceType LoadBalanceType
	CPURequirement  float64 // Cores, <= 0 means unconstrained
	RAMRequirement  float64 // GiB, <= 0 means unconstrained
	TagFilters      []TagFilter
}

// TagFilter is a predicate over a worker's tags
type TagFilter struct {
	Name      string
	Value     string
	Condition TagCondition
}

// RetryOption controls job retries
type RetryOption struct {
	Retry         int // Maximum number of retries
	RetryInterval int // Seconds between retries
}

// ScheduleOption configures trigger time calculation
type ScheduleOption struct {
	Type     ScheduleType
	StartAt  time.Time
	EndAt    time.Time // Zero means no end
	Delay    time.Duration
	Interval time.Duration
	Cron     string
	CronType CronType
}

// PlanInstance is one concrete firing of a plan
type PlanInstance struct {
	ID           string
	PlanID       string
	PlanVersion  int
	ScheduleType ScheduleType
	TriggerType  TriggerType
	Jobs         []*WorkflowJobInfo // DAG snapshot
	Status       PlanStatus
	TriggerAt    time.Time
	StartAt      time.Time
	FeedbackAt   time.Time
	Attributes   map[string]string
}

// JobInstance is one execution of a DAG node within a plan instance
type JobInstance struct {
	ID             string
	PlanID         string
	PlanVersion    int
	PlanInstanceID string
	JobID          string
	RetryTimes     int
	Status         JobStatus
	TriggerAt      time.Time
	StartAt        time.Time
	EndAt          time.Time
	Attributes     map[string]string
	Context        map[string]string
	ErrorMsg       string
}

// Task is the unit dispatched to one worker
type Task struct {
	ID             string
	JobInstanceID  string
	PlanInstanceID string
	JobID          string
	Type           TaskType
	Status         TaskStatus
	ExecutorName   string
	WorkerID       string
	WorkerURL      string
	ShardIndex     int
	Attributes     map[string]string
	Result         map[string]string
	ErrorMsg       string
	CreatedAt      time.Time
	DispatchedAt   time.Time
	FinishedAt     time.Time
}

// Worker is a view of a worker process used for selection
type Worker struct {
	ID              string
	URL             string
	Executors       []string
	Tags            map[string][]string
	Resource        WorkerResource
	Status          WorkerStatus
	LastHeartbeatAt time.Time
}

// WorkerResource is a live snapshot of a worker's free capacity
type WorkerResource struct {
	AvailableCPU        float64
	AvailableRAM        float64
	AvailableQueueLimit int
}

// IsAlive reports whether the worker can receive tasks
func (w *Worker) IsAlive() bool {
	return w.Status == WorkerStatusRunning
}

// HasExecutor reports whether the worker declares the named executor
func (w *Worker) HasExecutor(name string) bool {
	for _, e := range w.Executors {
		if e == name {
			return true
		}
	}
	return false
}

// PlanScheduleID builds the time wheel id of a plan version
func PlanScheduleID(planID string, version int) string {
	return planID + ":" + strconv.Itoa(version)
}
