package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/flowjob/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketPlans             = []byte("plans")
	bucketPlanVersions      = []byte("plan_versions")
	bucketPlanInstances     = []byte("plan_instances")
	bucketPlanInstanceIndex = []byte("plan_instance_index")
	bucketJobInstances      = []byte("job_instances")
	bucketJobInstanceIndex  = []byte("job_instance_index")
	bucketTasks             = []byte("tasks")
	bucketTaskIndex         = []byte("task_index")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "flowjob.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPlans,
			bucketPlanVersions,
			bucketPlanInstances,
			bucketPlanInstanceIndex,
			bucketJobInstances,
			bucketJobInstanceIndex,
			bucketTasks,
			bucketTaskIndex,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// get decodes the value under key, returning nil when it is absent
func get[T any](b *bolt.Bucket, key string) (*T, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func getOne[T any](db *bolt.DB, bucket []byte, kind, id string) (*T, error) {
	var v *T
	err := db.View(func(tx *bolt.Tx) error {
		var err error
		v, err = get[T](tx.Bucket(bucket), id)
		if err != nil {
			return err
		}
		if v == nil {
			return fmt.Errorf("%s %s: %w", kind, id, types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// transition applies fn to the stored record inside one write transaction.
// The record is written back only when fn reports a change.
func transition[T any](db *bolt.DB, bucket []byte, kind, id string, fn func(v *T) bool) (bool, error) {
	applied := false
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		v, err := get[T](b, id)
		if err != nil {
			return err
		}
		if v == nil {
			return fmt.Errorf("%s %s: %w", kind, id, types.ErrNotFound)
		}
		if !fn(v) {
			return nil
		}
		applied = true
		return put(b, id, v)
	})
	return applied, err
}

// forEachIndexed visits the records referenced by index keys under prefix
func forEachIndexed[T any](tx *bolt.Tx, index, bucket []byte, prefix string, fn func(v *T)) error {
	c := tx.Bucket(index).Cursor()
	records := tx.Bucket(bucket)
	p := []byte(prefix)
	for k, id := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, id = c.Next() {
		v, err := get[T](records, string(id))
		if err != nil {
			return err
		}
		if v != nil {
			fn(v)
		}
	}
	return nil
}

func planVersionKey(id string, version int) string {
	return fmt.Sprintf("%s/%010d", id, version)
}

func planInstanceIndexKey(pi *types.PlanInstance) string {
	nanos := pi.TriggerAt.UnixNano()
	if pi.TriggerAt.IsZero() || nanos < 0 {
		nanos = 0
	}
	return fmt.Sprintf("%s/%010d/%020d/%s", pi.PlanID, pi.PlanVersion, nanos, pi.ID)
}

// Plan operations

func (s *BoltStore) SavePlan(plan *types.Plan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx.Bucket(bucketPlans), plan.ID, plan); err != nil {
			return err
		}
		return put(tx.Bucket(bucketPlanVersions), planVersionKey(plan.ID, plan.Version), plan)
	})
}

func (s *BoltStore) GetPlan(id string) (*types.Plan, error) {
	return getOne[types.Plan](s.db, bucketPlans, "plan", id)
}

func (s *BoltStore) GetPlanByVersion(id string, version int) (*types.Plan, error) {
	return getOne[types.Plan](s.db, bucketPlanVersions, "plan version", planVersionKey(id, version))
}

func (s *BoltStore) LoadUpdatedPlans(since time.Time) ([]*types.Plan, error) {
	var plans []*types.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		return b.ForEach(func(k, v []byte) error {
			var plan types.Plan
			if err := json.Unmarshal(v, &plan); err != nil {
				return err
			}
			if plan.UpdatedAt.After(since) {
				plans = append(plans, &plan)
			}
			return nil
		})
	})
	return plans, err
}

func (s *BoltStore) LockAndGetPlan(id string, fn func(plan *types.Plan) (bool, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		plan, err := get[types.Plan](b, id)
		if err != nil {
			return err
		}
		if plan == nil {
			return fmt.Errorf("plan %s: %w", id, types.ErrNotFound)
		}

		save, err := fn(plan)
		if err != nil || !save {
			return err
		}
		if err := put(b, plan.ID, plan); err != nil {
			return err
		}
		return put(tx.Bucket(bucketPlanVersions), planVersionKey(plan.ID, plan.Version), plan)
	})
}

func (s *BoltStore) UpdatePlanTrigger(id string, version int, triggerAt time.Time) (bool, error) {
	applied := false
	err := s.LockAndGetPlan(id, func(plan *types.Plan) (bool, error) {
		if plan.Version != version || !triggerAt.After(plan.LastTriggerAt) {
			return false, nil
		}
		plan.LastTriggerAt = triggerAt
		applied = true
		return true, nil
	})
	return applied, err
}

func (s *BoltStore) UpdatePlanFeedback(id string, version int, feedbackAt time.Time) (bool, error) {
	applied := false
	err := s.LockAndGetPlan(id, func(plan *types.Plan) (bool, error) {
		if plan.Version != version || feedbackAt.Before(plan.LastFeedbackAt) {
			return false, nil
		}
		plan.LastFeedbackAt = feedbackAt
		applied = true
		return true, nil
	})
	return applied, err
}

// Plan instance operations

func (s *BoltStore) SavePlanInstance(pi *types.PlanInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := put(tx.Bucket(bucketPlanInstances), pi.ID, pi); err != nil {
			return err
		}
		return tx.Bucket(bucketPlanInstanceIndex).Put([]byte(planInstanceIndexKey(pi)), []byte(pi.ID))
	})
}

func (s *BoltStore) GetPlanInstance(id string) (*types.PlanInstance, error) {
	return getOne[types.PlanInstance](s.db, bucketPlanInstances, "plan instance", id)
}

// ListPlanInstances returns the instances of every version of a plan,
// oldest version and trigger first
func (s *BoltStore) ListPlanInstances(planID string) ([]*types.PlanInstance, error) {
	var instances []*types.PlanInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachIndexed(tx, bucketPlanInstanceIndex, bucketPlanInstances, planID+"/", func(pi *types.PlanInstance) {
			instances = append(instances, pi)
		})
	})
	return instances, err
}

func (s *BoltStore) LatestPlanInstance(planID string, version int) (*types.PlanInstance, error) {
	var latest *types.PlanInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachIndexed(tx, bucketPlanInstanceIndex, bucketPlanInstances, planVersionKey(planID, version)+"/", func(pi *types.PlanInstance) {
			latest = pi
		})
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, fmt.Errorf("plan instance of %s: %w", types.PlanScheduleID(planID, version), types.ErrNotFound)
	}
	return latest, nil
}

func (s *BoltStore) MergePlanInstanceAttributes(id string, attrs map[string]string) error {
	_, err := transition(s.db, bucketPlanInstances, "plan instance", id, func(pi *types.PlanInstance) bool {
		if len(attrs) == 0 {
			return false
		}
		if pi.Attributes == nil {
			pi.Attributes = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			pi.Attributes[k] = v
		}
		return true
	})
	return err
}

func (s *BoltStore) PlanInstanceExecuting(id string, startAt time.Time) (bool, error) {
	return transition(s.db, bucketPlanInstances, "plan instance", id, func(pi *types.PlanInstance) bool {
		if pi.Status != types.PlanStatusScheduling {
			return false
		}
		pi.Status = types.PlanStatusExecuting
		pi.StartAt = startAt
		return true
	})
}

func (s *BoltStore) PlanInstanceSuccess(id string, feedbackAt time.Time) (bool, error) {
	return transition(s.db, bucketPlanInstances, "plan instance", id, func(pi *types.PlanInstance) bool {
		if pi.Status != types.PlanStatusExecuting {
			return false
		}
		pi.Status = types.PlanStatusSucceed
		pi.FeedbackAt = feedbackAt
		return true
	})
}

func (s *BoltStore) PlanInstanceFail(id string, feedbackAt time.Time) (bool, error) {
	return transition(s.db, bucketPlanInstances, "plan instance", id, func(pi *types.PlanInstance) bool {
		if pi.Status.IsCompleted() {
			return false
		}
		pi.Status = types.PlanStatusFailed
		pi.FeedbackAt = feedbackAt
		return true
	})
}

// Job instance operations

func (s *BoltStore) CreateJobInstanceOnce(ji *types.JobInstance) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketJobInstanceIndex)
		key := []byte(ji.PlanInstanceID + "/" + ji.JobID)
		if index.Get(key) != nil {
			return nil
		}
		if err := put(tx.Bucket(bucketJobInstances), ji.ID, ji); err != nil {
			return err
		}
		created = true
		return index.Put(key, []byte(ji.ID))
	})
	return created, err
}

func (s *BoltStore) GetJobInstance(id string) (*types.JobInstance, error) {
	return getOne[types.JobInstance](s.db, bucketJobInstances, "job instance", id)
}

func (s *BoltStore) FindJobInstance(planInstanceID, jobID string) (*types.JobInstance, error) {
	var ji *types.JobInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketJobInstanceIndex).Get([]byte(planInstanceID + "/" + jobID))
		if id == nil {
			return fmt.Errorf("job %s of plan instance %s: %w", jobID, planInstanceID, types.ErrNotFound)
		}
		var err error
		ji, err = get[types.JobInstance](tx.Bucket(bucketJobInstances), string(id))
		if err == nil && ji == nil {
			err = fmt.Errorf("job instance %s: %w", id, types.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return ji, nil
}

func (s *BoltStore) ListJobInstances(planInstanceID string) ([]*types.JobInstance, error) {
	var instances []*types.JobInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachIndexed(tx, bucketJobInstanceIndex, bucketJobInstances, planInstanceID+"/", func(ji *types.JobInstance) {
			instances = append(instances, ji)
		})
	})
	return instances, err
}

func (s *BoltStore) JobInstanceExecuting(id string, startAt time.Time) (bool, error) {
	return transition(s.db, bucketJobInstances, "job instance", id, func(ji *types.JobInstance) bool {
		if ji.Status != types.JobStatusScheduling {
			return false
		}
		ji.Status = types.JobStatusExecuting
		ji.StartAt = startAt
		return true
	})
}

func (s *BoltStore) JobInstanceSuccess(id string, endAt time.Time, context map[string]string) (bool, error) {
	return transition(s.db, bucketJobInstances, "job instance", id, func(ji *types.JobInstance) bool {
		if ji.Status != types.JobStatusExecuting {
			return false
		}
		ji.Status = types.JobStatusSucceed
		ji.EndAt = endAt
		ji.Context = context
		return true
	})
}

func (s *BoltStore) JobInstanceFail(id string, endAt time.Time, errMsg string) (bool, error) {
	return transition(s.db, bucketJobInstances, "job instance", id, func(ji *types.JobInstance) bool {
		if ji.Status.IsCompleted() {
			return false
		}
		ji.Status = types.JobStatusFailed
		ji.EndAt = endAt
		ji.ErrorMsg = errMsg
		return true
	})
}

func (s *BoltStore) JobInstanceRetryReset(id string, retryTimes int, triggerAt time.Time) (bool, error) {
	return transition(s.db, bucketJobInstances, "job instance", id, func(ji *types.JobInstance) bool {
		if (ji.Status != types.JobStatusExecuting && ji.Status != types.JobStatusFailed) || ji.RetryTimes != retryTimes {
			return false
		}
		ji.Status = types.JobStatusScheduling
		ji.RetryTimes++
		ji.TriggerAt = triggerAt
		ji.EndAt = time.Time{}
		return true
	})
}

// Task operations

func (s *BoltStore) SaveTasks(tasks []*types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		index := tx.Bucket(bucketTaskIndex)
		for _, task := range tasks {
			if err := put(b, task.ID, task); err != nil {
				return err
			}
			if err := index.Put([]byte(task.JobInstanceID+"/"+task.ID), []byte(task.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	return getOne[types.Task](s.db, bucketTasks, "task", id)
}

func (s *BoltStore) ListTasks(jobInstanceID string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachIndexed(tx, bucketTaskIndex, bucketTasks, jobInstanceID+"/", func(task *types.Task) {
			tasks = append(tasks, task)
		})
	})
	return tasks, err
}

func (s *BoltStore) ListActiveTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if !task.Status.IsCompleted() {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) TaskDispatching(id, workerID, workerURL string, at time.Time) (bool, error) {
	return transition(s.db, bucketTasks, "task", id, func(task *types.Task) bool {
		if task.Status != types.TaskStatusScheduling {
			return false
		}
		task.Status = types.TaskStatusDispatching
		task.WorkerID = workerID
		task.WorkerURL = workerURL
		task.DispatchedAt = at
		return true
	})
}

func (s *BoltStore) TaskExecuting(id string) (bool, error) {
	return transition(s.db, bucketTasks, "task", id, func(task *types.Task) bool {
		if task.Status != types.TaskStatusDispatching {
			return false
		}
		task.Status = types.TaskStatusExecuting
		return true
	})
}

func (s *BoltStore) TaskSuccess(id string, at time.Time, result map[string]string) (bool, error) {
	return transition(s.db, bucketTasks, "task", id, func(task *types.Task) bool {
		if task.Status != types.TaskStatusDispatching && task.Status != types.TaskStatusExecuting {
			return false
		}
		task.Status = types.TaskStatusSucceed
		task.FinishedAt = at
		task.Result = result
		return true
	})
}

func (s *BoltStore) TaskFail(id string, at time.Time, errMsg string) (bool, error) {
	return transition(s.db, bucketTasks, "task", id, func(task *types.Task) bool {
		if task.Status.IsCompleted() {
			return false
		}
		task.Status = types.TaskStatusFailed
		task.FinishedAt = at
		task.ErrorMsg = errMsg
		return true
	})
}

func (s *BoltStore) TaskRetryReset(jobInstanceID string) ([]*types.Task, error) {
	var reset []*types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		var failed []*types.Task
		err := forEachIndexed(tx, bucketTaskIndex, bucketTasks, jobInstanceID+"/", func(task *types.Task) {
			if task.Status == types.TaskStatusFailed {
				failed = append(failed, task)
			}
		})
		if err != nil {
			return err
		}

		b := tx.Bucket(bucketTasks)
		for _, task := range failed {
			task.Status = types.TaskStatusScheduling
			task.WorkerID = ""
			task.WorkerURL = ""
			task.ErrorMsg = ""
			task.DispatchedAt = time.Time{}
			task.FinishedAt = time.Time{}
			if err := put(b, task.ID, task); err != nil {
				return err
			}
		}
		reset = failed
		return nil
	})
	return reset, err
}
