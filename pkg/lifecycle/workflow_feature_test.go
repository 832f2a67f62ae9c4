package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/cuemby/flowjob/pkg/types"
)

func TestWorkflowFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name: "workflow",
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			newWorkflowScenario(newHarness(t)).register(sc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("workflow features failed")
	}
}

// workflowScenario drives one plan through the engine. Steps report
// problems as errors so that godog attributes them to the failing step.
type workflowScenario struct {
	h     *harness
	plan  *types.Plan
	pi    *types.PlanInstance
	tasks map[string]*types.Task
}

func newWorkflowScenario(h *harness) *workflowScenario {
	return &workflowScenario{h: h, tasks: make(map[string]*types.Task)}
}

func (s *workflowScenario) register(sc *godog.ScenarioContext) {
	sc.Step(`^a workflow plan "([^"]*)" with jobs:$`, s.aWorkflowPlanWithJobs)
	sc.Step(`^the plan is triggered$`, s.thePlanIsTriggered)
	sc.Step(`^job "([^"]*)" succeeds$`, s.jobSucceeds)
	sc.Step(`^job "([^"]*)" fails$`, s.jobFails)
	sc.Step(`^jobs "([^"]*)" and "([^"]*)" succeed concurrently$`, s.jobsSucceedConcurrently)
	sc.Step(`^job "([^"]*)" was dispatched (\d+) times?$`, s.jobWasDispatched)
	sc.Step(`^job "([^"]*)" never ran$`, s.jobNeverRan)
	sc.Step(`^the plan instance is "([^"]*)"$`, s.thePlanInstanceIs)
}

func (s *workflowScenario) aWorkflowPlanWithJobs(planID string, table *godog.Table) error {
	if len(table.Rows) < 2 {
		return errors.New("the jobs table has no rows")
	}
	columns := make(map[string]int)
	for i, cell := range table.Rows[0].Cells {
		columns[cell.Value] = i
	}

	plan := apiPlan(planID)
	for _, row := range table.Rows[1:] {
		value := func(column string) string {
			if i, ok := columns[column]; ok && i < len(row.Cells) {
				return strings.TrimSpace(row.Cells[i].Value)
			}
			return ""
		}
		var children []string
		if c := value("children"); c != "" {
			children = strings.Split(c, ",")
		}
		j := job(value("job"), children...)
		j.TerminateWithFail = value("terminateWithFail") == "true"
		plan.Jobs = append(plan.Jobs, j)
	}

	saved, err := s.h.engine.SavePlan(context.Background(), plan)
	if err != nil {
		return err
	}
	s.plan = saved
	return nil
}

func (s *workflowScenario) thePlanIsTriggered() error {
	pi, err := s.h.engine.TriggerPlan(context.Background(), s.plan.ID, types.TriggerTypeAPI, time.Time{})
	if err != nil {
		return err
	}
	s.pi = pi
	return nil
}

// await returns the dispatched task of jobID, waiting for it if needed
func (s *workflowScenario) await(jobID string) (*types.Task, error) {
	deadline := time.After(3 * time.Second)
	for {
		if task, ok := s.tasks[jobID]; ok {
			return task, nil
		}
		select {
		case task := <-s.h.rpc.dispatched:
			s.tasks[task.JobID] = task
		case <-deadline:
			return nil, fmt.Errorf("job %s was not dispatched", jobID)
		}
	}
}

func (s *workflowScenario) jobSucceeds(jobID string) error {
	task, err := s.await(jobID)
	if err != nil {
		return err
	}
	return s.h.engine.HandleTaskSuccess(context.Background(), task.ID, map[string]string{jobID: "done"})
}

func (s *workflowScenario) jobFails(jobID string) error {
	task, err := s.await(jobID)
	if err != nil {
		return err
	}
	return s.h.engine.HandleTaskFail(context.Background(), task.ID, jobID+" broke")
}

func (s *workflowScenario) jobsSucceedConcurrently(first, second string) error {
	var tasks []*types.Task
	for _, id := range []string{first, second} {
		task, err := s.await(id)
		if err != nil {
			return err
		}
		tasks = append(tasks, task)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(tasks))
	for i, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.h.engine.HandleTaskSuccess(context.Background(), task.ID, nil)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *workflowScenario) jobWasDispatched(jobID string, times int) error {
	if got := len(s.h.rpc.callsFor(jobID)); got != times {
		return fmt.Errorf("job %s was dispatched %d times, want %d", jobID, got, times)
	}
	return nil
}

func (s *workflowScenario) jobNeverRan(jobID string) error {
	if calls := s.h.rpc.callsFor(jobID); len(calls) > 0 {
		return fmt.Errorf("job %s was dispatched %d times", jobID, len(calls))
	}
	_, err := s.h.store.FindJobInstance(s.pi.ID, jobID)
	if !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("job %s has an instance (err=%v)", jobID, err)
	}
	return nil
}

func (s *workflowScenario) thePlanInstanceIs(status string) error {
	pi, err := s.h.store.GetPlanInstance(s.pi.ID)
	if err != nil {
		return err
	}
	if string(pi.Status) != status {
		return fmt.Errorf("plan instance is %s, want %s", pi.Status, status)
	}
	return nil
}
