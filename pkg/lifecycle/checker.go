package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/types"
	"github.com/rs/zerolog"
)

// TaskChecker fails tasks left on workers that are gone. A task handed to a
// worker that stops heartbeating would otherwise never report back.
type TaskChecker struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger
}

// NewTaskChecker creates a checker for e. Tasks dispatched less than one
// interval ago are left alone.
func NewTaskChecker(e *Engine, interval time.Duration) *TaskChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &TaskChecker{
		engine:   e,
		interval: interval,
		logger:   log.WithComponent("task-checker"),
	}
}

// Check runs one sweep and returns the number of tasks it failed
func (c *TaskChecker) Check(ctx context.Context) int {
	e := c.engine
	tasks, err := e.store.ListActiveTasks()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list active tasks")
		return 0
	}

	alive := make(map[string]bool)
	for _, w := range e.workers.Workers() {
		if w.IsAlive() {
			alive[w.ID] = true
		}
	}

	cutoff := e.now().Add(-c.interval)
	failed := 0
	for _, task := range tasks {
		if task.Status != types.TaskStatusDispatching && task.Status != types.TaskStatusExecuting {
			continue
		}
		if alive[task.WorkerID] || task.DispatchedAt.After(cutoff) {
			continue
		}
		e.failTask(ctx, task, reasonWorkerLost, fmt.Errorf("worker %s is no longer alive", task.WorkerID))
		failed++
	}

	if failed > 0 {
		c.logger.Warn().Int("tasks", failed).Msg("Failed tasks of lost workers")
	}
	return failed
}

// Run checks every interval until ctx is done
func (c *TaskChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}
