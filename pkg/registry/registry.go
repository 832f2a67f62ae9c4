package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/flowjob/pkg/events"
	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/types"
)

// DefaultHeartbeatTimeout is how long a worker may stay silent before a
// sweep terminates it
const DefaultHeartbeatTimeout = 30 * time.Second

// Directory is the in-memory view of the worker fleet, fed by heartbeats
type Directory struct {
	mu      sync.RWMutex
	workers map[string]*types.Worker
	events  *events.Broker
	now     func() time.Time
}

// New creates an empty directory publishing worker events to broker
func New(broker *events.Broker) *Directory {
	return &Directory{
		workers: make(map[string]*types.Worker),
		events:  broker,
		now:     time.Now,
	}
}

// Register adds or replaces a worker and marks it RUNNING
func (d *Directory) Register(w *types.Worker) {
	w = clone(w)
	w.Status = types.WorkerStatusRunning
	w.LastHeartbeatAt = d.now()

	d.mu.Lock()
	_, known := d.workers[w.ID]
	d.workers[w.ID] = w
	d.mu.Unlock()

	if !known {
		logger := log.WithWorkerID(w.ID)
		logger.Info().Str("url", w.URL).Strs("executors", w.Executors).Msg("Worker registered")
		d.events.Publish(events.NewEvent(events.EventWorkerRegistered, "worker registered", map[string]string{
			"worker_id": w.ID,
			"url":       w.URL,
		}))
	}
}

// Heartbeat refreshes a worker's liveness and free capacity. An empty
// status means RUNNING; a worker shutting down reports FUSING.
func (d *Directory) Heartbeat(id string, status types.WorkerStatus, resource types.WorkerResource) error {
	if status == "" {
		status = types.WorkerStatusRunning
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, types.ErrNotFound)
	}
	w.Status = status
	w.Resource = resource
	w.LastHeartbeatAt = d.now()
	return nil
}

// Remove drops a worker from the directory
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	_, ok := d.workers[id]
	delete(d.workers, id)
	d.mu.Unlock()

	if ok {
		d.terminated(id, "worker removed")
	}
}

// Get returns a copy of one worker
func (d *Directory) Get(id string) (*types.Worker, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	w, ok := d.workers[id]
	if !ok {
		return nil, false
	}
	return clone(w), true
}

// Workers returns a snapshot of every known worker ordered by id
func (d *Directory) Workers() []*types.Worker {
	d.mu.RLock()
	out := make([]*types.Worker, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, clone(w))
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of workers per status
func (d *Directory) Counts() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := map[string]int{
		string(types.WorkerStatusRunning):    0,
		string(types.WorkerStatusFusing):     0,
		string(types.WorkerStatusTerminated): 0,
	}
	for _, w := range d.workers {
		counts[string(w.Status)]++
	}
	return counts
}

// Sweep marks workers silent for longer than timeout TERMINATED and returns
// their ids
func (d *Directory) Sweep(timeout time.Duration) []string {
	deadline := d.now().Add(-timeout)

	var stale []string
	d.mu.Lock()
	for id, w := range d.workers {
		if w.Status != types.WorkerStatusTerminated && w.LastHeartbeatAt.Before(deadline) {
			w.Status = types.WorkerStatusTerminated
			stale = append(stale, id)
		}
	}
	d.mu.Unlock()

	sort.Strings(stale)
	for _, id := range stale {
		d.terminated(id, "heartbeat timeout")
	}
	return stale
}

// Run sweeps every interval until ctx is done
func (d *Directory) Run(ctx context.Context, interval, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if interval <= 0 {
		interval = timeout / 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(timeout)
		}
	}
}

func (d *Directory) terminated(id, reason string) {
	logger := log.WithWorkerID(id)
	logger.Warn().Str("reason", reason).Msg("Worker terminated")
	d.events.Publish(events.NewEvent(events.EventWorkerTerminated, reason, map[string]string{
		"worker_id": id,
	}))
}

func clone(w *types.Worker) *types.Worker {
	c := *w
	c.Executors = append([]string(nil), w.Executors...)
	if w.Tags != nil {
		c.Tags = make(map[string][]string, len(w.Tags))
		for k, v := range w.Tags {
			c.Tags[k] = append([]string(nil), v...)
		}
	}
	return &c
}
