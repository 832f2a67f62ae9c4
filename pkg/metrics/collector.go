package metrics

import (
	"time"
)

// Source exposes the broker state sampled into gauges
type Source interface {
	ArmedSchedules() int
	WorkerCounts() map[string]int
	ActiveTaskCounts() (map[string]int, error)
	IsLeader() bool
	OwnedSlots() int
}

// Collector periodically samples broker state into gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples every gauge once
func (c *Collector) Collect() {
	SchedulesArmed.Set(float64(c.source.ArmedSchedules()))

	WorkersTotal.Reset()
	for status, count := range c.source.WorkerCounts() {
		WorkersTotal.WithLabelValues(status).Set(float64(count))
	}

	if counts, err := c.source.ActiveTaskCounts(); err == nil {
		ActiveTasks.Reset()
		for status, count := range counts {
			ActiveTasks.WithLabelValues(status).Set(float64(count))
		}
	}

	if c.source.IsLeader() {
		ClusterLeader.Set(1)
	} else {
		ClusterLeader.Set(0)
	}
	OwnedSlots.Set(float64(c.source.OwnedSlots()))
}
