package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/flowjob/pkg/log"
	"github.com/rs/zerolog"
)

// PlanLoader keeps the time wheel in line with the plan store. Each pass
// arms plans updated since the previous pass; a change of slot ownership
// forces a full pass so that gained plans are armed and lost ones dropped.
type PlanLoader struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger

	since  time.Time
	epoch  uint64
	loaded bool
}

// NewPlanLoader creates a loader for e
func NewPlanLoader(e *Engine, interval time.Duration) *PlanLoader {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PlanLoader{
		engine:   e,
		interval: interval,
		logger:   log.WithComponent("plan-loader"),
	}
}

// Load runs one pass and returns the number of plans it looked at. It must
// not be called concurrently.
func (l *PlanLoader) Load(ctx context.Context) (int, error) {
	epoch := l.engine.nodes.Epoch()
	since := l.since
	if !l.loaded || epoch != l.epoch {
		since = time.Time{}
	}

	plans, err := l.engine.store.LoadUpdatedPlans(since)
	if err != nil {
		return 0, fmt.Errorf("failed to load plans: %w", err)
	}

	armed := 0
	for _, p := range plans {
		if p.UpdatedAt.After(l.since) {
			l.since = p.UpdatedAt
		}
		if l.reload(p.ID) {
			armed++
		}
	}

	l.epoch = epoch
	l.loaded = true
	l.logger.Debug().
		Int("plans", len(plans)).
		Int("armed", armed).
		Uint64("epoch", epoch).
		Msg("Plans loaded")
	return len(plans), nil
}

// reload arms the stored version of a plan under the plan lock
func (l *PlanLoader) reload(planID string) bool {
	e := l.engine
	unlock := e.planLocks.Lock(planID)
	defer unlock()

	plan, err := e.store.GetPlan(planID)
	if err != nil {
		l.logger.Error().Err(err).Str("plan_id", planID).Msg("Failed to reload plan")
		return false
	}
	return e.arm(plan)
}

// Run loads plans every interval until ctx is done
func (l *PlanLoader) Run(ctx context.Context) {
	if _, err := l.Load(ctx); err != nil {
		l.logger.Error().Err(err).Msg("Initial plan load failed")
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Load(ctx); err != nil {
				l.logger.Error().Err(err).Msg("Plan load failed")
			}
		}
	}
}
