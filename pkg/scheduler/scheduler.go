package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/flowjob/pkg/log"
	"github.com/cuemby/flowjob/pkg/metrics"
	"github.com/cuemby/flowjob/pkg/types"
	"github.com/cuemby/flowjob/pkg/wheel"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

// Schedulable is an entity armed on the time wheel
type Schedulable interface {
	// ScheduleID identifies the entity. Only one entry per id is armed.
	ScheduleID() string

	// TriggerAt is the first instant the entity should fire
	TriggerAt() time.Time

	// Run executes one firing. It runs on the worker pool, never on the
	// tick goroutine.
	Run(ctx context.Context, triggerAt time.Time)
}

// Recurring entities are re-armed after each firing
type Recurring interface {
	Schedulable

	// Next returns the instant following firedAt, or false to stop
	Next(firedAt time.Time) (time.Time, bool)
}

// Config holds scheduler tuning
type Config struct {
	Tick     time.Duration
	Slots    int
	PoolSize int
}

type entry struct {
	item       Schedulable
	triggerAt  time.Time
	generation uint64
	timeout    atomic.Pointer[wheel.Timeout]
}

// Scheduler arms Schedulables on a hashed time wheel and runs their firings
// on a bounded goroutine pool. Entries are keyed by schedule id; every re-arm
// installs a new entry so a firing that lost a race with Unschedule or a
// re-arm is recognised and skipped.
type Scheduler struct {
	wheel      *wheel.Wheel
	pool       *ants.Pool
	entries    sync.Map // schedule id -> *entry
	generation atomic.Uint64
	ctx        context.Context
	cancel     context.CancelFunc
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a scheduler. Start must be called before entries fire.
func New(cfg Config) (*Scheduler, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 64
	}

	logger := log.WithComponent("scheduler")
	pool, err := ants.NewPool(cfg.PoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error().Interface("panic", p).Msg("Scheduled run panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		wheel:  wheel.New(cfg.Tick, cfg.Slots),
		pool:   pool,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Start begins advancing the time wheel
func (s *Scheduler) Start() {
	s.wheel.Start()
	s.logger.Info().Msg("Scheduler started")
}

// Stop halts the wheel, cancels running firings and releases the pool
func (s *Scheduler) Stop() {
	s.wheel.Stop()
	s.cancel()
	s.pool.Release()
	s.logger.Info().Msg("Scheduler stopped")
}

// Schedule arms item at its trigger instant. It returns false without
// changing anything when the id is already armed.
func (s *Scheduler) Schedule(item Schedulable) bool {
	id := item.ScheduleID()
	e := s.newEntry(item, item.TriggerAt())
	if _, loaded := s.entries.LoadOrStore(id, e); loaded {
		metrics.SchedulesDuplicate.Inc()
		s.logger.Debug().Err(&types.DuplicateScheduleError{ScheduleID: id}).Msg("Schedule ignored")
		return false
	}
	s.arm(id, e)
	return true
}

// Unschedule removes id. It is idempotent and safe to call while the entry
// is firing: a firing that already started completes, no later one runs.
func (s *Scheduler) Unschedule(id string) {
	v, ok := s.entries.LoadAndDelete(id)
	if !ok {
		return
	}
	if t := v.(*entry).timeout.Load(); t != nil {
		t.Cancel()
	}
}

// IsScheduling reports whether id is armed
func (s *Scheduler) IsScheduling(id string) bool {
	_, ok := s.entries.Load(id)
	return ok
}

// NextFireAt returns the instant id is armed for
func (s *Scheduler) NextFireAt(id string) (time.Time, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return time.Time{}, false
	}
	return v.(*entry).triggerAt, true
}

// Len returns the number of armed entries
func (s *Scheduler) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Scheduler) newEntry(item Schedulable, triggerAt time.Time) *entry {
	return &entry{
		item:       item,
		triggerAt:  triggerAt,
		generation: s.generation.Add(1),
	}
}

func (s *Scheduler) arm(id string, e *entry) {
	delay := e.triggerAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	e.timeout.Store(s.wheel.AfterFunc(delay, func() { s.fire(id, e) }))
}

// fire runs on the tick goroutine and must stay cheap
func (s *Scheduler) fire(id string, e *entry) {
	if rec, ok := e.item.(Recurring); ok {
		if next, ok := rec.Next(e.triggerAt); ok {
			ne := s.newEntry(e.item, next)
			if !s.entries.CompareAndSwap(id, e, ne) {
				return
			}
			s.arm(id, ne)
		} else if !s.entries.CompareAndDelete(id, e) {
			return
		}
	} else if !s.entries.CompareAndDelete(id, e) {
		return
	}

	metrics.SchedulesFired.Inc()
	metrics.FireLag.Observe(s.now().Sub(e.triggerAt).Seconds())

	triggerAt := e.triggerAt
	err := s.pool.Submit(func() {
		e.item.Run(s.ctx, triggerAt)
	})
	if err != nil {
		metrics.SchedulesRejected.Inc()
		event := s.logger.Warn()
		if !errors.Is(err, ants.ErrPoolOverload) {
			event = s.logger.Error()
		}
		event.Err(err).
			Str("schedule_id", id).
			Uint64("generation", e.generation).
			Time("trigger_at", triggerAt).
			Msg("Dropped firing")
	}
}
