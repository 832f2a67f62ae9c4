package calculator

import (
	"time"

	"github.com/cuemby/flowjob/pkg/types"
)

// Calculator computes the next trigger instant for one schedule type.
// Implementations are pure: no I/O and no shared state.
type Calculator interface {
	// Next returns the next trigger instant, or false when the schedule
	// should not fire again. Zero times mean "absent".
	Next(opt types.ScheduleOption, lastTriggerAt, lastFeedbackAt, now time.Time) (time.Time, bool)

	// Validate checks the option before it is persisted
	Validate(opt types.ScheduleOption) error
}

var calculators = map[types.ScheduleType]Calculator{
	types.ScheduleTypeCron:       cronCalculator{},
	types.ScheduleTypeFixedDelay: fixedDelayCalculator{},
	types.ScheduleTypeFixedRate:  fixedRateCalculator{},
	types.ScheduleTypeOnce:       onceCalculator{},
}

// For returns the calculator of a schedule type. Unknown types behave as ONCE.
func For(scheduleType types.ScheduleType) Calculator {
	if c, ok := calculators[scheduleType]; ok {
		return c
	}
	return onceCalculator{}
}

// NextTrigger computes the next trigger instant of a schedule and applies
// the option's end bound.
func NextTrigger(opt types.ScheduleOption, lastTriggerAt, lastFeedbackAt, now time.Time) (time.Time, bool) {
	next, ok := For(opt.Type).Next(opt, lastTriggerAt, lastFeedbackAt, now)
	if !ok {
		return time.Time{}, false
	}
	if !opt.EndAt.IsZero() && next.After(opt.EndAt) {
		return time.Time{}, false
	}
	return next, true
}

// Validate checks a schedule option
func Validate(opt types.ScheduleOption) error {
	if _, ok := calculators[opt.Type]; !ok {
		return &types.ConfigError{Field: "schedule type", Reason: "unknown value " + string(opt.Type)}
	}
	if opt.Delay < 0 {
		return &types.ConfigError{Field: "schedule delay", Reason: "must not be negative"}
	}
	if !opt.EndAt.IsZero() && !opt.StartAt.IsZero() && opt.EndAt.Before(opt.StartAt) {
		return &types.ConfigError{Field: "schedule end", Reason: "ends before it starts"}
	}
	return calculators[opt.Type].Validate(opt)
}

type onceCalculator struct{}

func (onceCalculator) Next(opt types.ScheduleOption, lastTriggerAt, _, now time.Time) (time.Time, bool) {
	if !lastTriggerAt.IsZero() || opt.StartAt.Before(now) {
		return time.Time{}, false
	}
	return opt.StartAt, true
}

func (onceCalculator) Validate(types.ScheduleOption) error {
	return nil
}

type fixedRateCalculator struct{}

func (fixedRateCalculator) Next(opt types.ScheduleOption, lastTriggerAt, _, _ time.Time) (time.Time, bool) {
	if opt.Interval <= 0 {
		return time.Time{}, false
	}
	if lastTriggerAt.IsZero() {
		return opt.StartAt.Add(opt.Delay), true
	}
	return lastTriggerAt.Add(opt.Interval), true
}

func (fixedRateCalculator) Validate(opt types.ScheduleOption) error {
	return validateInterval(opt)
}

type fixedDelayCalculator struct{}

func (fixedDelayCalculator) Next(opt types.ScheduleOption, lastTriggerAt, lastFeedbackAt, _ time.Time) (time.Time, bool) {
	if opt.Interval <= 0 {
		return time.Time{}, false
	}
	if lastTriggerAt.IsZero() {
		return opt.StartAt.Add(opt.Delay), true
	}
	// The previous run has not reported back yet.
	if lastFeedbackAt.IsZero() {
		return time.Time{}, false
	}
	return lastFeedbackAt.Add(opt.Interval), true
}

func (fixedDelayCalculator) Validate(opt types.ScheduleOption) error {
	return validateInterval(opt)
}

func validateInterval(opt types.ScheduleOption) error {
	if opt.Interval <= 0 {
		return &types.ConfigError{Field: "schedule interval", Reason: "must be positive for " + string(opt.Type)}
	}
	return nil
}
