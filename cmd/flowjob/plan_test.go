package main

import (
	"testing"
	"time"

	"github.com/cuemby/flowjob/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestUpcomingTriggers(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		opt  types.ScheduleOption
		n    int
		want []time.Time
	}{
		{
			name: "fixed rate from the future start",
			opt: types.ScheduleOption{
				Type:     types.ScheduleTypeFixedRate,
				StartAt:  from.Add(time.Hour),
				Interval: 30 * time.Minute,
			},
			n:    3,
			want: []time.Time{from.Add(60 * time.Minute), from.Add(90 * time.Minute), from.Add(120 * time.Minute)},
		},
		{
			name: "fixed rate skips the past",
			opt: types.ScheduleOption{
				Type:     types.ScheduleTypeFixedRate,
				StartAt:  from.Add(-25 * time.Minute),
				Interval: 10 * time.Minute,
			},
			n:    2,
			want: []time.Time{from.Add(5 * time.Minute), from.Add(15 * time.Minute)},
		},
		{
			name: "fixed delay assumes instant feedback",
			opt: types.ScheduleOption{
				Type:     types.ScheduleTypeFixedDelay,
				StartAt:  from,
				Delay:    time.Minute,
				Interval: time.Hour,
			},
			n:    2,
			want: []time.Time{from.Add(time.Minute), from.Add(61 * time.Minute)},
		},
		{
			name: "once fires a single time",
			opt:  types.ScheduleOption{Type: types.ScheduleTypeOnce, StartAt: from.Add(time.Hour)},
			n:    5,
			want: []time.Time{from.Add(time.Hour)},
		},
		{
			name: "once in the past never fires",
			opt:  types.ScheduleOption{Type: types.ScheduleTypeOnce, StartAt: from.Add(-time.Hour)},
			n:    5,
		},
		{
			name: "cron",
			opt:  types.ScheduleOption{Type: types.ScheduleTypeCron, Cron: "0 12 * * *", CronType: types.CronTypeUnix},
			n:    2,
			want: []time.Time{
				time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
				time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
			},
		},
		{
			name: "end bound",
			opt: types.ScheduleOption{
				Type:     types.ScheduleTypeFixedRate,
				StartAt:  from,
				EndAt:    from.Add(25 * time.Minute),
				Interval: 10 * time.Minute,
			},
			n:    10,
			want: []time.Time{from, from.Add(10 * time.Minute), from.Add(20 * time.Minute)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := upcomingTriggers(tt.opt, from, tt.n)
			assert.Len(t, got, len(tt.want))
			for i := range min(len(got), len(tt.want)) {
				assert.True(t, tt.want[i].Equal(got[i]), "trigger %d: want %s, got %s", i, tt.want[i], got[i])
			}
		})
	}
}
