package calculator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/flowjob/pkg/types"
	cronv3 "github.com/robfig/cron/v3"
)

var (
	unixParser   = cronv3.NewParser(cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)
	quartzParser = cronv3.NewParser(cronv3.Second | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)
)

// ParseCron parses an expression in the given dialect. UNIX expressions have
// five fields. QUARTZ expressions have six or seven fields, start with
// seconds, number weekdays 1-7 from Sunday and accept only "*" or "?" as year.
func ParseCron(expr string, cronType types.CronType) (cronv3.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &types.ConfigError{Field: "cron expression", Reason: "empty"}
	}

	switch cronType {
	case types.CronTypeUnix, "":
		sched, err := unixParser.Parse(expr)
		if err != nil {
			return nil, &types.ConfigError{Field: "cron expression", Reason: err.Error()}
		}
		return sched, nil
	case types.CronTypeQuartz:
		normalized, err := normalizeQuartz(expr)
		if err != nil {
			return nil, &types.ConfigError{Field: "cron expression", Reason: err.Error()}
		}
		sched, err := quartzParser.Parse(normalized)
		if err != nil {
			return nil, &types.ConfigError{Field: "cron expression", Reason: err.Error()}
		}
		return sched, nil
	default:
		return nil, &types.ConfigError{Field: "cron type", Reason: "unknown value " + string(cronType)}
	}
}

func normalizeQuartz(expr string) (string, error) {
	if strings.HasPrefix(expr, "@") {
		return expr, nil
	}
	fields := strings.Fields(expr)
	switch len(fields) {
	case 6:
	case 7:
		if fields[6] != "*" && fields[6] != "?" {
			return "", fmt.Errorf("year field %q is not supported", fields[6])
		}
		fields = fields[:6]
	default:
		return "", fmt.Errorf("expected 6 or 7 fields, found %d", len(fields))
	}

	dow, err := shiftWeekdays(fields[5])
	if err != nil {
		return "", err
	}
	fields[5] = dow
	return strings.Join(fields, " "), nil
}

// shiftWeekdays maps Quartz weekday numbers (1=SUN..7=SAT) onto 0..6.
// Names, wildcards and step values are left untouched.
func shiftWeekdays(field string) (string, error) {
	parts := strings.Split(field, ",")
	for i, part := range parts {
		rng, step, hasStep := strings.Cut(part, "/")
		bounds := strings.Split(rng, "-")
		for j, b := range bounds {
			n, err := strconv.Atoi(b)
			if err != nil {
				continue
			}
			if n < 1 || n > 7 {
				return "", fmt.Errorf("weekday %d out of range 1-7", n)
			}
			bounds[j] = strconv.Itoa(n - 1)
		}
		parts[i] = strings.Join(bounds, "-")
		if hasStep {
			parts[i] += "/" + step
		}
	}
	return strings.Join(parts, ","), nil
}

type cronCalculator struct{}

func (cronCalculator) Next(opt types.ScheduleOption, _, _, now time.Time) (time.Time, bool) {
	sched, err := ParseCron(opt.Cron, opt.CronType)
	if err != nil {
		return time.Time{}, false
	}
	from := now
	if opt.StartAt.After(from) {
		from = opt.StartAt
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func (cronCalculator) Validate(opt types.ScheduleOption) error {
	_, err := ParseCron(opt.Cron, opt.CronType)
	return err
}
