package cron

import (
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// NextRun derives the next run time (epoch ms) for a schedule from now.
func NextRun(schedule Schedule, now time.Time) (int64, error) {
	switch schedule.Kind {
	case ScheduleKindAt:
		return nextRunAt(schedule)
	case ScheduleKindEvery:
		return nextRunEvery(schedule, now)
	case ScheduleKindCron:
		return nextRunCron(schedule, now)
	default:
		return 0, fmt.Errorf("unknown schedule kind: %q", schedule.Kind)
	}
}

func nextRunAt(schedule Schedule) (int64, error) {
	if schedule.At == "" {
		return 0, fmt.Errorf("'at' schedule requires 'at' field")
	}

	t, err := time.Parse(time.RFC3339, schedule.At)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp: %w", err)
	}

	return t.UnixMilli(), nil
}

func nextRunEvery(schedule Schedule, now time.Time) (int64, error) {
	if schedule.EveryMs <= 0 {
		return 0, fmt.Errorf("'every' schedule requires positive 'everyMs' value")
	}

	return now.UnixMilli() + schedule.EveryMs, nil
}

func nextRunCron(schedule Schedule, now time.Time) (int64, error) {
	if schedule.Expr == "" {
		return 0, fmt.Errorf("'cron' schedule requires 'expr' field")
	}

	parser := robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)
	sched, err := parser.Parse(schedule.Expr)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression: %w", err)
	}

	if schedule.TZ != "" {
		loc, err := time.LoadLocation(schedule.TZ)
		if err != nil {
			return 0, fmt.Errorf("invalid timezone: %w", err)
		}
		now = now.In(loc)
	}

	return sched.Next(now).UnixMilli(), nil
}
