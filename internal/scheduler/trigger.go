package scheduler

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// computeNextRun derives a task's next_run from its trigger, following
// spec.md §4.3's three trigger rules. now is injected so dispatcher ticks
// are testable without wall-clock dependence.
func computeNextRun(trig Trigger, lastRun *time.Time, now time.Time) (*time.Time, error) {
	switch trig.Type {
	case TriggerOnce:
		if lastRun != nil {
			// Already fired once; once-tasks are disabled after firing
			// rather than rescheduled.
			return nil, nil
		}
		run := trig.RunAt
		return &run, nil

	case TriggerInterval:
		if trig.IntervalMinutes <= 0 {
			return nil, fmt.Errorf("scheduler: interval trigger requires interval_minutes > 0")
		}
		base := now
		if lastRun != nil && lastRun.After(base) {
			base = *lastRun
		}
		next := base.Add(time.Duration(trig.IntervalMinutes) * time.Minute)
		return &next, nil

	case TriggerCron:
		if trig.CronExpr == "" {
			return nil, fmt.Errorf("scheduler: cron trigger requires cron_expr")
		}
		loc := time.UTC
		if trig.Timezone != "" {
			l, err := time.LoadLocation(trig.Timezone)
			if err != nil {
				return nil, fmt.Errorf("scheduler: invalid timezone %q: %w", trig.Timezone, err)
			}
			loc = l
		}
		ref := now.In(loc)
		next, err := gronx.NextTickAfter(trig.CronExpr, ref, false)
		if err != nil {
			return nil, fmt.Errorf("scheduler: evaluate cron %q: %w", trig.CronExpr, err)
		}
		return &next, nil

	default:
		return nil, fmt.Errorf("scheduler: unknown trigger type %q", trig.Type)
	}
}

// validateCron reports whether expr is a well-formed 5-field cron
// expression, used at task-creation time to fail fast.
func validateCron(expr string) bool {
	g := gronx.New()
	return g.IsValid(expr)
}
