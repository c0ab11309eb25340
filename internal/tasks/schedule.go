package tasks

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"

	"github.com/chorushq/chorus/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow), matching the expression shape named in spec §6.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// nextRunAfterOccurrence computes {enabled, nextRunAt} for a task that just
// fired, per §4.6(a)(2): cron/rrule are evaluated against the current wall
// time (base), never against scheduledFor, to avoid back-fill storms after
// downtime; once tasks disable themselves.
func nextRunAfterOccurrence(t persistence.ScheduledTask, base time.Time) (enabled bool, nextRunAt *time.Time, err error) {
	switch t.ScheduleKind {
	case persistence.ScheduleKindOnce:
		return false, nil, nil
	case persistence.ScheduleKindCron:
		next, err := nextCronRun(t.CronExpr, t.Timezone, base)
		if err != nil {
			return false, nil, err
		}
		return true, &next, nil
	case persistence.ScheduleKindRRule:
		next, err := nextRRuleRun(t.RRuleExpr, t.Timezone, base)
		if err != nil {
			return false, nil, err
		}
		if next == nil {
			return false, nil, nil
		}
		return true, next, nil
	default:
		return false, nil, fmt.Errorf("unknown schedule kind %q", t.ScheduleKind)
	}
}

// initialNextRunAt computes the first nextRunAt for a newly created or
// re-enabled task, anchored at anchor (task-create time, or now on enable).
func initialNextRunAt(t persistence.ScheduledTask, anchor time.Time) (*time.Time, error) {
	switch t.ScheduleKind {
	case persistence.ScheduleKindOnce:
		if t.OnceAt == nil {
			return nil, fmt.Errorf("once schedule requires onceAt")
		}
		at := *t.OnceAt
		return &at, nil
	case persistence.ScheduleKindCron:
		next, err := nextCronRun(t.CronExpr, t.Timezone, anchor)
		if err != nil {
			return nil, err
		}
		return &next, nil
	case persistence.ScheduleKindRRule:
		return nextRRuleRun(t.RRuleExpr, t.Timezone, anchor)
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", t.ScheduleKind)
	}
}

// normalizeRRuleExpr returns expr with a DTSTART;TZID=<tz>:<anchor> line
// prepended (and an RRULE: prefix added if missing) when expr doesn't
// already carry a DTSTART — the anchored form is what gets persisted, per
// spec §6's rrule handling.
func normalizeRRuleExpr(expr, tz string, anchor time.Time) (string, error) {
	if strings.Contains(expr, "DTSTART") {
		return expr, nil
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return "", err
	}
	body := expr
	if !strings.HasPrefix(strings.ToUpper(body), "RRULE:") {
		body = "RRULE:" + body
	}
	return fmt.Sprintf("DTSTART;TZID=%s:%s\n%s", tzNameOrUTC(tz), anchor.In(loc).Format("20060102T150405"), body), nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

func nextCronRun(expr, tz string, base time.Time) (time.Time, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(base.In(loc)).UTC(), nil
}

// nextRRuleRun expands expr, injecting a DTSTART;TZID=<tz>:<anchor> line
// when the expression doesn't already carry one, and returns the first
// occurrence strictly after base, or nil if the rule has no more occurrences.
func nextRRuleRun(expr, tz string, base time.Time) (*time.Time, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return nil, err
	}

	full, err := normalizeRRuleExpr(expr, tz, base)
	if err != nil {
		return nil, err
	}

	set, err := rrule.StrToRRuleSet(full)
	if err != nil {
		return nil, fmt.Errorf("parse rrule expression %q: %w", expr, err)
	}

	next := set.After(base.In(loc), false)
	if next.IsZero() {
		return nil, nil
	}
	nextUTC := next.UTC()
	return &nextUTC, nil
}

func tzNameOrUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}
