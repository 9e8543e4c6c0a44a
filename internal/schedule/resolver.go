// Package schedule maps a target's schedule configuration to concrete
// trigger definitions and answers which daily slots a target has missed.
// All functions are pure: they never touch stores or the clock.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"mp_watcher/internal/domain"
)

// DefaultDailyTimes is used when a daily target lists no times.
var DefaultDailyTimes = []string{"09:00", "13:00", "18:00", "22:00"}

// TriggerSpec is one firing rule derived from a target. Daily targets get
// one spec per listed time so a bad entry never affects its siblings.
type TriggerSpec struct {
	ID       string // "<targetID>" or "<targetID>-<idx>" for daily slots
	TargetID string
	Spec     string // human-readable form for diagnostics
	Schedule cron.Schedule
}

// TriggersFor derives the trigger set for a target. Invalid configuration
// yields zero triggers for the offending entry plus a joined error the
// caller is expected to log; it is never fatal.
func TriggersFor(t *domain.Target) ([]TriggerSpec, error) {
	switch t.Schedule.Mode {
	case domain.ScheduleInterval:
		return intervalTriggers(t)
	case domain.ScheduleDaily:
		return dailyTriggers(t)
	case domain.ScheduleCron:
		return cronTriggers(t)
	default:
		return legacyTriggers(t)
	}
}

func intervalTriggers(t *domain.Target) ([]TriggerSpec, error) {
	minutes := intervalMinutes(t.Schedule)
	if minutes <= 0 {
		return nil, fmt.Errorf("target %s: interval schedule without a positive value", t.Name)
	}
	every := time.Duration(minutes) * time.Minute
	return []TriggerSpec{{
		ID:       t.ID,
		TargetID: t.ID,
		Spec:     "@every " + every.String(),
		Schedule: cron.Every(every),
	}}, nil
}

func dailyTriggers(t *domain.Target) ([]TriggerSpec, error) {
	times := t.Schedule.DailyTimes
	if len(times) == 0 {
		times = DefaultDailyTimes
	}

	var specs []TriggerSpec
	var errs []error
	for idx, hhmm := range times {
		h, m, err := ParseHHMM(hhmm)
		if err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", t.Name, err))
			continue
		}
		expr := fmt.Sprintf("%d %d * * *", m, h)
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("target %s: daily time %q: %w", t.Name, hhmm, err))
			continue
		}
		specs = append(specs, TriggerSpec{
			ID:       fmt.Sprintf("%s-%d", t.ID, idx),
			TargetID: t.ID,
			Spec:     expr,
			Schedule: sched,
		})
	}
	return specs, errors.Join(errs...)
}

func cronTriggers(t *domain.Target) ([]TriggerSpec, error) {
	expr := strings.TrimSpace(t.Schedule.CronExpr)
	if expr == "" {
		return nil, fmt.Errorf("target %s: cron schedule without an expression", t.Name)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("target %s: cron expression %q: %w", t.Name, expr, err)
	}
	return []TriggerSpec{{
		ID:       t.ID,
		TargetID: t.ID,
		Spec:     expr,
		Schedule: sched,
	}}, nil
}

func legacyTriggers(t *domain.Target) ([]TriggerSpec, error) {
	minutes := intervalMinutes(t.Schedule)
	if minutes <= 0 {
		return nil, nil
	}
	every := time.Duration(minutes) * time.Minute
	return []TriggerSpec{{
		ID:       t.ID,
		TargetID: t.ID,
		Spec:     "@every " + every.String(),
		Schedule: cron.Every(every),
	}}, nil
}

// intervalMinutes converts the interval fields to whole minutes, floored at
// one. FreqMinutes serves as the legacy fallback.
func intervalMinutes(s domain.Schedule) int {
	if s.Mode == domain.ScheduleInterval && s.IntervalValue > 0 {
		v := s.IntervalValue
		switch s.IntervalUnit {
		case "hour":
			v *= 60
		case "day":
			v *= 1440
		}
		return max(int(v), 1)
	}
	if s.FreqMinutes > 0 {
		return max(s.FreqMinutes, 1)
	}
	return 0
}

// MissedDailyTimes returns the daily slots of the reference day that are
// strictly before now and not covered by the target's last run, where
// "covered" means the last run happened today at or after the slot. The
// caller fires at most one catch-up run per target regardless of how many
// slots are returned.
func MissedDailyTimes(t *domain.Target, now time.Time) []string {
	if t.Schedule.Mode != domain.ScheduleDaily {
		return nil
	}
	times := t.Schedule.DailyTimes
	if len(times) == 0 {
		times = DefaultDailyTimes
	}

	var lastRun *time.Time
	if t.LastRunAt != nil {
		l := t.LastRunAt.In(now.Location())
		lastRun = &l
	}

	var missed []string
	for _, hhmm := range times {
		h, m, err := ParseHHMM(hhmm)
		if err != nil {
			continue
		}
		slot := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
		if !slot.Before(now) {
			continue
		}
		if lastRun != nil && sameDay(*lastRun, now) && !lastRun.Before(slot) {
			continue
		}
		missed = append(missed, hhmm)
	}
	return missed
}

// ParseHHMM parses a "HH:MM" time-of-day string.
func ParseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
