// Package schedule computes the next occurrence of a recurring job and
// applies its outcome to a job.Record (spec component J, the rescheduler).
// Cron-string parsing and timezone handling follow the teacher's
// internal/cronjob use of robfig/cron/v3; human-interval parsing follows
// the teacher's internal/cron parseEvery.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/agenda/internal/job"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Outcome is the dispatcher's report of how a handler finished; the
// rescheduler uses it to decide the next nextRunAt/lockedAt/failCount
// transition (spec §4.J).
type Outcome struct {
	Success bool
	Err     error
	Now     time.Time
}

// Reschedule applies outcome to rec in place and returns it, mirroring
// spec §4.J exactly:
//   - success + repeating: compute the next occurrence, persist it, clear
//     the lock.
//   - success + one-shot: clear the lock, leave nextRunAt null.
//   - failure: stamp failedAt/failReason, increment failCount, clear the
//     lock, and never auto-reschedule.
func Reschedule(rec *job.Record, outcome Outcome) *job.Record {
	now := outcome.Now
	if now.IsZero() {
		now = time.Now()
	}

	if !outcome.Success {
		rec.FailedAt = &now
		if outcome.Err != nil {
			rec.FailReason = outcome.Err.Error()
		}
		rec.FailCount++
		rec.LockedAt = nil
		return rec
	}

	rec.LastRunAt = &now
	repeating := rec.RepeatInterval != "" || rec.RepeatAt != ""
	if !repeating {
		rec.LastFinishedAt = &now
		rec.LockedAt = nil
		rec.NextRunAt = nil
		return rec
	}

	next, err := Next(rec, now)
	if err != nil {
		rec.FailedAt = &now
		if rec.RepeatInterval != "" {
			rec.FailReason = "failed to calculate nextRunAt due to invalid repeat interval"
		} else {
			rec.FailReason = "failed to calculate nextRunAt due to invalid repeatAt"
		}
		rec.FailCount++
		rec.LockedAt = nil
		rec.NextRunAt = nil
		return rec
	}
	rec.LastFinishedAt = &now
	rec.NextRunAt = next
	rec.LockedAt = nil
	return rec
}

// Next computes rec's next occurrence after from, honoring RepeatTimezone,
// SkipDays, StartDate, and EndDate. It returns an error if the next
// occurrence falls after EndDate.
func Next(rec *job.Record, from time.Time) (*time.Time, error) {
	loc, err := location(rec.RepeatTimezone)
	if err != nil {
		return nil, err
	}

	var next time.Time
	switch {
	case rec.RepeatInterval != "":
		next, err = nextFromInterval(rec.RepeatInterval, from, loc)
	case rec.RepeatAt != "":
		next, err = nextFromRepeatAt(rec.RepeatAt, from, loc)
	default:
		return nil, fmt.Errorf("job %q has no repeat schedule", rec.Name)
	}
	if err != nil {
		return nil, err
	}

	next = applySkipDays(next, rec.SkipDays, loc)

	if rec.StartDate != nil && next.Before(*rec.StartDate) {
		next = *rec.StartDate
		next = applySkipDays(next, rec.SkipDays, loc)
	}
	if rec.EndDate != nil && next.After(*rec.EndDate) {
		return nil, fmt.Errorf("job %q: next occurrence %s is past endDate %s", rec.Name, next, *rec.EndDate)
	}
	return &next, nil
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid repeatTimezone %q: %w", tz, err)
	}
	return loc, nil
}

// nextFromInterval accepts either a standard five-field cron expression,
// a cron.Descriptor alias (@daily, @hourly, ...), or a human "@every
// <duration>" form, matching the teacher's two parallel interval idioms
// (internal/cronjob's robfig/cron usage and internal/cron's parseEvery).
func nextFromInterval(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if d, ok := parseEvery(expr); ok {
		return from.In(loc).Add(d), nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid repeatInterval %q: %w", expr, err)
	}
	return sched.Next(from.In(loc)), nil
}

// parseEvery parses "@every <duration>" schedules.
func parseEvery(expr string) (time.Duration, bool) {
	if !strings.HasPrefix(expr, "@every ") {
		return 0, false
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// nextFromRepeatAt computes the next occurrence of a daily wall-clock time
// given as "HH:MM" or "HH:MM:SS", in loc.
func nextFromRepeatAt(clock string, from time.Time, loc *time.Location) (time.Time, error) {
	layout := "15:04"
	if strings.Count(clock, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.ParseInLocation(layout, clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid repeatAt %q: %w", clock, err)
	}
	fromLoc := from.In(loc)
	candidate := time.Date(fromLoc.Year(), fromLoc.Month(), fromLoc.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
	if !candidate.After(fromLoc) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

// applySkipDays advances t to the next day not in skip, preserving
// time-of-day, per spec §4.J.
func applySkipDays(t time.Time, skip []time.Weekday, loc *time.Location) time.Time {
	if len(skip) == 0 {
		return t
	}
	skipped := make(map[time.Weekday]bool, len(skip))
	for _, d := range skip {
		skipped[d] = true
	}
	t = t.In(loc)
	for i := 0; i < 7 && skipped[t.Weekday()]; i++ {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
