package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidEntry is returned for schedule entries that can never be armed.
	ErrInvalidEntry = errors.New("invalid schedule entry")
	// ErrEntryNotFound is returned when a schedule index is out of range.
	ErrEntryNotFound = errors.New("schedule entry not found")
)

var localExecuteAtLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseExecuteAt parses an ISO-8601 timestamp. Values without a zone are
// read in loc.
func ParseExecuteAt(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range localExecuteAtLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable executeAt %q", value)
}

// ValidateEntry checks the trigger of a single entry.
func ValidateEntry(e ScheduleEntry, loc *time.Location) error {
	if strings.TrimSpace(e.Task) == "" {
		return fmt.Errorf("%w: task is required", ErrInvalidEntry)
	}
	switch {
	case e.Cron != "" && e.ExecuteAt != "":
		return fmt.Errorf("%w: %s: cron and executeAt are mutually exclusive", ErrInvalidEntry, e.Task)
	case e.Cron != "":
		if _, err := ParseCron(e.Cron); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidEntry, e.Task, err)
		}
	case e.ExecuteAt != "":
		if _, err := ParseExecuteAt(e.ExecuteAt, loc); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidEntry, e.Task, err)
		}
	default:
		return fmt.Errorf("%w: %s: one of cron or executeAt is required", ErrInvalidEntry, e.Task)
	}
	return nil
}

// HasPendingWork reports whether the schedule still has something to run:
// any cron entry, or a one-shot entry due after now.
func HasPendingWork(entries []ScheduleEntry, now time.Time, loc *time.Location) bool {
	for _, e := range entries {
		if e.Cron != "" {
			return true
		}
		if e.ExecuteAt == "" {
			continue
		}
		at, err := ParseExecuteAt(e.ExecuteAt, loc)
		if err == nil && at.After(now) {
			return true
		}
	}
	return false
}

// NextTask is the entry that fires soonest.
type NextTask struct {
	Entry ScheduleEntry `json:"entry"`
	Index int           `json:"index"`
	At    time.Time     `json:"at"`
	In    time.Duration `json:"in"`
}

// ProjectNext returns the entry with the smallest positive time-to-fire.
// Invalid entries and past one-shots are ignored.
func ProjectNext(entries []ScheduleEntry, now time.Time, loc *time.Location) (NextTask, bool) {
	if loc == nil {
		loc = time.Local
	}
	var best NextTask
	found := false
	for i, e := range entries {
		var at time.Time
		switch {
		case e.Cron != "" && e.ExecuteAt != "":
			continue
		case e.Cron != "":
			schedule, err := ParseCron(e.Cron)
			if err != nil {
				continue
			}
			at = schedule.Next(now.In(loc))
		case e.ExecuteAt != "":
			t, err := ParseExecuteAt(e.ExecuteAt, loc)
			if err != nil {
				continue
			}
			at = t
		default:
			continue
		}
		in := at.Sub(now)
		if at.IsZero() || in <= 0 {
			continue
		}
		if !found || in < best.In {
			best = NextTask{Entry: e, Index: i, At: at, In: in}
			found = true
		}
	}
	return best, found
}
