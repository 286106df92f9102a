package core

import (
	"context"
	"fmt"
	"time"

	"taskpilot/internal/events"
)

// ScheduleEditor is the writable side of the schedule store.
type ScheduleEditor interface {
	ScheduleStore
	Save(ctx context.Context, entries []ScheduleEntry) error
	Add(ctx context.Context, entry ScheduleEntry) ([]ScheduleEntry, error)
	RemoveAt(ctx context.Context, index int) (ScheduleEntry, error)
}

// FailureStore is the full failure repository surface.
type FailureStore interface {
	FailureRecorder
	Dismiss(ctx context.Context, id string) (bool, error)
	Active(ctx context.Context) ([]FailureRecord, error)
	All(ctx context.Context) ([]FailureRecord, error)
	Clear(ctx context.Context) error
}

// Resolver checks that a task has an entry point.
type Resolver interface {
	Resolve(taskName string) (*Resolution, error)
}

// Control answers the operations the API and MCP front ends expose, keeping
// the scheduler armed from the latest schedule and publishing change events.
type Control struct {
	schedule  ScheduleEditor
	failures  FailureStore
	scheduler *Scheduler
	resolver  Resolver
	bus       events.Bus
	location  *time.Location
}

func NewControl(schedule ScheduleEditor, failures FailureStore, scheduler *Scheduler, resolver Resolver, bus events.Bus, location *time.Location) *Control {
	if bus == nil {
		bus = events.Discard
	}
	if location == nil {
		location = time.Local
	}
	return &Control{
		schedule:  schedule,
		failures:  failures,
		scheduler: scheduler,
		resolver:  resolver,
		bus:       bus,
		location:  location,
	}
}

// Location is the zone used for cron and zone-less timestamps.
func (c *Control) Location() *time.Location {
	return c.location
}

// Schedule returns the persisted schedule.
func (c *Control) Schedule(ctx context.Context) ([]ScheduleEntry, error) {
	return c.schedule.List(ctx)
}

// SaveSchedule validates and replaces the schedule, then re-arms.
func (c *Control) SaveSchedule(ctx context.Context, entries []ScheduleEntry) ([]ScheduleEntry, error) {
	for i, e := range entries {
		if err := ValidateEntry(e, c.location); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	if entries == nil {
		entries = []ScheduleEntry{}
	}
	if err := c.schedule.Save(ctx, entries); err != nil {
		return nil, err
	}
	c.ScheduleChanged(ctx)
	return entries, nil
}

// AddEntry appends one validated entry.
func (c *Control) AddEntry(ctx context.Context, entry ScheduleEntry) ([]ScheduleEntry, error) {
	if err := ValidateEntry(entry, c.location); err != nil {
		return nil, err
	}
	entries, err := c.schedule.Add(ctx, entry)
	if err != nil {
		return nil, err
	}
	c.ScheduleChanged(ctx)
	return entries, nil
}

// RemoveEntry deletes the entry at index.
func (c *Control) RemoveEntry(ctx context.Context, index int) (ScheduleEntry, error) {
	removed, err := c.schedule.RemoveAt(ctx, index)
	if err != nil {
		return ScheduleEntry{}, err
	}
	c.ScheduleChanged(ctx)
	return removed, nil
}

// ScheduleChanged re-arms the scheduler and publishes scheduleUpdated. It is
// also called when the schedule file was edited by hand.
func (c *Control) ScheduleChanged(ctx context.Context) {
	if c.scheduler != nil {
		if err := c.scheduler.Reload(ctx); err != nil {
			c.scheduler.logger.Error("reload schedule", "err", err)
		}
	}
	if entries, err := c.schedule.List(ctx); err == nil {
		c.bus.Publish(events.Event{Type: events.ScheduleUpdated, Data: entries})
	}
}

// NextTask projects the entry that fires soonest.
func (c *Control) NextTask(ctx context.Context) (NextTask, bool, error) {
	entries, err := c.schedule.List(ctx)
	if err != nil {
		return NextTask{}, false, err
	}
	next, ok := ProjectNext(entries, time.Now(), c.location)
	return next, ok, nil
}

// Failures returns active records, or every record when all is set.
func (c *Control) Failures(ctx context.Context, all bool) ([]FailureRecord, error) {
	if all {
		return c.failures.All(ctx)
	}
	return c.failures.Active(ctx)
}

// DismissFailure reports false when no record has id.
func (c *Control) DismissFailure(ctx context.Context, id string) (bool, error) {
	ok, err := c.failures.Dismiss(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	c.bus.Publish(events.Event{Type: events.FailureDismissed, Data: map[string]string{"id": id}})
	return true, nil
}

// ClearFailures empties the failure store.
func (c *Control) ClearFailures(ctx context.Context) error {
	if err := c.failures.Clear(ctx); err != nil {
		return err
	}
	c.bus.Publish(events.Event{Type: events.FailuresCleared})
	return nil
}

// RunTask starts taskName now. Unknown tasks are rejected before anything is
// spawned.
func (c *Control) RunTask(ctx context.Context, taskName string) error {
	if c.resolver != nil {
		if _, err := c.resolver.Resolve(taskName); err != nil {
			return err
		}
	}
	if c.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return c.scheduler.RunNow(ctx, taskName)
}

// Status reports the scheduler state.
func (c *Control) Status(ctx context.Context) (SchedulerStatus, error) {
	if c.scheduler == nil {
		return SchedulerStatus{}, fmt.Errorf("scheduler not configured")
	}
	return c.scheduler.Status(ctx)
}
