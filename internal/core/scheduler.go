package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/events"
)

// ScheduleStore is the persisted schedule the scheduler arms from.
type ScheduleStore interface {
	List(ctx context.Context) ([]ScheduleEntry, error)
	RemoveOneShot(ctx context.Context, task, executeAt string) (bool, error)
}

// Executor runs one task to completion.
type Executor interface {
	Execute(ctx context.Context, taskName string, trigger Trigger) (*Run, error)
}

// KeepAwake is told after every fire whether scheduled work remains.
type KeepAwake interface {
	Sync(pending bool) error
	Running() bool
}

// SchedulerStatus is a snapshot of what is armed.
type SchedulerStatus struct {
	Running      bool      `json:"running"`
	CronEntries  int       `json:"cronEntries"`
	OneShots     int       `json:"oneShots"`
	InFlight     int       `json:"inFlight"`
	KeepingAwake bool      `json:"keepingAwake"`
	Next         *NextTask `json:"next,omitempty"`
}


// Scheduler arms cron entries on a cron runner and one-shot entries on
// timers. One-shots are removed from the store once their run settles.
type Scheduler struct {
	schedule ScheduleStore
	executor Executor
	awake    KeepAwake
	bus      events.Bus
	logger   *slog.Logger
	location *time.Location

	// armMu serializes list-then-arm passes with each other and with one-shot
	// removal, so an arm pass never works from a stale list.
	armMu sync.Mutex

	mu      sync.Mutex
	cron    *cron.Cron
	cronIDs []cron.EntryID
	timers  map[string]*time.Timer
	// inFlight counts running one-shots per (task, executeAt) whose rows are
	// still in the store.
	inFlight map[string]int
	running  bool
	ctx      context.Context

	active int
	idle   *sync.Cond
}

// NewScheduler constructs a scheduler with the given dependencies. awake
// and bus may be nil.
func NewScheduler(schedule ScheduleStore, executor Executor, awake KeepAwake, bus events.Bus, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	if bus == nil {
		bus = events.Discard
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	s := &Scheduler{
		schedule: schedule,
		executor: executor,
		awake:    awake,
		bus:      bus,
		logger:   logger,
		location: location,
		cron:     c,
		timers:   make(map[string]*time.Timer),
		inFlight: make(map[string]int),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Start arms every valid entry and starts the cron runner. Invalid entries
// are logged and skipped. Task runs use a context detached from ctx so that
// stopping the scheduler never kills running processes.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx = context.WithoutCancel(ctx)
	s.running = true
	s.mu.Unlock()

	if err := s.arm(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.cron.Start()
	s.settle()
	return nil
}

// Stop disarms all timers and cron entries. Running task processes are left
// alone. The returned context is done once in-progress cron jobs return.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	s.disarmLocked()
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	s.publishStatus(context.Background())
	return ctx
}

// Reload disarms everything and arms again from the store. One-shots that
// are currently running are not fired a second time.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}
	if err := s.arm(ctx); err != nil {
		return err
	}
	s.settle()
	return nil
}

// RunNow starts taskName in the background through the same execution path
// as scheduled fires.
func (s *Scheduler) RunNow(ctx context.Context, taskName string) error {
	if strings.TrimSpace(taskName) == "" {
		return fmt.Errorf("%w: task is required", ErrInvalidEntry)
	}
	s.mu.Lock()
	runCtx := s.ctx
	s.beginFireLocked()
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.WithoutCancel(ctx)
	}

	go func() {
		defer s.endFire()
		if _, err := s.executor.Execute(runCtx, taskName, TriggerManual); err != nil {
			s.logger.Error("manual run", "task", taskName, "err", err)
		}
		s.settle()
	}()
	return nil
}

// Wait blocks until no fire is in progress.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active > 0 {
		s.idle.Wait()
	}
}

// Status reports what is armed and which entry fires next.
func (s *Scheduler) Status(ctx context.Context) (SchedulerStatus, error) {
	entries, err := s.schedule.List(ctx)
	if err != nil {
		return SchedulerStatus{}, fmt.Errorf("list schedule: %w", err)
	}
	s.mu.Lock()
	st := SchedulerStatus{
		Running:     s.running,
		CronEntries: len(s.cronIDs),
		OneShots:    len(s.timers),
		InFlight:    s.inFlightLocked(),
	}
	s.mu.Unlock()
	if s.awake != nil {
		st.KeepingAwake = s.awake.Running()
	}
	if next, ok := ProjectNext(entries, time.Now(), s.location); ok {
		st.Next = &next
	}
	return st, nil
}

// arm replaces whatever is armed with the current store contents. It does
// nothing once the scheduler is stopped.
func (s *Scheduler) arm(ctx context.Context) error {
	s.armMu.Lock()
	defer s.armMu.Unlock()

	entries, err := s.schedule.List(ctx)
	if err != nil {
		return fmt.Errorf("list schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.disarmLocked()

	now := time.Now()
	// Identical one-shot rows are separate entries. The first inFlight[key]
	// rows of a key belong to runs that have not removed them yet.
	seen := make(map[string]int)
	for i, entry := range entries {
		if err := ValidateEntry(entry, s.location); err != nil {
			s.logger.Warn("skip schedule entry", "index", i, "task", entry.Task, "err", err)
			continue
		}
		if entry.Cron != "" {
			s.armCronLocked(entry)
			continue
		}
		key := oneShotKey(entry)
		n := seen[key]
		seen[key]++
		if n < s.inFlight[key] {
			continue
		}
		at, _ := ParseExecuteAt(entry.ExecuteAt, s.location)
		s.armOnceLocked(entry, key, fmt.Sprintf("%s\x00%d", key, n), at.Sub(now))
	}
	s.logger.Info("schedule armed", "cron", len(s.cronIDs), "once", len(s.timers), "in_flight", s.inFlightLocked())
	return nil
}

func (s *Scheduler) armCronLocked(entry ScheduleEntry) {
	schedule, err := ParseCron(entry.Cron)
	if err != nil {
		return
	}
	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		s.beginFireLocked()
		s.mu.Unlock()
		defer s.endFire()
		s.fire(entry, TriggerCron)
	}))
	s.cronIDs = append(s.cronIDs, id)
}

func (s *Scheduler) armOnceLocked(entry ScheduleEntry, key, timerKey string, delay time.Duration) {
	if delay <= 0 {
		// Past-due entries run now instead of being dropped.
		s.inFlight[key]++
		s.beginFireLocked()
		go func() {
			defer s.endFire()
			s.fireOnce(entry, key)
		}()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[timerKey] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, timerKey)
		s.inFlight[key]++
		s.beginFireLocked()
		s.mu.Unlock()

		defer s.endFire()
		s.fireOnce(entry, key)
	})
	s.timers[timerKey] = t
}

func (s *Scheduler) disarmLocked() {
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	for _, id := range s.cronIDs {
		s.cron.Remove(id)
	}
	s.cronIDs = nil
}

func (s *Scheduler) inFlightLocked() int {
	n := 0
	for _, c := range s.inFlight {
		n += c
	}
	return n
}

func (s *Scheduler) beginFireLocked() {
	s.active++
}

func (s *Scheduler) endFire() {
	s.mu.Lock()
	s.active--
	if s.active == 0 {
		s.idle.Broadcast()
	}
	s.mu.Unlock()
}

func (s *Scheduler) fire(entry ScheduleEntry, trigger Trigger) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.logger.Info("schedule fired", "task", entry.Task, "trigger", trigger)
	if _, err := s.executor.Execute(ctx, entry.Task, trigger); err != nil {
		s.logger.Error("execute task", "task", entry.Task, "err", err)
	}
	if trigger == TriggerCron {
		s.settle()
	}
}

func (s *Scheduler) fireOnce(entry ScheduleEntry, key string) {
	s.fire(entry, TriggerOnce)

	// Match by tuple: the list may have been edited while the task ran.
	// The row and its in-flight count go away together.
	ctx := context.Background()
	s.armMu.Lock()
	removed, err := s.schedule.RemoveOneShot(ctx, entry.Task, entry.ExecuteAt)
	s.mu.Lock()
	if s.inFlight[key]--; s.inFlight[key] <= 0 {
		delete(s.inFlight, key)
	}
	s.mu.Unlock()
	s.armMu.Unlock()
	if err != nil {
		s.logger.Error("remove one-shot entry", "task", entry.Task, "execute_at", entry.ExecuteAt, "err", err)
	}

	if removed {
		if entries, err := s.schedule.List(ctx); err == nil {
			s.bus.Publish(events.Event{Type: events.ScheduleUpdated, Data: entries})
		}
	}
	s.settle()
}

// settle re-evaluates sleep prevention and publishes the scheduler status.
func (s *Scheduler) settle() {
	ctx := context.Background()
	if s.awake != nil {
		entries, err := s.schedule.List(ctx)
		if err != nil {
			s.logger.Warn("list schedule for keep-awake", "err", err)
		} else if err := s.awake.Sync(HasPendingWork(entries, time.Now(), s.location)); err != nil {
			s.logger.Warn("keep-awake sync", "err", err)
		}
	}
	s.publishStatus(ctx)
}

func (s *Scheduler) publishStatus(ctx context.Context) {
	st, err := s.Status(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Debug("scheduler status", "err", err)
		}
		return
	}
	s.bus.Publish(events.Event{Type: events.SchedulerStatus, Data: st})
}

func oneShotKey(e ScheduleEntry) string {
	return e.Task + "\x00" + e.ExecuteAt
}
