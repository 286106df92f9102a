package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"taskpilot/internal/events"
)

func TestSchedulerFiresPastDueOneShotAndRemovesIt(t *testing.T) {
	t.Parallel()
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	store := &memSchedule{entries: []ScheduleEntry{
		{Task: "ping", ExecuteAt: past},
		{Task: "nightly", Cron: "0 3 * * *"},
	}}
	exec := newFakeExecutor()
	awake := &fakeAwake{}
	s := NewScheduler(store, exec, awake, nil, discardLogger(), time.UTC)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	c := waitCall(t, exec.fired)
	if c.Task != "ping" || c.Trigger != TriggerOnce {
		t.Fatalf("call = %+v", c)
	}
	s.Wait()

	left := store.snapshot()
	if len(left) != 1 || left[0].Task != "nightly" {
		t.Fatalf("schedule after fire = %+v", left)
	}
	if pending, ok := awake.last(); !ok || !pending {
		t.Fatalf("keep-awake pending = %v (synced %v), want true", pending, ok)
	}
}

func TestSchedulerSkipsInvalidEntries(t *testing.T) {
	t.Parallel()
	soon := time.Now().Add(150 * time.Millisecond).UTC().Format(time.RFC3339Nano)
	store := &memSchedule{entries: []ScheduleEntry{
		{Task: "broken", Cron: "61 * * * *"},
		{Task: "garbled", ExecuteAt: "next tuesday"},
		{Task: "both", Cron: "* * * * *", ExecuteAt: soon},
		{Task: "ok", ExecuteAt: soon},
		{Task: "hourly", Cron: "0 * * * *"},
	}}
	exec := newFakeExecutor()
	s := NewScheduler(store, exec, nil, nil, discardLogger(), time.UTC)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	st, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.CronEntries != 1 {
		t.Fatalf("cron entries = %d, want 1", st.CronEntries)
	}

	c := waitCall(t, exec.fired)
	if c.Task != "ok" {
		t.Fatalf("fired %q, want ok", c.Task)
	}
	s.Wait()
	if n := exec.count(); n != 1 {
		t.Fatalf("executions = %d, want 1", n)
	}
	for _, e := range store.snapshot() {
		if e.Task == "ok" {
			t.Fatal("fired one-shot still in schedule")
		}
	}
}

func TestSchedulerStopDisarmsTimers(t *testing.T) {
	t.Parallel()
	later := time.Now().Add(200 * time.Millisecond).UTC().Format(time.RFC3339Nano)
	store := &memSchedule{entries: []ScheduleEntry{{Task: "ping", ExecuteAt: later}}}
	exec := newFakeExecutor()
	s := NewScheduler(store, exec, nil, nil, discardLogger(), time.UTC)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-s.Stop().Done()

	time.Sleep(400 * time.Millisecond)
	if n := exec.count(); n != 0 {
		t.Fatalf("executions after stop = %d", n)
	}
	if len(store.snapshot()) != 1 {
		t.Fatal("disarmed entry must stay persisted")
	}
}

func TestSchedulerReloadDoesNotRefireInFlight(t *testing.T) {
	t.Parallel()
	past := time.Now().Add(-time.Second).UTC().Format(time.RFC3339)
	store := &memSchedule{entries: []ScheduleEntry{{Task: "slow", ExecuteAt: past}}}
	exec := newFakeExecutor()
	exec.block = make(chan struct{})
	s := NewScheduler(store, exec, nil, nil, discardLogger(), time.UTC)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitCall(t, exec.fired)
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	close(exec.block)
	s.Wait()

	if n := exec.count(); n != 1 {
		t.Fatalf("executions = %d, want 1", n)
	}
}

func TestSchedulerRunNow(t *testing.T) {
	t.Parallel()
	store := &memSchedule{}
	exec := newFakeExecutor()
	bus := events.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	s := NewScheduler(store, exec, nil, bus, discardLogger(), time.UTC)
	if err := s.RunNow(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty task")
	}
	if err := s.RunNow(context.Background(), "ping"); err != nil {
		t.Fatalf("run now: %v", err)
	}
	c := waitCall(t, exec.fired)
	if c.Trigger != TriggerManual {
		t.Fatalf("trigger = %q", c.Trigger)
	}
	s.Wait()

	var sawStatus bool
	for _, e := range collect(ch, 100*time.Millisecond) {
		if e.Type == events.SchedulerStatus {
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Fatal("schedulerStatus not published")
	}
}

func TestSchedulerKeepAwakeReleasedWhenScheduleDrains(t *testing.T) {
	t.Parallel()
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	store := &memSchedule{entries: []ScheduleEntry{{Task: "once", ExecuteAt: past}}}
	exec := newFakeExecutor()
	awake := &fakeAwake{running: true}
	s := NewScheduler(store, exec, awake, nil, discardLogger(), time.UTC)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	waitCall(t, exec.fired)
	s.Wait()

	if awake.Running() {
		t.Fatal("keep-awake still running with an empty schedule")
	}
}

// slowSchedule widens the gap between listing and arming.
type slowSchedule struct {
	*memSchedule
	delay time.Duration
}

func (s slowSchedule) List(ctx context.Context) ([]ScheduleEntry, error) {
	time.Sleep(s.delay)
	return s.memSchedule.List(ctx)
}

func TestSchedulerConcurrentReloadsArmOnce(t *testing.T) {
	t.Parallel()
	store := slowSchedule{
		memSchedule: &memSchedule{entries: []ScheduleEntry{{Task: "nightly", Cron: "0 3 * * *"}}},
		delay:       5 * time.Millisecond,
	}
	s := NewScheduler(store, newFakeExecutor(), nil, nil, discardLogger(), time.UTC)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Reload(context.Background()); err != nil {
				t.Errorf("reload: %v", err)
			}
		}()
	}
	wg.Wait()

	st, err := s.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.CronEntries != 1 {
		t.Fatalf("cron entries = %d, want 1", st.CronEntries)
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Fatalf("cron runner entries = %d, want 1", n)
	}
}

func TestSchedulerStopDuringReloadLeavesNothingArmed(t *testing.T) {
	t.Parallel()
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	store := slowSchedule{
		memSchedule: &memSchedule{entries: []ScheduleEntry{
			{Task: "nightly", Cron: "0 3 * * *"},
			{Task: "later", ExecuteAt: future},
		}},
		delay: 50 * time.Millisecond,
	}
	s := NewScheduler(store, newFakeExecutor(), nil, nil, discardLogger(), time.UTC)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Reload(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	<-s.Stop().Done()
	if err := <-done; err != nil {
		t.Fatalf("reload: %v", err)
	}

	s.mu.Lock()
	cronIDs, timers := len(s.cronIDs), len(s.timers)
	s.mu.Unlock()
	if cronIDs != 0 || timers != 0 {
		t.Fatalf("armed after stop: cron=%d timers=%d", cronIDs, timers)
	}
}

func TestSchedulerFiresEveryDuplicateOneShot(t *testing.T) {
	t.Parallel()
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	store := &memSchedule{entries: []ScheduleEntry{
		{Task: "ping", ExecuteAt: past},
		{Task: "ping", ExecuteAt: past},
	}}
	exec := newFakeExecutor()
	s := NewScheduler(store, exec, nil, nil, discardLogger(), time.UTC)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitCall(t, exec.fired)
	waitCall(t, exec.fired)
	s.Wait()

	if n := exec.count(); n != 2 {
		t.Fatalf("executions = %d, want 2", n)
	}
	if left := store.snapshot(); len(left) != 0 {
		t.Fatalf("schedule after fire = %+v", left)
	}
}

func TestSchedulerReloadKeepsDuplicateInFlight(t *testing.T) {
	t.Parallel()
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	store := &memSchedule{entries: []ScheduleEntry{
		{Task: "ping", ExecuteAt: past},
		{Task: "ping", ExecuteAt: past},
	}}
	exec := newFakeExecutor()
	exec.block = make(chan struct{})
	s := NewScheduler(store, exec, nil, nil, discardLogger(), time.UTC)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitCall(t, exec.fired)
	waitCall(t, exec.fired)
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	close(exec.block)
	s.Wait()

	if n := exec.count(); n != 2 {
		t.Fatalf("executions = %d, want 2", n)
	}
	if left := store.snapshot(); len(left) != 0 {
		t.Fatalf("schedule after fire = %+v", left)
	}
}

func TestSchedulerWaitCoversTimerFires(t *testing.T) {
	t.Parallel()
	soon := time.Now().Add(20 * time.Millisecond).UTC().Format(time.RFC3339Nano)
	store := &memSchedule{entries: []ScheduleEntry{{Task: "ping", ExecuteAt: soon}}}
	exec := newFakeExecutor()
	s := NewScheduler(store, exec, nil, nil, discardLogger(), time.UTC)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	waitCall(t, exec.fired)
	s.Wait()

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != 0 {
		t.Fatalf("active fires after Wait = %d", active)
	}
	if left := store.snapshot(); len(left) != 0 {
		t.Fatalf("one-shot not removed before Wait returned: %+v", left)
	}
}
