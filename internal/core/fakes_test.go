package core

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskpilot/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memSchedule struct {
	mu      sync.Mutex
	entries []ScheduleEntry
	removed []ScheduleEntry
}

func (m *memSchedule) List(context.Context) ([]ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScheduleEntry(nil), m.entries...), nil
}

func (m *memSchedule) RemoveOneShot(_ context.Context, task, executeAt string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.Task == task && e.ExecuteAt == executeAt && e.Cron == "" {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			m.removed = append(m.removed, e)
			return true, nil
		}
	}
	return false, nil
}

func (m *memSchedule) Save(_ context.Context, entries []ScheduleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]ScheduleEntry(nil), entries...)
	return nil
}

func (m *memSchedule) Add(_ context.Context, entry ScheduleEntry) ([]ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return append([]ScheduleEntry(nil), m.entries...), nil
}

func (m *memSchedule) RemoveAt(_ context.Context, index int) (ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.entries) {
		return ScheduleEntry{}, ErrEntryNotFound
	}
	removed := m.entries[index]
	m.entries = append(m.entries[:index], m.entries[index+1:]...)
	return removed, nil
}

func (m *memSchedule) snapshot() []ScheduleEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScheduleEntry(nil), m.entries...)
}

type call struct {
	Task    string
	Trigger Trigger
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []call
	fired chan call
	block chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{fired: make(chan call, 32)}
}

func (f *fakeExecutor) Execute(_ context.Context, taskName string, trigger Trigger) (*Run, error) {
	c := call{Task: taskName, Trigger: trigger}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	block := f.block
	f.mu.Unlock()
	f.fired <- c
	if block != nil {
		<-block
	}
	return &Run{TaskName: taskName, Trigger: trigger, Status: RunStatusSucceeded}, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAwake struct {
	mu      sync.Mutex
	running bool
	syncs   []bool
}

func (f *fakeAwake) Sync(pending bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = pending
	f.syncs = append(f.syncs, pending)
	return nil
}

func (f *fakeAwake) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeAwake) last() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.syncs) == 0 {
		return false, false
	}
	return f.syncs[len(f.syncs)-1], true
}

type memFailures struct {
	mu      sync.Mutex
	records []FailureRecord
}

func (m *memFailures) Record(_ context.Context, taskName, errorType, message string, errContext map[string]any) (FailureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		r := &m.records[i]
		if r.TaskName == taskName && r.ErrorType == errorType && !r.Dismissed {
			r.Count++
			r.ErrorMessage = message
			return *r, nil
		}
	}
	rec := FailureRecord{
		ID:           taskName + "-" + errorType,
		TaskName:     taskName,
		ErrorType:    errorType,
		ErrorMessage: message,
		Context:      errContext,
		Count:        1,
	}
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memFailures) Dismiss(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].Dismissed = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memFailures) Active(context.Context) ([]FailureRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []FailureRecord
	for _, r := range m.records {
		if !r.Dismissed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memFailures) All(context.Context) ([]FailureRecord, error) {
	return m.all(), nil
}

func (m *memFailures) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	return nil
}

func (m *memFailures) all() []FailureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FailureRecord(nil), m.records...)
}

func waitCall(t *testing.T, ch <-chan call) call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no execution within 5s")
	}
	return call{}
}

func collect(ch <-chan events.Event, d time.Duration) []events.Event {
	var out []events.Event
	deadline := time.After(d)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
}

// writeScript writes an executable shell script under dir/rel.
func writeScript(t *testing.T, dir, rel, body string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}
