package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"taskpilot/internal/core"
)

func openTestStore(t *testing.T, retention int) *Store {
	t.Helper()
	st, err := Open(context.Background(), t.TempDir(), retention)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		st, err := Open(context.Background(), dir, 10)
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		_ = st.Close()
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 10)

	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	run := &core.Run{ID: core.NewID(), TaskName: "ping", Trigger: core.TriggerOnce, Status: core.RunStatusRunning, StartedAt: started}
	if err := st.InsertRun(ctx, run); err != nil {
		t.Fatalf("insert: %v", err)
	}

	code := 1
	errType, msg := "timeout", "task timed out after 30000ms"
	if err := st.MarkRunCompleted(ctx, run.ID, core.RunStatusFailed, started.Add(time.Second), &code, &errType, &msg); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.RunStatusFailed || got.Trigger != core.TriggerOnce || *got.ExitCode != 1 || *got.ErrorType != "timeout" {
		t.Fatalf("run = %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(started.Add(time.Second)) {
		t.Fatalf("ended = %v", got.EndedAt)
	}

	if _, err := st.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := st.MarkRunCompleted(ctx, "missing", core.RunStatusSucceeded, started, nil, nil, nil); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, task := range []string{"a", "b", "a"} {
		run := &core.Run{ID: core.NewID(), TaskName: task, Trigger: core.TriggerCron, Status: core.RunStatusSucceeded, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := st.InsertRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	all, err := st.ListRuns(ctx, "", 10, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("list = %d, %v", len(all), err)
	}
	if !all[0].StartedAt.After(all[1].StartedAt) {
		t.Fatal("not ordered newest first")
	}
	onlyA, _ := st.ListRuns(ctx, "a", 10, 0)
	if len(onlyA) != 2 {
		t.Fatalf("runs of a = %d", len(onlyA))
	}
	page, _ := st.ListRuns(ctx, "", 1, 1)
	if len(page) != 1 || page[0].TaskName != "b" {
		t.Fatalf("page = %+v", page)
	}
}

func TestMarkInterruptedRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 10)
	run := &core.Run{ID: core.NewID(), TaskName: "a", Trigger: core.TriggerManual, Status: core.RunStatusRunning}
	_ = st.InsertRun(ctx, run)
	n, err := st.MarkInterruptedRuns(ctx)
	if err != nil || n != 1 {
		t.Fatalf("interrupted = %d, %v", n, err)
	}
	got, _ := st.GetRun(ctx, run.ID)
	if got.Status != core.RunStatusFailed {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestRunLogsTailAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 1)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 2; i++ {
		run := &core.Run{ID: core.NewID(), TaskName: "ping", Trigger: core.TriggerCron, Status: core.RunStatusSucceeded, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := st.InsertRun(ctx, run); err != nil {
			t.Fatal(err)
		}
		if err := st.EnsureRunLogDir(run.ID); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(st.RunLogPath(run.ID), []byte("one\ntwo\nthree\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, run.ID)
	}

	tail, err := st.ReadRunLog(ctx, ids[1], 2)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(tail) != "two\nthree\n" {
		t.Fatalf("tail = %q", tail)
	}

	if err := st.PruneOldRunLogs(ctx, "ping"); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := os.Stat(st.RunLogPath(ids[0])); !os.IsNotExist(err) {
		t.Fatalf("old log still present: %v", err)
	}
	if _, err := os.Stat(st.RunLogPath(ids[1])); err != nil {
		t.Fatalf("newest log pruned: %v", err)
	}
}

func TestReadTailLines(t *testing.T) {
	t.Parallel()
	got, _ := ReadTailLines(strings.NewReader("a\nb\nc"), 0)
	if string(got) != "a\nb\nc" {
		t.Fatalf("full = %q", got)
	}
	got, _ = ReadTailLines(strings.NewReader("a\nb\nc"), 5)
	if string(got) != "a\nb\nc\n" {
		t.Fatalf("short = %q", got)
	}
}

func TestTaskData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, 10)
	meta := core.DataMeta{RunID: "r1", TaskName: "scrape", Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := st.SaveTaskData(ctx, meta, json.RawMessage(`{"price":42}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveTaskData(ctx, meta, json.RawMessage(`{"price":`)); err == nil {
		t.Fatal("invalid JSON accepted")
	}
	got, err := st.ListTaskData(ctx, "scrape", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || string(got[0].Data) != `{"price":42}` || got[0].RunID != "r1" {
		t.Fatalf("data = %+v", got)
	}
}
