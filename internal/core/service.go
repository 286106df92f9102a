package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/events"
	"taskpilot/internal/protocol"
	"taskpilot/internal/taskerr"
)

// RunStore persists run history and owns the run log files.
type RunStore interface {
	InsertRun(ctx context.Context, run *Run) error
	MarkRunCompleted(ctx context.Context, id string, status RunStatus, endedAt time.Time, exitCode *int, errorType, errMsg *string) error
	EnsureRunLogDir(runID string) error
	RunLogPath(runID string) string
	PruneOldRunLogs(ctx context.Context, taskName string) error
}

// FailureRecorder stores FAILED markers with deduplication.
type FailureRecorder interface {
	Record(ctx context.Context, taskName, errorType, message string, errContext map[string]any) (FailureRecord, error)
}

// DataSink receives COMPLETED_WITH_DATA payloads.
type DataSink interface {
	SaveTaskData(ctx context.Context, meta DataMeta, data json.RawMessage) error
}

// Notifier pushes a message about a fresh failure to an operator.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// Service runs tasks and turns their status markers into run history,
// failure records and bus events.
type Service struct {
	runner   ProcessRunner
	failures FailureRecorder
	bus      events.Bus
	logger   *slog.Logger

	runs     RunStore
	data     DataSink
	notifier Notifier
	now      func() time.Time

	recording sync.WaitGroup
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

func WithRunStore(runs RunStore) ServiceOption {
	return func(s *Service) { s.runs = runs }
}

func WithDataSink(sink DataSink) ServiceOption {
	return func(s *Service) { s.data = sink }
}

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

func withServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires the execution path.
func NewService(runner ProcessRunner, failures FailureRecorder, bus events.Bus, logger *slog.Logger, opts ...ServiceOption) *Service {
	if bus == nil {
		bus = events.Discard
	}
	s := &Service{
		runner:   runner,
		failures: failures,
		bus:      bus,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wait blocks until every in-flight failure recording has finished.
func (s *Service) Wait() {
	s.recording.Wait()
}

// Execute runs taskName and blocks until its process exits. The returned run
// reflects the final state. A non-nil error means the process never started.
func (s *Service) Execute(ctx context.Context, taskName string, trigger Trigger) (*Run, error) {
	run := &Run{
		ID:        NewID(),
		TaskName:  taskName,
		Trigger:   trigger,
		Status:    RunStatusRunning,
		StartedAt: s.now(),
	}
	logWriter := io.Writer(io.Discard)
	if s.runs != nil {
		if err := s.runs.InsertRun(ctx, run); err != nil {
			return nil, fmt.Errorf("insert run: %w", err)
		}
		if f, err := s.openRunLog(run.ID); err != nil {
			s.logger.Warn("open run log", "run_id", run.ID, "err", err)
		} else {
			defer f.Close()
			logWriter = f
		}
	}

	x := &execution{
		svc:      s,
		ctx:      ctx,
		run:      run,
		taskName: taskName,
		log:      &syncWriter{w: logWriter},
		done:     make(chan struct{}),
	}
	x.stdout = &lineSplitter{emit: x.handleStdout}
	x.stderr = &lineSplitter{emit: x.handleStderr}

	s.logger.Info("task started", "task", taskName, "run_id", run.ID, "trigger", trigger)
	s.runner.Run(ctx, taskName, x)
	<-x.done

	// Run bookkeeping must survive a canceled caller context.
	finishCtx := context.WithoutCancel(ctx)
	ended := s.now()
	run.EndedAt = &ended

	var execErr error
	switch {
	case x.startErr != nil:
		execErr = x.startErr
		run.Status = RunStatusFailed
		run.ErrorType = strPtr(string(taskerr.KindUnknown))
		run.Error = strPtr(x.startErr.Error())
		s.failAsync(x.taskName, run.ID, string(taskerr.KindUnknown), x.startErr.Error(),
			map[string]any{"message": x.startErr.Error()}, ended)
	default:
		code := x.exitCode
		run.ExitCode = &code
		errorType, errorMessage := x.failure()
		switch {
		case errorType != "":
			run.Status = RunStatusFailed
			run.ErrorType = strPtr(errorType)
			run.Error = strPtr(errorMessage)
		case code == 0:
			run.Status = RunStatusSucceeded
		default:
			run.Status = RunStatusFailed
			run.ErrorType = strPtr(string(taskerr.KindUnknown))
			run.Error = strPtr(fmt.Sprintf("exit status %d", code))
		}
	}

	if s.runs != nil {
		if err := s.runs.MarkRunCompleted(finishCtx, run.ID, run.Status, ended, run.ExitCode, run.ErrorType, run.Error); err != nil {
			s.logger.Error("mark run completed", "run_id", run.ID, "err", err)
		}
		if err := s.runs.PruneOldRunLogs(finishCtx, taskName); err != nil {
			s.logger.Warn("prune run logs", "task", taskName, "err", err)
		}
	}

	if execErr != nil {
		s.logger.Error("task did not start", "task", taskName, "run_id", run.ID, "err", execErr)
	} else {
		s.logger.Info("task exited", "task", taskName, "run_id", run.ID, "status", run.Status, "exit_code", *run.ExitCode)
	}
	return run, execErr
}

func (s *Service) openRunLog(runID string) (*os.File, error) {
	if err := s.runs.EnsureRunLogDir(runID); err != nil {
		return nil, err
	}
	return os.OpenFile(s.runs.RunLogPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// failAsync records a failure without blocking the caller. The failure is
// queryable before taskFailed is published.
func (s *Service) failAsync(taskName, runID, errorType, message string, errContext map[string]any, ts time.Time) {
	s.recording.Add(1)
	go func() {
		defer s.recording.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		rec, err := s.failures.Record(ctx, taskName, errorType, message, errContext)
		if err != nil {
			s.logger.Error("record failure", "task", taskName, "error_type", errorType, "err", err)
		} else {
			s.bus.Publish(events.Event{Type: events.FailureRecorded, Data: rec})
		}

		s.bus.Publish(events.Event{Type: events.TaskFailed, Data: events.TaskStatus{
			TaskName:     taskName,
			RunID:        runID,
			Timestamp:    ts,
			ErrorType:    errorType,
			ErrorMessage: message,
			ErrorContext: errContext,
		}})

		if err == nil && rec.Count == 1 && s.notifier != nil {
			title := fmt.Sprintf("%s failed: %s", taskName, errorType)
			if nerr := s.notifier.Send(ctx, title, message); nerr != nil {
				s.logger.Warn("send failure notification", "task", taskName, "err", nerr)
			}
		}
	}()
}

// execution is the ProcessSink of one run.
type execution struct {
	svc      *Service
	ctx      context.Context
	run      *Run
	log      *syncWriter
	stdout   *lineSplitter
	stderr   *lineSplitter
	done     chan struct{}
	exitCode int
	startErr error

	mu           sync.Mutex
	taskName     string
	errorType    string
	errorMessage string
}

func (x *execution) Stdout(chunk []byte) {
	_, _ = x.log.Write(chunk)
	x.stdout.Write(chunk)
}

func (x *execution) Stderr(chunk []byte) {
	_, _ = x.log.Write(chunk)
	x.stderr.Write(chunk)
}

func (x *execution) Close(code int) {
	x.stdout.Flush()
	x.stderr.Flush()
	x.exitCode = code
	close(x.done)
}

func (x *execution) Error(err error) {
	x.startErr = err
	_, _ = fmt.Fprintf(x.log, "taskpilot: %v\n", err)
	close(x.done)
}

func (x *execution) name() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.taskName
}

func (x *execution) failure() (string, string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.errorType, x.errorMessage
}

func (x *execution) handleStderr(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	x.svc.bus.Publish(events.Event{Type: events.TaskLog, Data: events.LogLine{
		TaskName: x.name(),
		RunID:    x.run.ID,
		Stream:   "stderr",
		Line:     line,
	}})
}

func (x *execution) handleStdout(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	m, ok := protocol.Decode(line)
	if !ok {
		x.svc.bus.Publish(events.Event{Type: events.TaskLog, Data: events.LogLine{
			TaskName: x.name(),
			RunID:    x.run.ID,
			Stream:   "stdout",
			Line:     line,
		}})
		return
	}

	ts := m.Timestamp()
	if ts.IsZero() {
		ts = x.svc.now()
	}

	switch m.Status {
	case protocol.StatusStarted:
		// The child knows which task it is actually running.
		name := x.name()
		if n := m.TaskName(); n != "" {
			x.mu.Lock()
			x.taskName = n
			x.mu.Unlock()
			name = n
		}
		x.svc.bus.Publish(events.Event{Type: events.TaskStarted, Data: events.TaskStatus{
			TaskName:  name,
			RunID:     x.run.ID,
			Timestamp: ts,
		}})

	case protocol.StatusCompleted:
		x.svc.bus.Publish(events.Event{Type: events.TaskCompleted, Data: events.TaskStatus{
			TaskName:  x.name(),
			RunID:     x.run.ID,
			Timestamp: ts,
		}})

	case protocol.StatusCompletedWithData:
		name := x.name()
		payload := m.Payload()
		if x.svc.data != nil && len(payload) > 0 {
			meta := DataMeta{RunID: x.run.ID, TaskName: name, Timestamp: ts}
			if err := x.svc.data.SaveTaskData(context.WithoutCancel(x.ctx), meta, payload); err != nil {
				x.svc.logger.Error("save task data", "task", name, "run_id", x.run.ID, "err", err)
			}
		}
		status := events.TaskStatus{TaskName: name, RunID: x.run.ID, Timestamp: ts}
		if len(payload) > 0 {
			status.Data = payload
		}
		x.svc.bus.Publish(events.Event{Type: events.TaskCompleted, Data: status})

	case protocol.StatusFailed:
		errorType := m.ErrorType()
		if errorType == "" {
			errorType = string(taskerr.KindUnknown)
		}
		errContext := m.ErrorContext()
		message := m.ErrorMessage()
		if message == "" {
			message = taskerr.FromContext(taskerr.Kind(errorType), "", errContext).Error()
		}
		x.mu.Lock()
		name := x.taskName
		x.errorType = errorType
		x.errorMessage = message
		x.mu.Unlock()
		x.svc.failAsync(name, x.run.ID, errorType, message, errContext, ts)
	}
}

func strPtr(v string) *string {
	return &v
}
