// Package taskkit is the outermost boundary of a task process. It reports
// lifecycle markers on stdout, classifies failures and maps them to exit
// codes.
package taskkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"taskpilot/internal/protocol"
	"taskpilot/internal/taskerr"
)

// Exit codes of a task process.
const (
	ExitOK     = 0
	ExitFailed = 1
)

// Func is the body of a task. A non-nil result is reported with
// COMPLETED_WITH_DATA.
type Func func(ctx context.Context) (any, error)

type options struct {
	timeout time.Duration
	now     func() time.Time
}

// Option configures Run.
type Option func(*options)

// WithTimeout bounds the task. Exceeding it fails with a TaskTimeoutError.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Main runs fn as task name on stdout and exits the process.
func Main(name string, fn Func, opts ...Option) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, os.Stdout, name, fn, opts...)
	stop()
	os.Exit(code)
}

// Run executes fn, writing status markers to w, and returns the exit code.
func Run(ctx context.Context, w io.Writer, name string, fn Func, opts ...Option) int {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	out := &markerWriter{w: w}

	out.emit(protocol.StatusStarted, protocol.StartedPayload{TaskName: name, Timestamp: o.now().UTC()})

	runCtx := ctx
	cancel := func() {}
	if o.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.timeout)
	}
	data, err := invoke(runCtx, fn)
	timedOut := o.timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err == nil {
		if data == nil {
			out.emit(protocol.StatusCompleted, protocol.CompletedPayload{TaskName: name, Timestamp: o.now().UTC()})
		} else {
			out.emit(protocol.StatusCompletedWithData, protocol.CompletedPayload{TaskName: name, Timestamp: o.now().UTC(), Data: data})
		}
		return ExitOK
	}

	var classified taskerr.Error
	var te taskerr.Error
	switch {
	case errors.As(err, &te):
		classified = te
	case timedOut && errors.Is(err, context.DeadlineExceeded):
		classified = taskerr.NewTimeout(o.timeout)
	default:
		classified = taskerr.Classify(err)
	}
	out.emit(protocol.StatusFailed, protocol.FailedPayload{
		TaskName:     name,
		ErrorType:    string(classified.ErrorType()),
		ErrorMessage: classified.Error(),
		ErrorContext: classified.Context(),
		Timestamp:    o.now().UTC(),
	})
	return ExitFailed
}

func invoke(ctx context.Context, fn Func) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = &taskerr.UnknownError{Err: fmt.Errorf("panic: %v", r), Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}

// markerWriter keeps each marker on its own line even if the task wrote a
// partial line to the same stream.
type markerWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (m *markerWriter) emit(status protocol.Status, payload any) {
	line, err := protocol.Encode(status, payload)
	if err != nil {
		line, _ = protocol.Encode(status, nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _ = io.WriteString(m.w, "\n"+line+"\n")
}
