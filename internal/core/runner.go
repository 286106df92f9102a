package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
)

var (
	// ErrTaskNotResolved is reported when no entry point exists for a task.
	ErrTaskNotResolved = errors.New("task not resolved")
	// ErrInvalidTaskName is reported for names that could escape the tasks dir.
	ErrInvalidTaskName = errors.New("invalid task name")
)

var taskNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// TaskEnvVar carries the task name into the child environment.
const TaskEnvVar = "TASKPILOT_TASK"

// ProcessSink receives the lifecycle of one spawned process. Stdout and
// Stderr may be called concurrently with each other; Close is called last,
// after both streams are drained. Error replaces Close when the process
// could not be started.
type ProcessSink interface {
	Stdout(chunk []byte)
	Stderr(chunk []byte)
	Close(code int)
	Error(err error)
}

// ProcessRunner spawns task processes.
type ProcessRunner interface {
	Run(ctx context.Context, taskName string, sink ProcessSink) *Process
}

// EntryKind tells how a task entry point was resolved.
type EntryKind string

const (
	EntryBinary EntryKind = "binary"
	EntrySource EntryKind = "source"
	EntryScript EntryKind = "script"
)

// Resolution is the command that starts a task.
type Resolution struct {
	Kind EntryKind
	Path string
	Args []string
}

// Process is the handle of one run. Its zero exit code means success.
type Process struct {
	TaskName string
	PID      int

	done chan struct{}
	code int
	err  error
}

// Done is closed once the process has exited or failed to start.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process is gone and returns its exit code, or the
// start error.
func (p *Process) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func (p *Process) finish(code int, err error) {
	p.code = code
	p.err = err
	close(p.done)
}

// Runner resolves task names to entry points under a tasks directory and
// spawns them. Every Run call starts its own process; there is no
// deduplication or concurrency limit.
type Runner struct {
	tasksDir string
	goBinary string
	logger   *slog.Logger
}

// NewRunner creates a runner rooted at tasksDir.
func NewRunner(tasksDir, goBinary string, logger *slog.Logger) *Runner {
	if goBinary == "" {
		goBinary = "go"
	}
	return &Runner{
		tasksDir: tasksDir,
		goBinary: goBinary,
		logger:   logger,
	}
}

// Resolve finds the entry point of a task: a compiled binary in bin/, then
// Go source in src/ run through the go tool, then a shell script in scripts/.
func (r *Runner) Resolve(taskName string) (*Resolution, error) {
	if !taskNamePattern.MatchString(taskName) || taskName == "." || taskName == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTaskName, taskName)
	}

	bin := filepath.Join(r.tasksDir, "bin", taskName)
	if runtime.GOOS == "windows" {
		bin += ".exe"
	}
	if isExecutable(bin) {
		return &Resolution{Kind: EntryBinary, Path: bin}, nil
	}

	srcDir := filepath.Join(r.tasksDir, "src", taskName)
	if isFile(filepath.Join(srcDir, "main.go")) {
		return &Resolution{Kind: EntrySource, Path: r.goBinary, Args: []string{"run", srcDir}}, nil
	}
	srcFile := filepath.Join(r.tasksDir, "src", taskName+".go")
	if isFile(srcFile) {
		return &Resolution{Kind: EntrySource, Path: r.goBinary, Args: []string{"run", srcFile}}, nil
	}

	if runtime.GOOS == "windows" {
		script := filepath.Join(r.tasksDir, "scripts", taskName+".cmd")
		if isFile(script) {
			return &Resolution{Kind: EntryScript, Path: "cmd", Args: []string{"/C", script}}, nil
		}
	} else {
		script := filepath.Join(r.tasksDir, "scripts", taskName+".sh")
		if isFile(script) {
			return &Resolution{Kind: EntryScript, Path: "/bin/sh", Args: []string{script}}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s (looked in %s)", ErrTaskNotResolved, taskName, r.tasksDir)
}

// Run resolves and starts taskName. Failures to resolve or start are
// reported through sink.Error and the returned process is already done.
// Canceling ctx kills the process.
func (r *Runner) Run(ctx context.Context, taskName string, sink ProcessSink) *Process {
	proc := &Process{TaskName: taskName, done: make(chan struct{})}

	res, err := r.Resolve(taskName)
	if err != nil {
		sink.Error(err)
		proc.finish(-1, err)
		return proc
	}

	cmd := exec.CommandContext(ctx, res.Path, res.Args...) // #nosec G204
	cmd.Dir = r.tasksDir
	cmd.Env = append(os.Environ(), TaskEnvVar+"="+taskName)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		err = fmt.Errorf("stdout pipe: %w", err)
		sink.Error(err)
		proc.finish(-1, err)
		return proc
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		err = fmt.Errorf("stderr pipe: %w", err)
		sink.Error(err)
		proc.finish(-1, err)
		return proc
	}

	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("start task %s: %w", taskName, err)
		sink.Error(err)
		proc.finish(-1, err)
		return proc
	}
	proc.PID = cmd.Process.Pid
	r.logger.Debug("task process started", "task", taskName, "pid", proc.PID, "entry", res.Kind)

	go func() {
		var wg sync.WaitGroup
		wg.Add(2)
		go pump(stdout, sink.Stdout, &wg)
		go pump(stderr, sink.Stderr, &wg)
		wg.Wait()

		waitErr := cmd.Wait()
		code := 0
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
				r.logger.Warn("wait for task process", "task", taskName, "pid", proc.PID, "err", waitErr)
			}
		}
		sink.Close(code)
		proc.finish(code, nil)
	}()
	return proc
}

func pump(rd io.Reader, emit func([]byte), wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			emit(chunk)
		}
		if err != nil {
			return
		}
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
