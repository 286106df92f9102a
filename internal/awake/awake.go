// Package awake keeps the host from sleeping while scheduled work remains,
// by owning one OS helper process (caffeinate, systemd-inhibit).
package awake

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"
)

// DefaultCommand returns the helper for the current OS, or nil when there
// is none.
func DefaultCommand() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"caffeinate", "-i"}
	case "linux":
		return []string{
			"systemd-inhibit",
			"--what=idle:sleep",
			"--who=taskpilot",
			"--why=scheduled tasks pending",
			"--mode=block",
			"sleep", "infinity",
		}
	default:
		return nil
	}
}

// Controller owns at most one helper process. All methods are safe for
// concurrent use and idempotent.
type Controller struct {
	command []string
	logger  *slog.Logger
	grace   time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// New creates a controller for command. An empty command yields a
// controller that never starts anything.
func New(command []string, logger *slog.Logger) *Controller {
	return &Controller{
		command: append([]string(nil), command...),
		logger:  logger,
		grace:   3 * time.Second,
	}
}

// Enabled reports whether a helper command is configured.
func (c *Controller) Enabled() bool {
	return len(c.command) > 0
}

// Running reports whether the helper is alive.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

func (c *Controller) runningLocked() bool {
	if c.cmd == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Sync starts the helper when pending is true and stops it otherwise.
func (c *Controller) Sync(pending bool) error {
	if pending {
		return c.Start()
	}
	return c.Stop()
}

// Start launches the helper unless it is already running.
func (c *Controller) Start() error {
	if !c.Enabled() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningLocked() {
		return nil
	}

	cmd := exec.Command(c.command[0], c.command[1:]...) // #nosec G204
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start keep-awake helper %s: %w", c.command[0], err)
	}
	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		close(done)
		if err != nil && c.logger != nil {
			c.logger.Debug("keep-awake helper exited", "pid", cmd.Process.Pid, "err", err)
		}
	}()
	c.cmd = cmd
	c.done = done
	if c.logger != nil {
		c.logger.Info("keep-awake helper started", "cmd", c.command[0], "pid", cmd.Process.Pid)
	}
	return nil
}

// Stop terminates the helper if it is running and waits for it to exit.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.runningLocked() {
		c.cmd = nil
		return nil
	}
	cmd, done := c.cmd, c.done
	c.cmd, c.done = nil, nil

	sendTermination(cmd.Process)
	select {
	case <-done:
	case <-time.After(c.grace):
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill keep-awake helper: %w", err)
		}
		<-done
	}
	if c.logger != nil {
		c.logger.Info("keep-awake helper stopped", "pid", cmd.Process.Pid)
	}
	return nil
}

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
