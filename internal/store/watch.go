package store

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce    = 250 * time.Millisecond
	watchRestartBase = 500 * time.Millisecond
	watchRestartMax  = 30 * time.Second
)

// WatchSchedule calls onChange after the schedule file was modified by
// someone other than repo. Events are debounced. It blocks until ctx is
// done and recreates the watcher if it breaks.
func WatchSchedule(ctx context.Context, repo *ScheduleRepo, logger *slog.Logger, onChange func(context.Context)) error {
	dir := filepath.Dir(repo.Path())
	file := filepath.Base(repo.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			data, err := os.ReadFile(repo.Path())
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("read schedule after change", "path", repo.Path(), "err", err)
				return
			}
			if repo.WrittenByUs(data) {
				return
			}
			logger.Info("schedule file changed externally; reloading", "path", repo.Path())
			onChange(ctx)
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	backoff := watchRestartBase
	for {
		if ctx.Err() != nil {
			return nil
		}
		broken, err := watchOnce(ctx, dir, file, logger, debounce)
		if err != nil {
			logger.Warn("schedule watcher failed", "dir", dir, "err", err)
		} else if !broken {
			return nil
		} else {
			backoff = watchRestartBase
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < watchRestartMax {
			backoff *= 2
		}
	}
}

// watchOnce runs one watcher until ctx is done (false) or the watcher
// breaks (true).
func watchOnce(ctx context.Context, dir, file string, logger *slog.Logger, changed func()) (bool, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	logger.Debug("schedule watcher started", "dir", dir, "file", file)

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return true, nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn("schedule watch overflow; forcing reload", "dir", dir)
				changed()
				continue
			}
			logger.Warn("schedule watch error", "dir", dir, "err", err)
		}
	}
}
