package store

import (
	"context"
	"fmt"
	"sync"

	"taskpilot/internal/core"
)

// ScheduleRepo keeps the schedule as a JSON array in one file. Entries are
// identified by position.
type ScheduleRepo struct {
	path string

	mu       sync.Mutex
	lastHash uint64
}

func NewScheduleRepo(path string) *ScheduleRepo {
	return &ScheduleRepo{path: path}
}

// Path is the schedule file location.
func (r *ScheduleRepo) Path() string {
	return r.path
}

// List returns all persisted entries, valid or not.
func (r *ScheduleRepo) List(ctx context.Context) ([]core.ScheduleEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

// Save replaces the whole schedule.
func (r *ScheduleRepo) Save(ctx context.Context, entries []core.ScheduleEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storeLocked(entries)
}

// Add appends an entry and returns the new schedule.
func (r *ScheduleRepo) Add(ctx context.Context, entry core.ScheduleEntry) ([]core.ScheduleEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.loadLocked()
	if err != nil {
		return nil, err
	}
	entries = append(entries, entry)
	if err := r.storeLocked(entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// RemoveAt deletes the entry at index.
func (r *ScheduleRepo) RemoveAt(ctx context.Context, index int) (core.ScheduleEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.loadLocked()
	if err != nil {
		return core.ScheduleEntry{}, err
	}
	if index < 0 || index >= len(entries) {
		return core.ScheduleEntry{}, fmt.Errorf("%w: index %d", core.ErrEntryNotFound, index)
	}
	removed := entries[index]
	entries = append(entries[:index], entries[index+1:]...)
	if err := r.storeLocked(entries); err != nil {
		return core.ScheduleEntry{}, err
	}
	return removed, nil
}

// RemoveOneShot deletes the first one-shot entry matching (task, executeAt).
// It reports whether an entry was removed.
func (r *ScheduleRepo) RemoveOneShot(ctx context.Context, task, executeAt string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.loadLocked()
	if err != nil {
		return false, err
	}
	for i, e := range entries {
		if e.Cron == "" && e.Task == task && e.ExecuteAt == executeAt {
			entries = append(entries[:i], entries[i+1:]...)
			return true, r.storeLocked(entries)
		}
	}
	return false, nil
}

// WrittenByUs reports whether data is exactly what this repo last wrote.
func (r *ScheduleRepo) WrittenByUs(data []byte) bool {
	h := hashBytes(data)
	r.mu.Lock()
	defer r.mu.Unlock()
	return h != 0 && h == r.lastHash
}

func (r *ScheduleRepo) loadLocked() ([]core.ScheduleEntry, error) {
	var entries []core.ScheduleEntry
	if _, err := readJSONFile(r.path, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []core.ScheduleEntry{}
	}
	return entries, nil
}

func (r *ScheduleRepo) storeLocked(entries []core.ScheduleEntry) error {
	if entries == nil {
		entries = []core.ScheduleEntry{}
	}
	data, err := writeJSONFile(r.path, entries)
	if err != nil {
		return err
	}
	r.lastHash = hashBytes(data)
	return nil
}
