package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskpilot/internal/core"
)

// DedupWindow is how long a failure keeps absorbing repeats of the same
// (task, error type) pair.
const DedupWindow = 24 * time.Hour

// FailureRepo is the failure record store. Every operation loads the whole
// file, mutates it and writes it back under one lock.
type FailureRepo struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// FailureOption configures a FailureRepo.
type FailureOption func(*FailureRepo)

// WithFailureClock replaces time.Now.
func WithFailureClock(now func() time.Time) FailureOption {
	return func(r *FailureRepo) { r.now = now }
}

func NewFailureRepo(path string, opts ...FailureOption) *FailureRepo {
	r := &FailureRepo{path: path, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record folds a failure into the active record for (taskName, errorType)
// if one was seen within DedupWindow, otherwise it creates a new record.
func (r *FailureRepo) Record(ctx context.Context, taskName, errorType, message string, errContext map[string]any) (core.FailureRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.loadLocked()
	if err != nil {
		return core.FailureRecord{}, err
	}
	now := r.now().UTC()
	cutoff := now.Add(-DedupWindow)
	if errContext == nil {
		errContext = map[string]any{}
	}

	for i := range records {
		rec := &records[i]
		if rec.TaskName != taskName || rec.ErrorType != errorType || rec.Dismissed {
			continue
		}
		if rec.LastSeen.Before(cutoff) {
			continue
		}
		rec.Count++
		rec.LastSeen = now
		rec.ErrorMessage = message
		rec.Context = errContext
		if err := r.storeLocked(records); err != nil {
			return core.FailureRecord{}, err
		}
		return *rec, nil
	}

	rec := core.FailureRecord{
		ID:           fmt.Sprintf("%s-%s-%d", taskName, errorType, now.UnixMilli()),
		TaskName:     taskName,
		ErrorType:    errorType,
		ErrorMessage: message,
		Context:      errContext,
		Timestamp:    now,
		LastSeen:     now,
		Count:        1,
	}
	records = append(records, rec)
	if err := r.storeLocked(records); err != nil {
		return core.FailureRecord{}, err
	}
	return rec, nil
}

// Dismiss marks the record with id as dismissed. It reports false when no
// record has that id.
func (r *FailureRepo) Dismiss(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.loadLocked()
	if err != nil {
		return false, err
	}
	for i := range records {
		if records[i].ID == id {
			records[i].Dismissed = true
			return true, r.storeLocked(records)
		}
	}
	return false, nil
}

// Active returns the non-dismissed records. When every stored record is
// dismissed it returns all of them so the history stays visible.
func (r *FailureRepo) Active(ctx context.Context) ([]core.FailureRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.loadLocked()
	if err != nil {
		return nil, err
	}
	active := make([]core.FailureRecord, 0, len(records))
	for _, rec := range records {
		if !rec.Dismissed {
			active = append(active, rec)
		}
	}
	if len(active) == 0 && len(records) > 0 {
		return records, nil
	}
	return active, nil
}

// All returns every stored record.
func (r *FailureRepo) All(ctx context.Context) ([]core.FailureRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

// Clear deletes all records.
func (r *FailureRepo) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storeLocked(nil)
}

func (r *FailureRepo) loadLocked() ([]core.FailureRecord, error) {
	var records []core.FailureRecord
	if _, err := readJSONFile(r.path, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []core.FailureRecord{}
	}
	return records, nil
}

func (r *FailureRepo) storeLocked(records []core.FailureRecord) error {
	if records == nil {
		records = []core.FailureRecord{}
	}
	_, err := writeJSONFile(r.path, records)
	return err
}
