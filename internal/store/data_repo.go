package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskpilot/internal/core"
)

// SaveTaskData stores the payload of a COMPLETED_WITH_DATA marker.
func (s *Store) SaveTaskData(ctx context.Context, meta core.DataMeta, data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("task data for %s is not valid JSON", meta.TaskName)
	}
	created := meta.Timestamp
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_data (id, run_id, task_name, data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, core.NewID(), meta.RunID, meta.TaskName, string(data), created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task data: %w", err)
	}
	return nil
}

// ListTaskData returns stored payloads, newest first. An empty taskName
// lists all tasks.
func (s *Store) ListTaskData(ctx context.Context, taskName string, limit int) ([]core.TaskData, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, run_id, task_name, data, created_at FROM task_data`
	args := []any{}
	if taskName != "" {
		query += ` WHERE task_name = ?`
		args = append(args, taskName)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task data: %w", err)
	}
	defer rows.Close()

	var out []core.TaskData
	for rows.Next() {
		var (
			d       core.TaskData
			raw     string
			created string
		)
		if err := rows.Scan(&d.ID, &d.RunID, &d.TaskName, &raw, &created); err != nil {
			return nil, fmt.Errorf("scan task data: %w", err)
		}
		t, err := parseStoredTime(created)
		if err != nil {
			return nil, err
		}
		d.Data = json.RawMessage(raw)
		d.CreatedAt = t
		out = append(out, d)
	}
	return out, rows.Err()
}
