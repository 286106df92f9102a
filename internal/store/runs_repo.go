package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskpilot/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

const runColumns = `id, task_name, trigger_kind, status, started_at, ended_at, exit_code, error_type, error`

func (s *Store) InsertRun(ctx context.Context, run *core.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskName, run.Trigger, run.Status, run.StartedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(run.EndedAt), nullableInt(run.ExitCode), nullableString(run.ErrorType), nullableString(run.Error))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) MarkRunCompleted(ctx context.Context, id string, status core.RunStatus, endedAt time.Time, exitCode *int, errorType, errMsg *string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, exit_code = ?, error_type = ?, error = ?
		WHERE id = ?
	`, status, endedAt.UTC().Format(time.RFC3339Nano), nullableInt(exitCode), nullableString(errorType), nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// MarkInterruptedRuns fails runs left in the running state by a previous
// process that exited before they settled.
func (s *Store) MarkInterruptedRuns(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, ended_at = ?, error_type = ?, error = ?
		WHERE status = ?
	`, core.RunStatusFailed, time.Now().UTC().Format(time.RFC3339Nano), "unknown", "interrupted by daemon restart", core.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns the newest runs first. An empty taskName lists all tasks.
func (s *Store) ListRuns(ctx context.Context, taskName string, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if taskName != "" {
		query += ` WHERE task_name = ?`
		args = append(args, taskName)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// RunLogPath returns the absolute path for the run's combined log file.
func (s *Store) RunLogPath(runID string) string {
	return filepath.Join(s.StateDir, "runs", runID, "combined.log")
}

// EnsureRunLogDir makes sure the directory for a run's log exists.
func (s *Store) EnsureRunLogDir(runID string) error {
	return os.MkdirAll(filepath.Dir(s.RunLogPath(runID)), 0o755)
}

// ReadRunLog returns the run's combined log, or its last tail lines when
// tail > 0.
func (s *Store) ReadRunLog(ctx context.Context, runID string, tail int) ([]byte, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	f, err := os.Open(s.RunLogPath(runID))
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()
	return ReadTailLines(f, tail)
}

// PruneOldRunLogs removes log files beyond the retention limit for a task.
func (s *Store) PruneOldRunLogs(ctx context.Context, taskName string) error {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM runs
		WHERE task_name = ?
		ORDER BY started_at DESC
		LIMIT -1 OFFSET ?
	`, taskName, s.LogRetention)
	if err != nil {
		return fmt.Errorf("query runs for pruning: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range ids {
		path := s.RunLogPath(id)
		_ = os.Remove(path)
		dir := filepath.Dir(path)
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
	return nil
}

// ReadTailLines reads r fully and keeps the last tail lines. tail <= 0
// keeps everything.
func ReadTailLines(r io.Reader, tail int) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		return data, nil
	}
	text := strings.TrimSuffix(string(data), "\n")
	lines := strings.Split(text, "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.Run, error) {
	var (
		id        string
		taskName  string
		trigger   string
		status    string
		startedAt string
		endedAt   sql.NullString
		exitCode  sql.NullInt64
		errorType sql.NullString
		errMsg    sql.NullString
	)
	if err := scanner.Scan(&id, &taskName, &trigger, &status, &startedAt, &endedAt, &exitCode, &errorType, &errMsg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	started, err := parseStoredTime(startedAt)
	if err != nil {
		return nil, err
	}
	run := &core.Run{
		ID:        id,
		TaskName:  taskName,
		Trigger:   core.Trigger(trigger),
		Status:    core.RunStatus(status),
		StartedAt: started,
	}
	if endedAt.Valid {
		t, err := parseStoredTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		run.EndedAt = &t
	}
	if exitCode.Valid {
		val := int(exitCode.Int64)
		run.ExitCode = &val
	}
	if errorType.Valid {
		run.ErrorType = &errorType.String
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}
