package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"taskpilot/internal/core"
	"taskpilot/internal/store"

	"github.com/go-chi/chi/v5"
)

type runResponse struct {
	ID        string  `json:"id"`
	TaskName  string  `json:"taskName"`
	Trigger   string  `json:"trigger"`
	Status    string  `json:"status"`
	StartedAt string  `json:"startedAt"`
	EndedAt   *string `json:"endedAt,omitempty"`
	ExitCode  *int    `json:"exitCode,omitempty"`
	ErrorType *string `json:"errorType,omitempty"`
	Error     *string `json:"error,omitempty"`
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	task := chi.URLParam(r, "task")
	if err := s.control.RunTask(r.Context(), task); err != nil {
		s.writeControlError(w, "run task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": task, "status": "started"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	offset := parseIntDefault(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	runs, err := s.store.ListRuns(r.Context(), q.Get("task"), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	res := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		res = append(res, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeRunError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeRunError(w, runID, err)
		return
	}

	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow := parseBool(r.URL.Query().Get("follow"))

	file, err := os.Open(s.store.RunLogPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
		} else {
			s.logger.Error("open log", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		}
		return
	}
	defer file.Close()

	data, err := store.ReadTailLines(file, tail)
	if err != nil {
		s.logger.Error("read log", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	flusher, ok := w.(http.Flusher)
	if !follow || !ok || run.Status != core.RunStatusRunning {
		_, _ = w.Write(data)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	if len(data) > 0 {
		_, _ = w.Write(data)
		if data[len(data)-1] != '\n' {
			_, _ = w.Write([]byte("\n"))
		}
	}
	flusher.Flush()

	offset, _ := file.Seek(0, io.SeekEnd)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			pos, err := file.Seek(0, io.SeekEnd)
			if err != nil {
				return
			}
			if pos > offset {
				buf := make([]byte, pos-offset)
				if _, err := file.ReadAt(buf, offset); err == nil {
					_, _ = w.Write(buf)
					flusher.Flush()
				}
				offset = pos
			}
			if run.Status == core.RunStatusRunning {
				if refreshed, err := s.store.GetRun(r.Context(), runID); err == nil {
					run = refreshed
				}
			}
			if run.Status != core.RunStatusRunning && pos == offset {
				return
			}
		}
	}
}

func (s *Server) handleListData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	items, err := s.store.ListTaskData(r.Context(), q.Get("task"), limit)
	if err != nil {
		s.logger.Error("list task data", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list task data")
		return
	}
	if items == nil {
		items = []core.TaskData{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) writeRunError(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	s.logger.Error("get run", "run_id", runID, "err", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
}

func runToResponse(run *core.Run) runResponse {
	var ended *string
	if run.EndedAt != nil {
		formatted := run.EndedAt.UTC().Format(timeLayout)
		ended = &formatted
	}
	return runResponse{
		ID:        run.ID,
		TaskName:  run.TaskName,
		Trigger:   string(run.Trigger),
		Status:    string(run.Status),
		StartedAt: run.StartedAt.UTC().Format(timeLayout),
		EndedAt:   ended,
		ExitCode:  run.ExitCode,
		ErrorType: run.ErrorType,
		Error:     run.Error,
	}
}
