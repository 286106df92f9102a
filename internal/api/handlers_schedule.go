package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"taskpilot/internal/core"

	"github.com/go-chi/chi/v5"
)

type nextTaskResponse struct {
	Task      string `json:"task"`
	Index     int    `json:"index"`
	Cron      string `json:"cron,omitempty"`
	ExecuteAt string `json:"executeAt,omitempty"`
	At        string `json:"at"`
	InSeconds int64  `json:"inSeconds"`
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	entries, err := s.control.Schedule(r.Context())
	if err != nil {
		s.logger.Error("list schedule", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read schedule")
		return
	}
	if entries == nil {
		entries = []core.ScheduleEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var entries []core.ScheduleEntry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "body must be a JSON array of schedule entries")
		return
	}
	saved, err := s.control.SaveSchedule(r.Context(), entries)
	if err != nil {
		s.writeControlError(w, "save schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	var entry core.ScheduleEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	entries, err := s.control.AddEntry(r.Context(), entry)
	if err != nil {
		s.writeControlError(w, "add schedule entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, entries)
}

func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "index must be an integer")
		return
	}
	removed, err := s.control.RemoveEntry(r.Context(), index)
	if err != nil {
		s.writeControlError(w, "remove schedule entry", err)
		return
	}
	writeJSON(w, http.StatusOK, removed)
}

func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	next, ok, err := s.control.NextTask(r.Context())
	if err != nil {
		s.logger.Error("project next task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read schedule")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"next": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"next": nextToResponse(next)})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.control.Status(r.Context())
	if err != nil {
		s.logger.Error("scheduler status", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read scheduler status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func nextToResponse(next core.NextTask) nextTaskResponse {
	return nextTaskResponse{
		Task:      next.Entry.Task,
		Index:     next.Index,
		Cron:      next.Entry.Cron,
		ExecuteAt: next.Entry.ExecuteAt,
		At:        next.At.UTC().Format(timeLayout),
		InSeconds: int64(next.In.Seconds()),
	}
}

func (s *Server) writeControlError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, "invalid_entry", err.Error())
	case errors.Is(err, core.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrInvalidTaskName):
		writeError(w, http.StatusBadRequest, "invalid_task", err.Error())
	case errors.Is(err, core.ErrTaskNotResolved):
		writeError(w, http.StatusNotFound, "task_not_found", err.Error())
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}
