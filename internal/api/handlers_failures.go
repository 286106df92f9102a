package api

import (
	"net/http"

	"taskpilot/internal/core"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	records, err := s.control.Failures(r.Context(), parseBool(r.URL.Query().Get("all")))
	if err != nil {
		s.logger.Error("list failures", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read failures")
		return
	}
	if records == nil {
		records = []core.FailureRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDismissFailure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.control.DismissFailure(r.Context(), id)
	if err != nil {
		s.logger.Error("dismiss failure", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to dismiss failure")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "failure not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearFailures(w http.ResponseWriter, r *http.Request) {
	if err := s.control.ClearFailures(r.Context()); err != nil {
		s.logger.Error("clear failures", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to clear failures")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
