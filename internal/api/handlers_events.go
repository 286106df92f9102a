package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const sseKeepAlive = 15 * time.Second

// handleEvents streams bus events as server-sent events. ?types=a,b limits
// the stream to the named event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}

	var filter map[string]bool
	if raw := r.URL.Query().Get("types"); raw != "" {
		filter = make(map[string]bool)
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter[t] = true
			}
		}
	}

	ch, unsubscribe := s.bus.Subscribe(64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if filter != nil && !filter[e.Type] {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("encode event", "type", e.Type, "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
