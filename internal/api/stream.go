package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"certreg/internal/progress"
)

// StreamEvents serves the live NDJSON event stream: a handshake event,
// the buffered history, then live events as they arrive. A single newline
// is written as a heartbeat during idle periods to keep the transport
// alive. The stream ends when the channel closes or the client goes away.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Code: "INVALID_BODY", Message: "id is required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Code: "STREAMING_UNSUPPORTED"})
		return
	}

	sub, history := s.events.Subscribe(id)
	defer s.events.Unsubscribe(id, sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	write := func(ev progress.Event) bool {
		line, err := ev.Line()
		if err != nil {
			log.Error().Str("component", "api").Str("operation", id).Err(err).Msg("failed to encode event")
			return false
		}
		if _, err := w.Write(line); err != nil {
			return false
		}
		return true
	}

	if !write(progress.Event{
		Type:    progress.TypeStatus,
		Message: "connected",
		Fields:  map[string]any{"operation_id": id},
	}) {
		return
	}
	for _, ev := range history {
		if !write(ev) {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if !write(ev) {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
