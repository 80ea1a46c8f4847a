package api

import (
	"net/http"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// HandleWebSocket serves the event stream over a websocket: history
// replay first, then live events, one JSON object per text message. Ping
// control frames stand in for the idle heartbeat.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Code: "INVALID_BODY", Message: "id is required"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Str("component", "api").Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub, history := s.events.Subscribe(id)
	defer s.events.Unsubscribe(id, sub)

	// Drain the read side so peer close is noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range history {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
