package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/loomhq/loom/pkg/models"
)

// heartbeatInterval is how long the stream may idle before a heartbeat.
const heartbeatInterval = time.Second

// handleEvents streams the chat's bus events as server-sent events. Each
// event is one `data: <json>\n\n` frame; an idle second produces a heartbeat
// frame so proxies keep the connection open.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		fail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.service.Bus().Subscribe(chatID)
	defer s.service.Bus().Unsubscribe(sub)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.C:
			if !open {
				// Evicted for falling behind; the client reconnects.
				return
			}
			if !writeSSE(w, flusher, event) {
				return
			}
			ticker.Reset(heartbeatInterval)
		case <-ticker.C:
			hb := &models.Event{
				Type:      models.EventHeartbeat,
				ChatID:    chatID,
				Timestamp: time.Now().UTC(),
				Payload:   map[string]any{},
			}
			if !writeSSE(w, flusher, hb) {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event *models.Event) bool {
	data, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := w.Write(data); err != nil {
		return false
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
