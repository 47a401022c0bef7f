package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// envelope is the uniform response wrapper. Data and Error are mutually
// exclusive.
type envelope struct {
	OK        bool      `json:"ok"`
	Data      any       `json:"data"`
	Error     *string   `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func respond(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{
		OK:        true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func fail(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, envelope{
		OK:        false,
		Error:     &message,
		Timestamp: time.Now().UTC(),
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
