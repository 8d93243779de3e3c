// Package api holds the JSON handlers of the UI bridge. Each handler is a
// thin adapter from an HTTP request to one backend manager call.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/peterje/conductor/internal/pty"
	"github.com/peterje/conductor/internal/sidecar"
	"github.com/peterje/conductor/internal/speech"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps backend errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	WriteError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var notFound *sidecar.NotFoundError
	switch {
	case errors.Is(err, pty.ErrSessionNotFound), errors.Is(err, speech.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, pty.ErrInvalidSize):
		return http.StatusBadRequest
	case errors.Is(err, sidecar.ErrNotStarted):
		return http.StatusConflict
	case errors.Is(err, sidecar.ErrBrokenPipe), errors.As(err, &notFound):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}
