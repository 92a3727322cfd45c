// Package api provides HTTP handlers for the canvaspilot API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ashureev/canvaspilot/internal/auth"
	"github.com/ashureev/canvaspilot/internal/canvas"
)

// maxJSONBody bounds request bodies of the non-streaming endpoints.
const maxJSONBody = 4 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	return json.NewDecoder(r.Body).Decode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, auth.ErrNotAuthenticated), errors.Is(err, auth.ErrRejected):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrNoExternalCredentials), errors.Is(err, canvas.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrNetwork), errors.Is(err, auth.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, canvas.ErrNotContainer), errors.Is(err, canvas.ErrInvalidMutation),
		errors.Is(err, canvas.ErrDuplicateID), errors.Is(err, canvas.ErrDuplicateName),
		errors.Is(err, canvas.ErrLayoutCollision):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
