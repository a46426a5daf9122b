package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/leadchat/internal/errx"
	"github.com/kalambet/leadchat/internal/session"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeError maps controller and validation errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var appErr *errx.AppError
	switch {
	case errors.Is(err, session.ErrSessionActive), errors.Is(err, session.ErrNoPendingChallenge):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, session.ErrUnknownConversation):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, session.ErrClosed):
		httpError(w, http.StatusServiceUnavailable, "unavailable_error", "%v", err)
	case errors.As(err, &appErr) && appErr.Status == http.StatusBadRequest:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", appErr.Message)
	default:
		httpError(w, errx.StatusOf(err), "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
