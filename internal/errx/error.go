package errx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal error"
	// UpstreamErrorMessage describes failures reported by the lead backend.
	UpstreamErrorMessage = "API Error"
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Upstream builds the error for a non-2xx backend reply. The message keeps
// the status and the reply body so it can be shown to the user verbatim.
func Upstream(status int, body string) *AppError {
	body = strings.TrimSpace(body)
	msg := fmt.Sprintf("%s: %d", UpstreamErrorMessage, status)
	if body != "" {
		msg = fmt.Sprintf("%s - %s", msg, body)
	}
	return &AppError{Status: status, Message: msg}
}

// BadRequest wraps a validation failure.
func BadRequest(format string, args ...any) *AppError {
	return &AppError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// StatusOf returns the HTTP status carried by err, or 500.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// Is reports whether the target matches the underlying error.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}
