package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"certreg/internal/jobs"
	"certreg/internal/lease"
	"certreg/internal/records"
)

// ErrorResponse is the standard JSON error envelope used by every
// endpoint.
//
// Example:
//
//	{
//	  "error": "Conflict",
//	  "code": "VERSION_CONFLICT",
//	  "message": "record changed since read (expected version 3, current 7)"
//	}
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// writeError maps domain errors to status codes and the JSON envelope.
// Unrecognized errors become a 500 with a generic message; the detail is
// only logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var statusCode int
	var errorCode string
	message := err.Error()

	var lockedErr *lease.LockedError
	var versionErr *records.VersionConflictError

	switch {
	case errors.Is(err, jobs.ErrDuplicateOperation):
		statusCode = http.StatusConflict
		errorCode = "DUPLICATE_OPERATION"
	case errors.Is(err, jobs.ErrTooManyJobs):
		statusCode = http.StatusTooManyRequests
		errorCode = "TOO_MANY_OPERATIONS"
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, records.ErrNotFound):
		statusCode = http.StatusNotFound
		errorCode = "NOT_FOUND"
	case errors.As(err, &lockedErr):
		statusCode = http.StatusLocked
		errorCode = "LOCKED"
	case errors.As(err, &versionErr):
		statusCode = http.StatusConflict
		errorCode = "VERSION_CONFLICT"
	default:
		statusCode = http.StatusInternalServerError
		errorCode = "INTERNAL_ERROR"
		message = "internal server error"
	}

	logEvent := log.Error().
		Str("component", "api").
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", statusCode).
		Str("error_code", errorCode).
		Err(err)
	if statusCode >= 500 {
		logEvent.Msg("internal server error")
	} else {
		logEvent.Msg("request rejected")
	}

	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    errorCode,
		Message: message,
	})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Str("component", "api").Err(err).Msg("failed to encode response")
	}
}
