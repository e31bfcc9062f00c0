package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clawinfra/storedesk/internal/cloudsync"
	"github.com/clawinfra/storedesk/internal/gateway"
	"github.com/clawinfra/storedesk/internal/queue"
	"github.com/clawinfra/storedesk/internal/record"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, record.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cloudsync.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrStorageUnavailable), errors.Is(err, queue.ErrQueueFull):
		return http.StatusInsufficientStorage
	case gateway.IsNetwork(err):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Validation failures carry the
// offending fields.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}

	var verr *record.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, status, map[string]any{
			"error":  err.Error(),
			"fields": verr.Fields,
		})
		return
	}
	writeError(w, status, err.Error())
}
