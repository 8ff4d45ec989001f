// Package response provides utilities for HTTP response handling.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/breatheroute/netlayer/internal/api/middleware"
	"github.com/breatheroute/netlayer/internal/api/models"
	"github.com/breatheroute/netlayer/internal/orchestrator"
	"github.com/breatheroute/netlayer/internal/transport"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	setRequestID(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// setRequestID echoes the request ID for correlation with daemon logs.
func setRequestID(w http.ResponseWriter, r *http.Request) {
	if requestID := middleware.GetRequestID(r.Context()); requestID != "" {
		w.Header().Set(middleware.RequestIDHeader, requestID)
	}
}

// Error writes a Problem+JSON error response.
func Error(w http.ResponseWriter, r *http.Request, problem *models.Problem) {
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// BadRequest writes a 400 Bad Request error response.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string, errors []models.FieldError) {
	traceID := middleware.GetRequestID(r.Context())
	problem := models.NewBadRequest(traceID, detail, errors)
	Error(w, r, problem)
}

// NotFound writes a 404 Not Found error response.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	traceID := middleware.GetRequestID(r.Context())
	problem := models.NewNotFound(traceID, detail)
	Error(w, r, problem)
}

// InternalError writes a 500 Internal Server Error response.
func InternalError(w http.ResponseWriter, r *http.Request, detail string) {
	traceID := middleware.GetRequestID(r.Context())
	problem := models.NewInternalError(traceID, detail)
	Error(w, r, problem)
}

// ServiceUnavailable writes a 503 Service Unavailable error response.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	traceID := middleware.GetRequestID(r.Context())
	problem := models.NewServiceUnavailable(traceID, detail)
	Error(w, r, problem)
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter, r *http.Request) {
	setRequestID(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// Accepted writes a 202 Accepted response pointing at location, where the
// accepted work can be inspected.
func Accepted(w http.ResponseWriter, r *http.Request, location string, data interface{}) {
	if location != "" {
		w.Header().Set("Location", location)
	}
	JSON(w, r, http.StatusAccepted, data)
}

// FromError writes the Problem describing a failed upstream request.
func FromError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := middleware.GetRequestID(r.Context())

	var (
		circuit *transport.CircuitOpenError
		httpErr *transport.HTTPError
		netErr  *transport.NetworkError
	)
	switch {
	case errors.As(err, &circuit):
		Error(w, r, models.NewCircuitOpen(traceID, circuit.Service, circuit.RetryAt))
	case errors.Is(err, transport.ErrSessionExpired):
		Error(w, r, models.NewSessionExpired(traceID))
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		BadRequest(w, r, err.Error(), nil)
	case errors.As(err, &httpErr):
		Error(w, r, models.NewUpstreamError(traceID, httpErr.Status, httpErr.Message, httpErr.Payload))
	case errors.As(err, &netErr):
		Error(w, r, models.NewNetworkError(traceID, netErr.Error(), netErr.Timeout))
	case errors.Is(err, context.DeadlineExceeded):
		Error(w, r, models.NewNetworkError(traceID, "request deadline exceeded", true))
	case errors.Is(err, context.Canceled):
		ServiceUnavailable(w, r, "request canceled")
	default:
		InternalError(w, r, "an unexpected error occurred")
	}
}
