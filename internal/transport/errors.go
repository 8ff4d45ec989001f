package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Predefined errors for network access.
var (
	// ErrCircuitOpen is matched by every CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrSessionExpired is returned when the credentials can no longer be refreshed.
	ErrSessionExpired = errors.New("session expired")

	// ErrOffline is returned when an operation is skipped because the device is offline.
	ErrOffline = errors.New("network is offline")
)

// NetworkError represents a failure where no usable response was received:
// connection errors, deadlines, gateway-class statuses and HTML error pages.
// It is always retryable.
type NetworkError struct {
	// Op names the operation that failed (request, probe, refresh).
	Op string

	// URL is the request URL, if known.
	URL string

	// StatusCode is set for gateway responses (502/503/504) and refresh
	// server errors, otherwise 0.
	StatusCode int

	// Timeout is true when the call was aborted by its deadline.
	Timeout bool

	// Err is the underlying cause.
	Err error
}

func (e *NetworkError) Error() string {
	msg := e.Op
	if msg == "" {
		msg = "request"
	}
	if e.URL != "" {
		msg += " " + e.URL
	}
	switch {
	case e.Timeout:
		msg += ": timed out"
	case e.StatusCode != 0:
		msg += ": server unavailable (" + http.StatusText(e.StatusCode) + ")"
	default:
		msg += ": network failure"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError represents a non-2xx response from the server.
type HTTPError struct {
	Status  int
	Message string
	Payload json.RawMessage

	// Err optionally links a sentinel such as ErrSessionExpired.
	Err error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// CircuitOpenError is returned when a request is short-circuited by an open breaker.
type CircuitOpenError struct {
	Service string
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return "circuit breaker is open for service " + e.Service
}

// Is reports whether target is ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// IsRetryable reports whether err is a transient failure worth retrying:
// a NetworkError or a 5xx HTTPError.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500
	}
	return false
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.StatusCode
	}
	return 0
}

// IsTimeout reports whether err was caused by a request deadline.
func IsTimeout(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.Timeout
}
