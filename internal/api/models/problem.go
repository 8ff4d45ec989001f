package models

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Problem is an RFC 7807 error body, served as application/problem+json.
type Problem struct {
	Type     string       `json:"type"`
	Title    string       `json:"title"`
	Status   int          `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	Instance string       `json:"instance,omitempty"`
	TraceID  string       `json:"traceId"`
	Errors   []FieldError `json:"errors,omitempty"`

	// Upstream carries the backend's error payload when the request reached it.
	Upstream json.RawMessage `json:"upstream,omitempty"`

	// Service and RetryAt describe an open circuit.
	Service string     `json:"service,omitempty"`
	RetryAt *Timestamp `json:"retryAt,omitempty"`
}

// FieldError represents a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

const problemBase = "https://netlayer.breatheroute.dev/problems/"

// Problem type URIs.
const (
	ProblemTypeValidation      = problemBase + "validation-error"
	ProblemTypeUnauthorized    = problemBase + "unauthorized"
	ProblemTypeNotFound        = problemBase + "not-found"
	ProblemTypeConflict        = problemBase + "conflict"
	ProblemTypeTooManyRequests = problemBase + "too-many-requests"
	ProblemTypeInternal        = problemBase + "internal-error"
	ProblemTypeUnavailable     = problemBase + "service-unavailable"
	ProblemTypeTLSRequired     = problemBase + "tls-required"
	ProblemTypeUnsupportedType = problemBase + "unsupported-media-type"
	ProblemTypeCircuitOpen     = problemBase + "circuit-open"
	ProblemTypeSessionExpired  = problemBase + "session-expired"
	ProblemTypeNetwork         = problemBase + "network-error"
	ProblemTypeUpstream        = problemBase + "upstream-error"
)

// NewProblem creates a new Problem with the given parameters.
func NewProblem(problemType, title string, status int, traceID string) *Problem {
	return &Problem{
		Type:    problemType,
		Title:   title,
		Status:  status,
		TraceID: traceID,
	}
}

// WithDetail adds a detail message to the Problem.
func (p *Problem) WithDetail(detail string) *Problem {
	p.Detail = detail
	return p
}

// WithInstance adds the request instance URI to the Problem.
func (p *Problem) WithInstance(instance string) *Problem {
	p.Instance = instance
	return p
}

// WithErrors adds field errors to the Problem.
func (p *Problem) WithErrors(errors []FieldError) *Problem {
	p.Errors = errors
	return p
}

// Write writes the Problem as JSON to the ResponseWriter. Open-circuit
// problems also carry a Retry-After header.
func (p *Problem) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Request-Id", p.TraceID)
	if p.RetryAt != nil {
		secs := int(time.Until(p.RetryAt.Time()).Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// NewBadRequest creates a 400 Bad Request problem.
func NewBadRequest(traceID, detail string, errors []FieldError) *Problem {
	p := NewProblem(ProblemTypeValidation, "Validation error", http.StatusBadRequest, traceID)
	p.Detail = detail
	p.Errors = errors
	return p
}

// NewUnauthorized creates a 401 Unauthorized problem.
func NewUnauthorized(traceID, detail string) *Problem {
	p := NewProblem(ProblemTypeUnauthorized, "Unauthorized", http.StatusUnauthorized, traceID)
	p.Detail = detail
	return p
}

// NewNotFound creates a 404 Not Found problem.
func NewNotFound(traceID, detail string) *Problem {
	p := NewProblem(ProblemTypeNotFound, "Not found", http.StatusNotFound, traceID)
	p.Detail = detail
	return p
}

// NewConflict creates a 409 Conflict problem.
func NewConflict(traceID, detail string) *Problem {
	p := NewProblem(ProblemTypeConflict, "Conflict", http.StatusConflict, traceID)
	p.Detail = detail
	return p
}

// NewTooManyRequests creates a 429 Too Many Requests problem.
func NewTooManyRequests(traceID, detail string) *Problem {
	p := NewProblem(ProblemTypeTooManyRequests, "Too many requests", http.StatusTooManyRequests, traceID)
	p.Detail = detail
	return p
}

// NewInternalError creates a 500 Internal Server Error problem.
func NewInternalError(traceID, detail string) *Problem {
	p := NewProblem(ProblemTypeInternal, "Internal server error", http.StatusInternalServerError, traceID)
	p.Detail = detail
	return p
}

// NewServiceUnavailable creates a 503 Service Unavailable problem.
func NewServiceUnavailable(traceID, detail string) *Problem {
	p := NewProblem(ProblemTypeUnavailable, "Service unavailable", http.StatusServiceUnavailable, traceID)
	p.Detail = detail
	return p
}

// NewUnsupportedMediaType creates a 415 problem for a body that is not JSON.
func NewUnsupportedMediaType(traceID, contentType string) *Problem {
	p := NewProblem(ProblemTypeUnsupportedType, "Unsupported media type", http.StatusUnsupportedMediaType, traceID)
	p.Detail = "Content-Type must be application/json, got " + contentType
	return p
}

// NewCircuitOpen creates a 503 problem for a service whose breaker is open.
func NewCircuitOpen(traceID, service string, retryAt time.Time) *Problem {
	p := NewProblem(ProblemTypeCircuitOpen, "Circuit open", http.StatusServiceUnavailable, traceID)
	p.Detail = "Service " + service + " is temporarily unavailable."
	p.Service = service
	ts := Timestamp(retryAt)
	p.RetryAt = &ts
	return p
}

// NewSessionExpired creates a 401 problem for an expired end-user session.
func NewSessionExpired(traceID string) *Problem {
	p := NewProblem(ProblemTypeSessionExpired, "Session expired", http.StatusUnauthorized, traceID)
	p.Detail = "The session has expired. Sign in again."
	return p
}

// NewNetworkError creates a 502, or 504 for timeouts, for requests that
// never got a usable response.
func NewNetworkError(traceID, detail string, timeout bool) *Problem {
	status, title := http.StatusBadGateway, "Network error"
	if timeout {
		status, title = http.StatusGatewayTimeout, "Upstream timeout"
	}
	p := NewProblem(ProblemTypeNetwork, title, status, traceID)
	p.Detail = detail
	return p
}

// NewUpstreamError relays a non-2xx backend response.
func NewUpstreamError(traceID string, status int, detail string, payload json.RawMessage) *Problem {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	p := NewProblem(ProblemTypeUpstream, "Upstream error", status, traceID)
	p.Detail = detail
	if len(payload) > 0 && string(payload) != "null" {
		p.Upstream = payload
	}
	return p
}
