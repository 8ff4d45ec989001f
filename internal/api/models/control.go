package models

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// ProxyRequest asks the daemon to perform a resilient upstream request.
type ProxyRequest struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers,omitempty"`

	// Body is sent as JSON. BodyText is sent verbatim; at most one may be set.
	Body     json.RawMessage `json:"body,omitempty"`
	BodyText *string         `json:"bodyText,omitempty"`

	TimeoutMs int    `json:"timeoutMs,omitempty"`
	SkipCache bool   `json:"skipCache,omitempty"`
	SkipQueue bool   `json:"skipQueue,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Timeout returns the per-attempt timeout, zero for the default.
func (r *ProxyRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Validate checks the request and normalizes the method.
func (r *ProxyRequest) Validate() []FieldError {
	var errs []FieldError

	if r.Endpoint == "" {
		errs = append(errs, FieldError{Field: "endpoint", Message: "endpoint is required", Code: "REQUIRED"})
	}

	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		errs = append(errs, FieldError{Field: "method", Message: "method must be GET, POST, PUT, PATCH or DELETE", Code: "INVALID"})
	}

	if len(r.Body) > 0 && r.BodyText != nil {
		errs = append(errs, FieldError{Field: "bodyText", Message: "body and bodyText are mutually exclusive", Code: "CONFLICT"})
	}
	if len(r.Body) > 0 && !json.Valid(r.Body) {
		errs = append(errs, FieldError{Field: "body", Message: "body must be valid JSON", Code: "INVALID"})
	}
	if r.TimeoutMs < 0 {
		errs = append(errs, FieldError{Field: "timeoutMs", Message: "timeoutMs must not be negative", Code: "OUT_OF_RANGE"})
	}

	return errs
}

// ProxyResponse is the result of a resilient request.
type ProxyResponse struct {
	Payload    json.RawMessage `json:"payload"`
	Source     string          `json:"source"`
	StatusCode int             `json:"statusCode,omitempty"`
	Queued     bool            `json:"queued"`
	RequestID  string          `json:"requestId,omitempty"`
}

// QueuedRequest is a queued request as listed by the control API. Bodies and
// headers are omitted.
type QueuedRequest struct {
	RequestID  string    `json:"requestId"`
	Method     string    `json:"method"`
	Endpoint   string    `json:"endpoint"`
	EnqueuedAt Timestamp `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
}

// QueueListing is the response of GET /v1/queue.
type QueueListing struct {
	Depth int             `json:"depth"`
	Items []QueuedRequest `json:"items"`
}

// FlushResult is the response of POST /v1/queue/flush.
type FlushResult struct {
	Sent      int    `json:"sent"`
	Remaining int    `json:"remaining"`
	FailedID  string `json:"failedRequestId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionUpdate sets session tokens. A nil field is left unchanged; an empty
// string clears it.
type SessionUpdate struct {
	AccessToken  *string `json:"accessToken"`
	RefreshToken *string `json:"refreshToken"`
}

// Validate checks that at least one token is given.
func (u *SessionUpdate) Validate() []FieldError {
	if u.AccessToken == nil && u.RefreshToken == nil {
		return []FieldError{{Field: "accessToken", Message: "accessToken or refreshToken is required", Code: "REQUIRED"}}
	}
	return nil
}

// App lifecycle states.
const (
	AppStateActive     = "active"
	AppStateBackground = "background"
)

// AppState reports the host application's lifecycle state.
type AppState struct {
	State string `json:"state"`
}

// Validate checks the state value.
func (s *AppState) Validate() []FieldError {
	switch s.State {
	case AppStateActive, AppStateBackground:
		return nil
	default:
		return []FieldError{{Field: "state", Message: "state must be active or background", Code: "INVALID"}}
	}
}

// ConnectivityCheck is the response of POST /v1/connectivity/check.
type ConnectivityCheck struct {
	Online    bool      `json:"online"`
	CheckedAt Timestamp `json:"checkedAt"`
}
