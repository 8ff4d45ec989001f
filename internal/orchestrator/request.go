package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IdempotencyHeader carries the stable id of a mutating request.
const IdempotencyHeader = "Idempotency-Key"

// Origin values for Request.Origin.
const (
	OriginCaller = "caller"
	OriginQueue  = "queue"
)

// Source tells where a Response payload came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceQueued  Source = "queued"
)

// Request describes one logical call.
type Request struct {
	Endpoint string
	// Method defaults to GET.
	Method  string
	Headers map[string]string

	// Body is sent as is when it is a string, []byte or Multipart, and JSON
	// encoded otherwise.
	Body any

	// Timeout bounds each attempt. Zero uses the orchestrator default.
	Timeout time.Duration

	// SkipCache disables cache writes and the cache fallback for GET.
	SkipCache bool

	// RequestID is the idempotency key of a mutating request. One is generated
	// when empty and no Idempotency-Key header is given.
	RequestID string

	// SkipQueue disables the queue fallback for mutating requests.
	SkipQueue bool

	Origin string
}

// Multipart is a pre-encoded upload body. Multipart requests are never queued.
type Multipart struct {
	ContentType string
	Data        []byte
}

// Response is the outcome of a successful or deferred call.
type Response struct {
	// Payload is the normalized response body. It is null for queued requests.
	Payload    json.RawMessage
	Source     Source
	StatusCode int
	Queued     bool
	RequestID  string
}

// call is the per-invocation state shared by all attempts of one request.
type call struct {
	req           Request
	requestID     string
	body          []byte
	contentType   string
	textBody      bool
	queueable     bool
	authenticated bool
	refreshed     bool
	attempt       int
}

func normalize(req Request) Request {
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Origin == "" {
		req.Origin = OriginCaller
	}
	return req
}

func (o *Orchestrator) prepare(req Request) (*call, error) {
	c := &call{
		req:           req,
		queueable:     !req.SkipQueue,
		authenticated: o.config.Session != nil && !o.isPublic(req.Endpoint),
	}

	if req.Method != http.MethodGet {
		c.requestID = req.RequestID
		if c.requestID == "" {
			c.requestID = headerValue(req.Headers, IdempotencyHeader)
		}
		if c.requestID == "" {
			c.requestID = uuid.NewString()
		}
	}

	switch body := req.Body.(type) {
	case nil:
	case string:
		c.body = []byte(body)
		c.textBody = true
	case json.RawMessage:
		c.body = body
		c.contentType = "application/json"
	case []byte:
		c.body = body
		c.queueable = false
	case Multipart:
		c.body = body.Data
		c.contentType = body.ContentType
		c.queueable = false
	case *Multipart:
		c.body = body.Data
		c.contentType = body.ContentType
		c.queueable = false
	case io.Reader:
		return nil, fmt.Errorf("%w: streaming bodies cannot be retried, pass []byte", ErrInvalidRequest)
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %v", ErrInvalidRequest, err)
		}
		c.body = encoded
		c.contentType = "application/json"
	}

	return c, nil
}

func (o *Orchestrator) isPublic(endpoint string) bool {
	path := endpointPath(endpoint)
	for _, prefix := range o.config.PublicPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) url(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return o.config.BaseURL + endpoint
}

func (o *Orchestrator) newHTTPRequest(c *call, token string) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if c.body != nil {
		body = bytes.NewReader(c.body)
	}

	httpReq, err := http.NewRequest(c.req.Method, o.url(c.req.Endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.req.Headers {
		httpReq.Header.Set(k, v)
	}
	if c.contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", c.contentType)
	}
	if c.requestID != "" {
		httpReq.Header.Set(IdempotencyHeader, c.requestID)
	}
	if c.authenticated && token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return httpReq, nil
}

func endpointPath(endpoint string) string {
	path := endpoint
	if i := strings.Index(path, "://"); i >= 0 {
		path = path[i+3:]
		if j := strings.IndexByte(path, '/'); j >= 0 {
			path = path[j:]
		} else {
			path = "/"
		}
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
