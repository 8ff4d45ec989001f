package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxBodySize bounds how much of a response body is read into memory.
const maxBodySize = 10 << 20

// Result is the normalized form of a successful response.
type Result struct {
	StatusCode int
	Header     http.Header

	// Payload is always valid JSON. Non-JSON bodies are encoded as a JSON string,
	// empty bodies as null, and {"data": ...} envelopes are unwrapped.
	Payload json.RawMessage
}

// envelopeKeys are the sibling keys tolerated next to "data" in a response envelope.
var envelopeKeys = map[string]bool{
	"data":    true,
	"success": true,
	"status":  true,
	"meta":    true,
	"message": true,
}

// ParseResponse reads and closes resp.Body and classifies the response.
//
//   - 502/503/504 return *NetworkError (gateway unavailable).
//   - A 2xx body that is an HTML document returns *NetworkError.
//   - Any other non-2xx returns *HTTPError.
func ParseResponse(resp *http.Response) (*Result, error) {
	defer resp.Body.Close()

	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.Redacted()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &NetworkError{
			Op:      "read",
			URL:     url,
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
	}

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, &NetworkError{Op: "request", URL: url, StatusCode: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload := normalizePayload(body)
		return nil, &HTTPError{
			Status:  resp.StatusCode,
			Message: errorMessage(body, resp.StatusCode),
			Payload: payload,
		}
	}

	if IsHTMLDocument(body) {
		return nil, &NetworkError{
			Op:  "request",
			URL: url,
			Err: errors.New("received html error page instead of data"),
		}
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Payload:    unwrapEnvelope(normalizePayload(body)),
	}, nil
}

// IsHTMLDocument reports whether body starts with an HTML document marker.
func IsHTMLDocument(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) < 5 {
		return false
	}
	prefix := bytes.ToLower(trimmed[:min(len(trimmed), 14)])
	return bytes.HasPrefix(prefix, []byte("<!doctype")) || bytes.HasPrefix(prefix, []byte("<html"))
}

func normalizePayload(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	encoded, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage("null")
	}
	return encoded
}

func unwrapEnvelope(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 || payload[0] != '{' {
		return payload
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload
	}
	data, ok := fields["data"]
	if !ok {
		return payload
	}
	for key := range fields {
		if !envelopeKeys[key] {
			return payload
		}
	}
	return data
}

// errorMessage picks a human-readable message from a structured error body.
func errorMessage(body []byte, status int) string {
	var fields struct {
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
		Title   string          `json:"title"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &fields); err == nil {
		if fields.Message != "" {
			return fields.Message
		}
		if msg := nestedError(fields.Error); msg != "" {
			return msg
		}
		if fields.Detail != "" {
			return fields.Detail
		}
		if fields.Title != "" {
			return fields.Title
		}
	}
	return fmt.Sprintf("request failed with status %d", status)
}

func nestedError(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}
