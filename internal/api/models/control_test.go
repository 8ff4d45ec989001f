package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fieldNames(errs []FieldError) []string {
	names := make([]string, 0, len(errs))
	for _, e := range errs {
		names = append(names, e.Field)
	}
	return names
}

func TestProxyRequest_Validate(t *testing.T) {
	text := "plain"

	tests := []struct {
		name   string
		req    ProxyRequest
		fields []string
	}{
		{
			name:   "minimal get",
			req:    ProxyRequest{Endpoint: "/feed"},
			fields: []string{},
		},
		{
			name:   "missing endpoint",
			req:    ProxyRequest{Method: "get"},
			fields: []string{"endpoint"},
		},
		{
			name:   "unsupported method",
			req:    ProxyRequest{Endpoint: "/feed", Method: "TRACE"},
			fields: []string{"method"},
		},
		{
			name:   "body and bodyText",
			req:    ProxyRequest{Endpoint: "/outbox", Method: "POST", Body: json.RawMessage(`{}`), BodyText: &text},
			fields: []string{"bodyText"},
		},
		{
			name:   "invalid json body",
			req:    ProxyRequest{Endpoint: "/outbox", Method: "POST", Body: json.RawMessage(`{`)},
			fields: []string{"body"},
		},
		{
			name:   "negative timeout",
			req:    ProxyRequest{Endpoint: "/feed", TimeoutMs: -1},
			fields: []string{"timeoutMs"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fields, fieldNames(tt.req.Validate()))
		})
	}
}

func TestProxyRequest_NormalizesMethod(t *testing.T) {
	req := ProxyRequest{Endpoint: "/feed"}
	require.Empty(t, req.Validate())
	assert.Equal(t, "GET", req.Method)

	req = ProxyRequest{Endpoint: "/outbox", Method: " patch "}
	require.Empty(t, req.Validate())
	assert.Equal(t, "PATCH", req.Method)
}

func TestProxyRequest_Timeout(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, (&ProxyRequest{TimeoutMs: 1500}).Timeout())
	assert.Zero(t, (&ProxyRequest{}).Timeout())
}

func TestSessionUpdate_Validate(t *testing.T) {
	assert.Len(t, (&SessionUpdate{}).Validate(), 1)

	empty := ""
	assert.Empty(t, (&SessionUpdate{RefreshToken: &empty}).Validate())
}

func TestAppState_Validate(t *testing.T) {
	assert.Empty(t, (&AppState{State: AppStateActive}).Validate())
	assert.Empty(t, (&AppState{State: AppStateBackground}).Validate())
	assert.Len(t, (&AppState{State: "suspended"}).Validate(), 1)
}
