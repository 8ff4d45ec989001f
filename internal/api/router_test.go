package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/netlayer/internal/api"
	"github.com/breatheroute/netlayer/internal/api/models"
	"github.com/breatheroute/netlayer/internal/auth"
	"github.com/breatheroute/netlayer/internal/cache"
	"github.com/breatheroute/netlayer/internal/netmon"
	"github.com/breatheroute/netlayer/internal/orchestrator"
	"github.com/breatheroute/netlayer/internal/queue"
	"github.com/breatheroute/netlayer/internal/resilience"
	"github.com/breatheroute/netlayer/internal/session"
	"github.com/breatheroute/netlayer/internal/storage"
)

type testEnv struct {
	router   http.Handler
	queue    *queue.Queue
	session  *session.Manager
	monitor  *netmon.Monitor
	jwt      *auth.JWTService
	outboxUp atomic.Bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}

	upstream := http.NewServeMux()
	upstream.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	upstream.HandleFunc("GET /feed", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"items":[1,2]}}`))
	})
	upstream.HandleFunc("POST /broken", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"name is required"}`))
	})
	upstream.HandleFunc("POST /outbox", func(w http.ResponseWriter, _ *http.Request) {
		if !env.outboxUp.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"m1"}`))
	})
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	logger := zerolog.New(io.Discard)
	env.monitor = netmon.New(netmon.Config{HealthURL: server.URL + "/health", Client: server.Client(), Logger: logger})
	env.queue = queue.New(queue.Config{Store: storage.NewMemoryStore(), Logger: logger})
	env.session = session.NewManager(session.Config{
		Store:     storage.NewMemoryStore(),
		Refresher: session.NewHTTPRefresher(server.URL, server.Client(), time.Second),
		Monitor:   env.monitor,
		Logger:    logger,
	})
	env.jwt = auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "netlayerd",
		Audience:   "netlayer-control",
	})

	orch := orchestrator.New(orchestrator.Config{
		BaseURL:    server.URL,
		Client:     server.Client(),
		Timeout:    time.Second,
		MaxRetries: -1,
		Registry:   resilience.NewRegistry(resilience.RegistryConfig{Logger: logger}),
		Session:    env.session,
		Monitor:    env.monitor,
		Cache:      cache.NewLRUCache(16, 0),
		Queue:      env.queue,
		Logger:     logger,
	})

	env.router = api.NewRouter(api.RouterConfig{
		Version:      "test",
		BuildTime:    "2026-01-01T00:00:00Z",
		Logger:       logger,
		Auth:         env.jwt,
		Orchestrator: orch,
		Queue:        env.queue,
		Session:      env.session,
		Monitor:      env.monitor,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, _, err := e.jwt.IssueToken("ops", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestRouter_HealthCheck(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	var health models.Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, models.HealthStatusOK, health.Status)
	assert.Equal(t, "test", health.Details["version"])
}

func TestRouter_ReadinessCheck(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/ready", http.NoBody)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_SystemStatus_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/status", http.NoBody)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}

func TestRouter_SystemStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/v1/requests", map[string]any{"endpoint": "/feed"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/ops/status", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var status models.SystemStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, models.HealthStatusOK, status.Status)
	assert.False(t, status.Connectivity.Offline)
	assert.False(t, status.Session.Active)
	require.Len(t, status.Services, 1)
	assert.Equal(t, "feed", status.Services[0].Service)
	assert.Equal(t, "closed", status.Services[0].CircuitState)
}

func TestRouter_ProxyGet(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/requests", map[string]any{"endpoint": "/feed", "method": "get"})

	assert.Equal(t, http.StatusOK, w.Code)
	var resp models.ProxyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.JSONEq(t, `{"items":[1,2]}`, string(resp.Payload))
	assert.Equal(t, "network", resp.Source)
	assert.False(t, resp.Queued)
}

func TestRouter_ProxyValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/requests", map[string]any{"method": "TRACE"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var problem models.Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Len(t, problem.Errors, 2)
}

func TestRouter_ProxyUnknownField(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/requests", map[string]any{"endpoint": "/feed", "verb": "GET"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_ProxyUpstreamError(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/requests", map[string]any{
		"endpoint": "/broken",
		"method":   "POST",
		"body":     map[string]any{"name": ""},
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var problem models.Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, models.ProblemTypeUpstream, problem.Type)
	assert.Equal(t, "name is required", problem.Detail)

	depth, err := env.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth, "client errors are never queued")
}

func TestRouter_QueueLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/requests", map[string]any{
		"endpoint":  "/outbox",
		"method":    "POST",
		"body":      map[string]any{"text": "hi"},
		"requestId": "req-1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/v1/queue", w.Header().Get("Location"))

	var resp models.ProxyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
	assert.Equal(t, "queued", resp.Source)
	assert.Equal(t, "req-1", resp.RequestID)

	w = env.do(t, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing models.QueueListing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Depth)
	assert.Equal(t, "req-1", listing.Items[0].RequestID)
	assert.Equal(t, "/outbox", listing.Items[0].Endpoint)

	env.outboxUp.Store(true)
	w = env.do(t, http.MethodPost, "/v1/queue/flush", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var flushed models.FlushResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &flushed))
	assert.Equal(t, 1, flushed.Sent)
	assert.Zero(t, flushed.Remaining)
	assert.Empty(t, flushed.Error)
}

func TestRouter_MutationSurvivesClientDisconnect(t *testing.T) {
	env := newTestEnv(t)

	raw, err := json.Marshal(map[string]any{"endpoint": "/outbox", "method": "POST", "requestId": "req-gone"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewReader(raw)).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	token, _, err := env.jwt.IssueToken("ops", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	items, err := env.queue.Peek(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "req-gone", items[0].RequestID)
}

func TestRouter_QueueFlushReportsFailure(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/requests", map[string]any{"endpoint": "/outbox", "method": "POST", "requestId": "req-2"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, http.MethodPost, "/v1/queue/flush", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var flushed models.FlushResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &flushed))
	assert.Zero(t, flushed.Sent)
	assert.Equal(t, 1, flushed.Remaining)
	assert.Equal(t, "req-2", flushed.FailedID)
	assert.NotEmpty(t, flushed.Error)
}

func TestRouter_QueueClear(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.queue.Enqueue(context.Background(), queue.Item{RequestID: "a", Endpoint: "/outbox", Method: http.MethodPost})
	require.NoError(t, err)

	w := env.do(t, http.MethodDelete, "/v1/queue", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	depth, err := env.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRouter_Session(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := env.do(t, http.MethodPut, "/v1/session", map[string]any{"accessToken": "at", "refreshToken": "rt"})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, env.session.HasSession(ctx))

	w = env.do(t, http.MethodPut, "/v1/session", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodDelete, "/v1/session", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, env.session.HasSession(ctx))
}

func TestRouter_AppState(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/v1/app/state", map[string]any{"state": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/v1/app/state", map[string]any{"state": "background"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, env.monitor.IsForeground())

	w = env.do(t, http.MethodPut, "/v1/app/state", map[string]any{"state": "active"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, env.monitor.IsForeground())
}

func TestRouter_ConnectivityCheck(t *testing.T) {
	env := newTestEnv(t)
	env.monitor.TriggerOffline()

	w := env.do(t, http.MethodPost, "/v1/connectivity/check", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var check models.ConnectivityCheck
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	assert.True(t, check.Online)
	assert.False(t, env.monitor.IsOffline())
}

func TestRouter_RequireJSON(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewReader([]byte("endpoint=/feed")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	token, _, err := env.jwt.IssueToken("ops", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestRouter_RequestID_Generated(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Regexp(t, `^req_`, w.Header().Get("X-Request-Id"))
}

func TestRouter_RequestID_Preserved(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", http.NoBody)
	req.Header.Set("X-Request-Id", "custom-request-id")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, "custom-request-id", w.Header().Get("X-Request-Id"))
}

func TestRouter_NotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/nonexistent", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
}
