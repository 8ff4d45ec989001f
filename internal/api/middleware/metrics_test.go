package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/breatheroute/netlayer/internal/api/middleware"
)

func newTestMetrics(t *testing.T) (*middleware.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	metrics, err := middleware.NewMetricsWithProvider(mp)
	require.NoError(t, err)
	return metrics, reader
}

// requestCounts returns the request counter's data points keyed by route.
func requestCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	points := make(map[string]metricdata.DataPoint[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "http.server.request.total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				route, _ := dp.Attributes.Value(attribute.Key("http.route"))
				points[route.AsString()] = dp
			}
		}
	}
	return points
}

func TestNewMetrics(t *testing.T) {
	metrics, err := middleware.NewMetrics()
	require.NoError(t, err)
	assert.NotNil(t, metrics)
}

func TestMetrics_RecordsRoutePattern(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(metrics.Middleware())
	r.Get("/v1/queue/{requestId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/queue/"+id, http.NoBody))
	}

	points := requestCounts(t, reader)
	require.Contains(t, points, "/v1/queue/{requestId}")
	assert.Equal(t, int64(3), points["/v1/queue/{requestId}"].Value)
	assert.Len(t, points, 1)
}

func TestMetrics_TagsSourceAndErrors(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	handler := metrics.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/requests" {
			w.Header().Set(middleware.SourceHeader, "queued")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/requests", http.NoBody))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/ops/ready", http.NoBody))

	points := requestCounts(t, reader)

	proxied := points["/v1/requests"]
	source, ok := proxied.Attributes.Value(attribute.Key("netlayer.source"))
	require.True(t, ok)
	assert.Equal(t, "queued", source.AsString())
	_, hasError := proxied.Attributes.Value(attribute.Key("error"))
	assert.False(t, hasError)

	ready := points["/v1/ops/ready"]
	status, _ := ready.Attributes.Value(attribute.Key("http.status_code"))
	assert.Equal(t, "503", status.AsString())
	errFlag, ok := ready.Attributes.Value(attribute.Key("error"))
	require.True(t, ok)
	assert.True(t, errFlag.AsBool())
}

func TestMetrics_PassesResponseThrough(t *testing.T) {
	metrics, _ := newTestMetrics(t)

	handler := metrics.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"depth":0}`))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/queue", http.NoBody))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"depth":0}`, w.Body.String())
}
