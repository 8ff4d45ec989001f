package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/breatheroute/netlayer/internal/telemetry"

// Status classifies the outcome of one request attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Record describes one request attempt.
type Record struct {
	Endpoint   string
	Method     string
	Status     Status
	StatusCode int
	Duration   time.Duration
	Attempt    int
	Origin     string
}

// Sink receives request telemetry.
type Sink interface {
	Record(ctx context.Context, rec Record)
}

// Emit delivers rec to sink. Panics raised by the sink are swallowed so that
// telemetry never affects request outcomes.
func Emit(ctx context.Context, sink Sink, rec Record) {
	if sink == nil {
		return
	}
	defer func() { _ = recover() }()
	sink.Record(ctx, rec)
}

// MetricsSink records request telemetry as OpenTelemetry metrics.
type MetricsSink struct {
	requestDuration metric.Float64Histogram
	requestTotal    metric.Int64Counter
}

// NewMetricsSink creates the request instruments on the global meter.
func NewMetricsSink() (*MetricsSink, error) {
	meter := otel.Meter(meterName)

	requestDuration, err := meter.Float64Histogram(
		"netlayer.request.duration",
		metric.WithDescription("Duration of outbound request attempts in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	requestTotal, err := meter.Int64Counter(
		"netlayer.request.total",
		metric.WithDescription("Total number of outbound request attempts"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsSink{
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
	}, nil
}

// Record records one attempt.
func (m *MetricsSink) Record(ctx context.Context, rec Record) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", rec.Method),
		attribute.String("netlayer.endpoint", rec.Endpoint),
		attribute.String("netlayer.status", string(rec.Status)),
		attribute.String("http.status_code", strconv.Itoa(rec.StatusCode)),
	}
	if rec.Status != StatusSuccess {
		attrs = append(attrs, attribute.Bool("error", true))
	}

	// Detached from the request context so cancellation never drops a data point.
	ctx = context.WithoutCancel(ctx)
	m.requestDuration.Record(ctx, rec.Duration.Seconds(), metric.WithAttributes(attrs...))
	m.requestTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// LogSink writes request telemetry at debug level.
type LogSink struct {
	Logger zerolog.Logger
}

// Record logs one attempt.
func (s LogSink) Record(_ context.Context, rec Record) {
	s.Logger.Debug().
		Str("endpoint", rec.Endpoint).
		Str("method", rec.Method).
		Str("status", string(rec.Status)).
		Int("status_code", rec.StatusCode).
		Dur("duration", rec.Duration).
		Int("attempt", rec.Attempt).
		Str("origin", rec.Origin).
		Msg("request attempt")
}

// Multi fans a record out to several sinks.
type Multi []Sink

// Record delivers rec to every sink, isolating panics per sink.
func (m Multi) Record(ctx context.Context, rec Record) {
	for _, s := range m {
		Emit(ctx, s, rec)
	}
}
