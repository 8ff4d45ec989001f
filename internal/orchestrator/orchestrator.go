// Package orchestrator composes transport, circuit breakers, session refresh,
// the response cache and the request queue into ResilientRequest.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/breatheroute/netlayer/internal/cache"
	"github.com/breatheroute/netlayer/internal/events"
	"github.com/breatheroute/netlayer/internal/netmon"
	"github.com/breatheroute/netlayer/internal/queue"
	"github.com/breatheroute/netlayer/internal/resilience"
	"github.com/breatheroute/netlayer/internal/session"
	"github.com/breatheroute/netlayer/internal/telemetry"
	"github.com/breatheroute/netlayer/internal/transport"
)

const tracerName = "github.com/breatheroute/netlayer/internal/orchestrator"

// DefaultMaxRetries is the number of retries after the first attempt.
const DefaultMaxRetries = 2

// DefaultPublicPaths are endpoint prefixes sent without a bearer token.
var DefaultPublicPaths = []string{"/auth/login", "/auth/register", "/auth/refresh", "/public/"}

// ErrInvalidRequest is returned for requests that cannot be built.
var ErrInvalidRequest = errors.New("invalid request")

// Config wires the orchestrator to its collaborators. Registry and Monitor are
// required; Session, Cache, Queue, Bus and Telemetry are optional.
type Config struct {
	// BaseURL is prepended to relative endpoints.
	BaseURL string
	Client  transport.Doer
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt. Zero uses
	// DefaultMaxRetries; a negative value disables retries.
	MaxRetries int
	BaseDelay  time.Duration

	// MaxJitter bounds the random delay added to each retry. Zero uses
	// resilience.DefaultMaxJitter; a negative value disables jitter.
	MaxJitter time.Duration

	// PublicPaths are endpoint prefixes sent without a bearer token. Nil uses
	// DefaultPublicPaths.
	PublicPaths []string

	// TokenSkew enables proactive refresh of access tokens expiring within it.
	TokenSkew time.Duration

	Registry  *resilience.Registry
	Session   *session.Manager
	Monitor   *netmon.Monitor
	Cache     cache.Cache
	Queue     *queue.Queue
	Bus       *events.Bus
	Telemetry telemetry.Sink
	Tracer    trace.Tracer
	Logger    zerolog.Logger
}

// Orchestrator executes requests with deduplication, retry, refresh and
// cache/queue fallback.
type Orchestrator struct {
	config      Config
	inflight    singleflight.Group
	globalError atomic.Bool
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = transport.DefaultTimeout
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = resilience.DefaultBaseDelay
	}
	switch {
	case cfg.MaxJitter == 0:
		cfg.MaxJitter = resilience.DefaultMaxJitter
	case cfg.MaxJitter < 0:
		cfg.MaxJitter = 0
	}
	if cfg.PublicPaths == nil {
		cfg.PublicPaths = DefaultPublicPaths
	}
	if cfg.Registry == nil {
		cfg.Registry = resilience.NewRegistry(resilience.RegistryConfig{Logger: cfg.Logger})
	}
	if cfg.Monitor == nil {
		cfg.Monitor = netmon.New(netmon.Config{Bus: cfg.Bus, Logger: cfg.Logger})
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Orchestrator{config: cfg}
}

// Registry returns the breaker registry.
func (o *Orchestrator) Registry() *resilience.Registry {
	return o.config.Registry
}

// ResilientRequest executes req. Concurrent GETs for the same endpoint share
// one execution and its result; the shared Response must not be modified.
// The shared execution is detached from any single caller's cancellation, so
// a caller that gives up only stops its own wait.
func (o *Orchestrator) ResilientRequest(ctx context.Context, req Request) (*Response, error) {
	req = normalize(req)

	if req.Method != http.MethodGet {
		return o.execute(ctx, req)
	}

	key := req.Method + ":" + req.Endpoint
	ch := o.inflight.DoChan(key, func() (any, error) {
		return o.execute(context.WithoutCancel(ctx), req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			o.config.Logger.Debug().Str("endpoint", req.Endpoint).Msg("joined in-flight request")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response), nil
	}
}

func (o *Orchestrator) execute(ctx context.Context, req Request) (*Response, error) {
	ctx, span := o.config.Tracer.Start(ctx, "netlayer.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("netlayer.endpoint", req.Endpoint),
			attribute.String("netlayer.origin", req.Origin),
		),
	)
	defer span.End()

	resp, err := o.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("netlayer.source", string(resp.Source)),
		attribute.Int("http.status_code", resp.StatusCode),
	)
	return resp, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request) (*Response, error) {
	registry := o.config.Registry
	if !registry.CanRequest(req.Endpoint) {
		breaker := registry.ForEndpoint(req.Endpoint)
		o.config.Logger.Debug().
			Str("endpoint", req.Endpoint).
			Str("service", breaker.Name()).
			Msg("request short-circuited")
		return nil, &transport.CircuitOpenError{Service: breaker.Name(), RetryAt: breaker.NextAttemptAt()}
	}

	c, err := o.prepare(req)
	if err != nil {
		return nil, err
	}

	var result *transport.Result
	operation := func() error {
		c.attempt++
		res, err := o.attempt(ctx, c)
		if err != nil {
			if transport.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(resilience.NewJitterBackOff(o.config.BaseDelay, o.config.MaxJitter), uint64(o.config.MaxRetries)), //nolint:gosec // non-negative after New
		ctx,
	)
	err = backoff.RetryNotify(operation, policy, func(err error, delay time.Duration) {
		o.config.Logger.Info().
			Err(err).
			Str("endpoint", req.Endpoint).
			Str("method", req.Method).
			Int("attempt", c.attempt).
			Dur("delay", delay).
			Msg("retrying request")
	})
	if err == nil {
		return &Response{
			Payload:    result.Payload,
			Source:     SourceNetwork,
			StatusCode: result.StatusCode,
			RequestID:  c.requestID,
		}, nil
	}

	if !transport.IsRetryable(err) {
		return nil, err
	}
	return o.fallback(ctx, c, err)
}

// attempt sends the request once, resending after a successful token refresh.
func (o *Orchestrator) attempt(ctx context.Context, c *call) (*transport.Result, error) {
	for {
		token, err := o.token(ctx, c)
		if err != nil {
			return nil, err
		}

		httpReq, err := o.newHTTPRequest(c, token)
		if err != nil {
			return nil, err
		}

		timeout := c.req.Timeout
		if timeout <= 0 {
			timeout = o.config.Timeout
		}

		start := time.Now()
		var res *transport.Result
		resp, err := transport.CallWithTimeout(ctx, o.config.Client, httpReq, timeout)
		if err == nil {
			res, err = transport.ParseResponse(resp)
		}
		o.emit(ctx, c, time.Since(start), res, err)

		if err == nil {
			o.onSuccess(ctx, c, res)
			return res, nil
		}

		if c.authenticated && transport.StatusCode(err) == http.StatusUnauthorized {
			refreshErr := o.handleUnauthorized(ctx, c, err)
			if refreshErr == nil {
				continue
			}
			// The endpoint answered; a refresh failure says nothing about
			// its service, so it skips the breaker and offline bookkeeping.
			return nil, refreshErr
		}

		o.onFailure(c, err)
		return nil, err
	}
}

// handleUnauthorized returns nil when the request should be resent. Only one
// refresh is attempted per call; a 401 after it expires the session.
func (o *Orchestrator) handleUnauthorized(ctx context.Context, c *call, cause error) error {
	if c.refreshed {
		return o.expire(ctx, c, cause)
	}
	c.refreshed = true

	_, err := o.config.Session.RefreshAccessToken(ctx)
	switch {
	case err == nil:
		o.config.Logger.Debug().Str("endpoint", c.req.Endpoint).Msg("resending after token refresh")
		return nil
	case errors.Is(err, transport.ErrSessionExpired):
		return o.expire(ctx, c, cause)
	default:
		return err
	}
}

func (o *Orchestrator) expire(ctx context.Context, c *call, cause error) error {
	if err := o.config.Session.HandleSessionExpired(ctx); err != nil {
		o.config.Logger.Error().Err(err).Msg("failed to clear session")
	}

	expired := &transport.HTTPError{
		Status:  http.StatusUnauthorized,
		Message: "session expired",
		Err:     transport.ErrSessionExpired,
	}
	var httpErr *transport.HTTPError
	if errors.As(cause, &httpErr) {
		expired.Payload = httpErr.Payload
	}
	o.config.Logger.Warn().Str("endpoint", c.req.Endpoint).Msg("session expired")
	return expired
}

func (o *Orchestrator) token(ctx context.Context, c *call) (string, error) {
	if !c.authenticated {
		return "", nil
	}
	if o.config.TokenSkew <= 0 {
		return o.config.Session.AccessToken(ctx)
	}

	token, err := o.config.Session.ValidAccessToken(ctx, o.config.TokenSkew)
	if errors.Is(err, transport.ErrSessionExpired) {
		return "", o.expire(ctx, c, err)
	}
	return token, err
}

func (o *Orchestrator) onSuccess(ctx context.Context, c *call, res *transport.Result) {
	o.config.Registry.RecordSuccess(c.req.Endpoint)
	o.config.Monitor.MarkOnline()
	o.clearGlobalError()

	if c.req.Method == http.MethodGet && !c.req.SkipCache && o.config.Cache != nil {
		if err := o.config.Cache.Set(ctx, c.req.Endpoint, res.Payload); err != nil {
			o.config.Logger.Warn().Err(err).Str("endpoint", c.req.Endpoint).Msg("failed to cache response")
		}
	}
}

func (o *Orchestrator) onFailure(c *call, err error) {
	var netErr *transport.NetworkError
	if errors.As(err, &netErr) {
		o.config.Monitor.TriggerOffline()
		o.config.Registry.RecordFailure(c.req.Endpoint, err)
		return
	}

	var httpErr *transport.HTTPError
	if !errors.As(err, &httpErr) {
		return
	}
	if httpErr.Status == http.StatusBadGateway || httpErr.Status == http.StatusServiceUnavailable {
		o.config.Monitor.TriggerOffline()
	}
	if httpErr.Status >= 500 {
		o.config.Registry.RecordFailure(c.req.Endpoint, err)
	} else {
		o.config.Registry.RecordSuccess(c.req.Endpoint)
	}
}

func (o *Orchestrator) fallback(ctx context.Context, c *call, cause error) (*Response, error) {
	log := o.config.Logger.With().
		Str("endpoint", c.req.Endpoint).
		Str("method", c.req.Method).
		Int("attempts", c.attempt).
		Logger()

	if c.req.Method == http.MethodGet && !c.req.SkipCache && o.config.Cache != nil {
		payload, ok, err := o.config.Cache.Get(ctx, c.req.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("cache lookup failed")
		}
		if ok {
			o.config.Monitor.TriggerOffline()
			o.notice(events.NoticeWarning, "You are offline. Showing saved data.")
			log.Info().Err(cause).Msg("serving cached response")
			return &Response{Payload: payload, Source: SourceCache}, nil
		}
	}

	if c.req.Method != http.MethodGet && c.queueable && o.config.Queue != nil {
		item := queue.Item{
			RequestID: c.requestID,
			Endpoint:  c.req.Endpoint,
			Method:    c.req.Method,
			Headers:   c.req.Headers,
		}
		if c.textBody || (c.body != nil && !json.Valid(c.body)) {
			item.BodyText = string(c.body)
		} else if c.body != nil {
			item.Body = json.RawMessage(c.body)
		}

		if _, err := o.config.Queue.Enqueue(ctx, item); err != nil {
			log.Error().Err(err).Msg("failed to queue request")
		} else {
			o.config.Monitor.TriggerOffline()
			o.notice(events.NoticeInfo, "Action saved. It will be sent when you are back online.")
			log.Info().Err(cause).Str("request_id", c.requestID).Msg("request queued for replay")
			return &Response{
				Payload:   json.RawMessage("null"),
				Source:    SourceQueued,
				Queued:    true,
				RequestID: c.requestID,
			}, nil
		}
	}

	o.setGlobalError(c.req.Endpoint, cause)
	log.Warn().Err(cause).Msg("request failed after retries")
	return nil, cause
}

// FlushQueuedRequests replays the queue through ResilientRequest. Replays
// never re-enqueue, so a failing item stops the pass instead of looping.
func (o *Orchestrator) FlushQueuedRequests(ctx context.Context) (queue.FlushResult, error) {
	if o.config.Queue == nil {
		return queue.FlushResult{}, nil
	}

	return o.config.Queue.Flush(ctx, func(ctx context.Context, item queue.Item) error {
		var body any
		switch {
		case item.BodyText != "":
			body = item.BodyText
		case len(item.Body) > 0:
			body = item.Body
		}

		_, err := o.ResilientRequest(ctx, Request{
			Endpoint:  item.Endpoint,
			Method:    item.Method,
			Headers:   item.Headers,
			Body:      body,
			RequestID: item.RequestID,
			SkipCache: true,
			SkipQueue: true,
			Origin:    OriginQueue,
		})
		return err
	})
}

// FlushOnReconnect replays the queue whenever the monitor reports a transition
// back online. It returns a function that stops watching.
func (o *Orchestrator) FlushOnReconnect(ctx context.Context) func() {
	return o.config.Monitor.Subscribe(func(offline bool) {
		if offline {
			return
		}
		go func() {
			res, err := o.FlushQueuedRequests(ctx)
			if err != nil {
				o.config.Logger.Warn().Err(err).Int("sent", res.Sent).Int("remaining", res.Remaining).Msg("reconnect flush stopped")
				return
			}
			if res.Sent > 0 {
				o.config.Logger.Info().Int("sent", res.Sent).Msg("reconnect flush completed")
			}
		}()
	})
}

func (o *Orchestrator) emit(ctx context.Context, c *call, d time.Duration, res *transport.Result, err error) {
	rec := telemetry.Record{
		Endpoint: c.req.Endpoint,
		Method:   c.req.Method,
		Duration: d,
		Attempt:  c.attempt,
		Origin:   c.req.Origin,
	}
	switch {
	case err == nil:
		rec.Status = telemetry.StatusSuccess
		rec.StatusCode = res.StatusCode
	case transport.IsTimeout(err):
		rec.Status = telemetry.StatusTimeout
	default:
		rec.Status = telemetry.StatusError
		rec.StatusCode = transport.StatusCode(err)
	}
	telemetry.Emit(ctx, o.config.Telemetry, rec)
}

func (o *Orchestrator) notice(level events.NoticeLevel, message string) {
	if o.config.Bus != nil {
		o.config.Bus.Notices.Publish(events.Notice{Level: level, Message: message})
	}
}

func (o *Orchestrator) setGlobalError(endpoint string, err error) {
	o.globalError.Store(true)
	if o.config.Bus != nil {
		o.config.Bus.GlobalError.Publish(events.GlobalError{
			Message:  userMessage(err),
			Endpoint: endpoint,
			Err:      err,
		})
	}
}

func (o *Orchestrator) clearGlobalError() {
	if o.globalError.Swap(false) && o.config.Bus != nil {
		o.config.Bus.GlobalError.Publish(events.GlobalError{})
	}
}

func userMessage(err error) string {
	var httpErr *transport.HTTPError
	if errors.As(err, &httpErr) && httpErr.Status < 500 {
		return httpErr.Message
	}
	if transport.IsTimeout(err) {
		return "The request timed out. Please try again."
	}
	var netErr *transport.NetworkError
	if errors.As(err, &netErr) {
		return "Unable to reach the server. Check your connection."
	}
	if status := transport.StatusCode(err); status != 0 {
		return fmt.Sprintf("Something went wrong (%s).", http.StatusText(status))
	}
	return "Something went wrong."
}
