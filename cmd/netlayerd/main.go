// Package main provides the entrypoint for netlayerd, the resilient network
// access daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/breatheroute/netlayer/internal/api"
	"github.com/breatheroute/netlayer/internal/api/middleware"
	"github.com/breatheroute/netlayer/internal/auth"
	"github.com/breatheroute/netlayer/internal/config"
	"github.com/breatheroute/netlayer/internal/events"
	"github.com/breatheroute/netlayer/internal/logging"
	"github.com/breatheroute/netlayer/internal/netmon"
	"github.com/breatheroute/netlayer/internal/orchestrator"
	"github.com/breatheroute/netlayer/internal/queue"
	"github.com/breatheroute/netlayer/internal/resilience"
	"github.com/breatheroute/netlayer/internal/session"
	"github.com/breatheroute/netlayer/internal/telemetry"
	"github.com/breatheroute/netlayer/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const serviceName = "netlayerd"

func main() {
	issueToken := flag.String("issue-token", "", "print a control token for the given subject and exit")
	tokenTTL := flag.Duration("token-ttl", auth.DefaultTokenTTL, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken, *tokenTTL); err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log, logFile, err := logging.New(os.Stdout, logging.Options{
		Service: serviceName,
		Version: Version,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log configuration: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("netlayerd stopped with error")
		_ = logFile.Close()
		os.Exit(1) //nolint:gocritic // log file is closed above
	}
}

func printToken(cfg *config.Config, subject string, ttl time.Duration) error {
	jwtService := auth.NewJWTService(auth.JWTConfig{
		SigningKey: cfg.Control.SigningKey,
		Issuer:     cfg.Control.Issuer,
		Audience:   cfg.Control.Audience,
	})
	token, expiresAt, err := jwtService.IssueToken(subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("build_time", BuildTime).
		Str("upstream", cfg.Upstream.BaseURL).
		Msg("starting netlayerd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if cfg.Telemetry.Enabled {
		log.Info().
			Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	backends, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backends.Close()

	bus := events.NewBus()
	bus.GlobalError.Subscribe(func(e events.GlobalError) {
		log.Warn().Str("endpoint", e.Endpoint).Str("message", e.Message).Msg("request failed")
	})

	client := &http.Client{}

	monitor := netmon.New(netmon.Config{
		HealthURL:     cfg.Upstream.HealthURL(),
		SuccessMarker: cfg.Upstream.SuccessMarker,
		Interval:      cfg.Monitor.Interval,
		Timeout:       cfg.Monitor.Timeout,
		Client:        client,
		Bus:           bus,
		Logger:        log.With().Str("component", "netmon").Logger(),
	})
	go monitor.Run(ctx)

	refresher := session.NewHTTPRefresher(cfg.Upstream.BaseURL, client, cfg.Upstream.Timeout)
	refresher.Path = cfg.Session.RefreshPath

	sessions := session.NewManager(session.Config{
		Store:     backends.Store,
		Refresher: refresher,
		Monitor:   monitor,
		Bus:       bus,
		Logger:    log.With().Str("component", "session").Logger(),
	})

	breaker := resilience.DefaultCircuitBreakerConfig("")
	breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	breaker.SuccessThreshold = cfg.Breaker.SuccessThreshold
	breaker.OpenDuration = cfg.Breaker.OpenDuration
	breaker.Logger = log

	registry := resilience.NewRegistry(resilience.RegistryConfig{
		Breaker:        breaker,
		ExemptServices: cfg.Breaker.ExemptServices,
		Logger:         log.With().Str("component", "resilience").Logger(),
	})

	var limiter *rate.Limiter
	if cfg.Queue.ReplayRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Queue.ReplayRate), cfg.Queue.ReplayBurst)
	}
	requestQueue := queue.New(queue.Config{
		Store:         backends.Store,
		StorageKey:    cfg.Queue.StorageKey,
		Limiter:       limiter,
		OnDepthChange: bus.QueueDepth.Publish,
		Logger:        log.With().Str("component", "queue").Logger(),
	})

	metricsSink, err := telemetry.NewMetricsSink()
	if err != nil {
		return fmt.Errorf("initialize request metrics: %w", err)
	}

	// Zero in the configuration disables retries or jitter; the orchestrator
	// reads zero as its default.
	maxRetries, maxJitter := cfg.Retry.MaxRetries, cfg.Retry.MaxJitter
	if maxRetries == 0 {
		maxRetries = -1
	}
	if maxJitter == 0 {
		maxJitter = -1
	}

	orch := orchestrator.New(orchestrator.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		Client:      client,
		Timeout:     cfg.Upstream.Timeout,
		MaxRetries:  maxRetries,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxJitter:   maxJitter,
		PublicPaths: cfg.Upstream.PublicPaths,
		TokenSkew:   cfg.Session.TokenSkew,
		Registry:    registry,
		Session:     sessions,
		Monitor:     monitor,
		Cache:       backends.Cache,
		Queue:       requestQueue,
		Bus:         bus,
		Telemetry:   telemetry.Multi{metricsSink, telemetry.LogSink{Logger: log}},
		Tracer:      telemetry.Tracer("netlayer/orchestrator"),
		Logger:      log.With().Str("component", "orchestrator").Logger(),
	})
	stopReconnectFlush := orch.FlushOnReconnect(ctx)
	defer stopReconnectFlush()

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		Flusher: orch,
		Checker: monitor,
		Cache:   backends.Cache,
		Timeout: 5 * time.Minute,
		Logger:  log.With().Str("component", "worker").Logger(),
	})

	scheduler := worker.NewScheduler(dispatcher, log.With().Str("component", "scheduler").Logger())
	if cfg.Queue.FlushSchedule != "" {
		if err := scheduler.Add(ctx, cfg.Queue.FlushSchedule, worker.JobFlushQueue); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	if cfg.PubSub.Enabled() {
		handler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.PubSub.ProjectID,
			SubscriptionName: cfg.PubSub.Subscription,
			Dispatcher:       dispatcher,
			Logger:           log.With().Str("component", "pubsub").Logger(),
		})
		if err != nil {
			return fmt.Errorf("create pubsub handler: %w", err)
		}
		defer handler.Close()

		go func() {
			if err := handler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("pubsub receiver stopped")
			}
		}()
	}

	metrics, err := middleware.NewMetrics()
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	var validator middleware.TokenValidator
	if cfg.Control.SigningKey != "" {
		validator = auth.NewJWTService(auth.JWTConfig{
			SigningKey: cfg.Control.SigningKey,
			Issuer:     cfg.Control.Issuer,
			Audience:   cfg.Control.Audience,
		})
	} else {
		log.Warn().Msg("control signing key not set - control API is unauthenticated")
	}

	router := api.NewRouter(api.RouterConfig{
		Version:      Version,
		BuildTime:    BuildTime,
		Logger:       log,
		ServiceName:  serviceName,
		Metrics:      metrics,
		Auth:         validator,
		RateLimit:    cfg.Control.RateLimit,
		RequireTLS:   cfg.Server.RequireTLS,
		Orchestrator: orch,
		Queue:        requestQueue,
		Session:      sessions,
		Monitor:      monitor,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}
