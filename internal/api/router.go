// Package api provides the netlayerd control API.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/breatheroute/netlayer/internal/api/handler"
	"github.com/breatheroute/netlayer/internal/api/middleware"
	"github.com/breatheroute/netlayer/internal/api/response"
	"github.com/breatheroute/netlayer/internal/netmon"
	"github.com/breatheroute/netlayer/internal/orchestrator"
	"github.com/breatheroute/netlayer/internal/queue"
	"github.com/breatheroute/netlayer/internal/session"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics

	// Auth validates control tokens. Nil leaves the API unauthenticated.
	Auth middleware.TokenValidator

	// RateLimit overrides middleware.ControlRateLimit when positive.
	RateLimit int

	// RequireTLS rejects requests forwarded over plain HTTP.
	RequireTLS bool

	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.Queue
	Session      *session.Manager
	Monitor      *netmon.Monitor
}

// NewRouter creates a chi router with all control routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "netlayerd"
	}

	// Order matters: the request ID must exist before tracing and logging.
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing(serviceName))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))
	r.Use(middleware.ContentTypeJSON)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, r, "no such route")
	})

	limit := middleware.ControlRateLimit
	if cfg.RateLimit > 0 {
		limit.RequestLimit = cfg.RateLimit
	}

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, handler.OpsDeps{
		Monitor:  cfg.Monitor,
		Session:  cfg.Session,
		Registry: cfg.Orchestrator.Registry(),
		Queue:    cfg.Queue,
	})
	requestHandler := handler.NewRequestHandler(cfg.Orchestrator)
	connectivityHandler := handler.NewConnectivityHandler(cfg.Monitor)

	authMiddleware := middleware.Auth(cfg.Auth)

	r.Route("/v1", func(r chi.Router) {
		// Liveness and readiness stay public for process supervisors.
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.With(authMiddleware).Get("/status", opsHandler.SystemStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(middleware.RateLimitBySubject(limit))

			r.With(middleware.RequireJSON).Post("/requests", requestHandler.Execute)

			if cfg.Queue != nil {
				queueHandler := handler.NewQueueHandler(cfg.Queue, cfg.Orchestrator)
				r.Route("/queue", func(r chi.Router) {
					r.Get("/", queueHandler.List)
					r.Delete("/", queueHandler.Clear)
					r.With(middleware.RateLimitBySubject(middleware.FlushRateLimit)).Post("/flush", queueHandler.Flush)
				})
			}

			if cfg.Session != nil {
				sessionHandler := handler.NewSessionHandler(cfg.Session)
				r.With(middleware.RequireJSON).Put("/session", sessionHandler.Put)
				r.Delete("/session", sessionHandler.Delete)
			}

			r.With(middleware.RequireJSON).Put("/app/state", connectivityHandler.SetAppState)
			r.With(middleware.RateLimitBySubject(middleware.FlushRateLimit)).Post("/connectivity/check", connectivityHandler.Check)
		})
	})

	return r
}
