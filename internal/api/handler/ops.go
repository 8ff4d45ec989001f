// Package handler provides the HTTP handlers of the netlayerd control API.
package handler

import (
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/breatheroute/netlayer/internal/api/models"
	"github.com/breatheroute/netlayer/internal/api/response"
	"github.com/breatheroute/netlayer/internal/netmon"
	"github.com/breatheroute/netlayer/internal/queue"
	"github.com/breatheroute/netlayer/internal/resilience"
	"github.com/breatheroute/netlayer/internal/session"
)

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	monitor   *netmon.Monitor
	session   *session.Manager
	registry  *resilience.Registry
	queue     *queue.Queue
}

// OpsDeps are the components reported on by OpsHandler. Nil fields are
// skipped.
type OpsDeps struct {
	Monitor  *netmon.Monitor
	Session  *session.Manager
	Registry *resilience.Registry
	Queue    *queue.Queue
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(version, buildTime string, deps OpsDeps) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		monitor:   deps.Monitor,
		session:   deps.Session,
		registry:  deps.Registry,
		queue:     deps.Queue,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready. The daemon is ready once its
// queue storage can be read.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if h.queue != nil {
		if _, err := h.queue.Len(r.Context()); err != nil {
			response.ServiceUnavailable(w, r, "queue storage unavailable")
			return
		}
	}
	response.JSON(w, r, http.StatusOK, models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
	})
}

// SystemStatus handles GET /v1/ops/status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := models.SystemStatus{
		Status:   models.HealthStatusOK,
		Time:     models.Timestamp(time.Now()),
		Services: []models.ServiceStatus{},
	}

	if h.monitor != nil {
		lastProbe := h.monitor.LastProbe()
		status.Connectivity = models.Connectivity{
			Offline:    h.monitor.IsOffline(),
			Foreground: h.monitor.IsForeground(),
			LastProbe:  models.TimestampPtr(&lastProbe),
		}
		if status.Connectivity.Offline {
			status.Status = models.HealthStatusFail
		}
	}

	if h.session != nil {
		status.Session.Active = h.session.HasSession(ctx)
		if exp, ok := h.session.AccessTokenExpiry(ctx); ok {
			status.Session.ExpiresAt = models.TimestampPtr(&exp)
		}
	}

	if h.queue != nil {
		depth, err := h.queue.Len(ctx)
		if err != nil {
			response.InternalError(w, r, "failed to read queue")
			return
		}
		status.QueueDepth = depth
	}

	if h.registry != nil {
		for _, svc := range h.registry.GetAllHealth() {
			s := serviceStatus(svc)
			if s.Status != models.HealthStatusOK && status.Status == models.HealthStatusOK {
				status.Status = models.HealthStatusDegraded
			}
			status.Services = append(status.Services, s)
		}
	}

	response.JSON(w, r, http.StatusOK, status)
}

func serviceStatus(h *resilience.ServiceHealth) models.ServiceStatus {
	s := models.ServiceStatus{
		Service:       h.Name,
		Status:        models.HealthStatusOK,
		CircuitState:  h.CircuitState.String(),
		Exempt:        h.Exempt,
		Failures:      h.Counts.ConsecutiveFailures,
		Successes:     h.Counts.ConsecutiveSuccesses,
		NextAttemptAt: models.TimestampPtr(h.NextAttemptAt),
		LastSuccessAt: models.TimestampPtr(h.LastSuccessAt),
		LastFailureAt: models.TimestampPtr(h.LastFailureAt),
		LastError:     h.LastError,
	}
	switch h.CircuitState {
	case gobreaker.StateOpen:
		s.Status = models.HealthStatusFail
	case gobreaker.StateHalfOpen:
		s.Status = models.HealthStatusDegraded
	}
	return s
}
