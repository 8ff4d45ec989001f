package handler

import (
	"net/http"
	"time"

	"github.com/breatheroute/netlayer/internal/api/models"
	"github.com/breatheroute/netlayer/internal/api/response"
	"github.com/breatheroute/netlayer/internal/netmon"
)

// ConnectivityHandler exposes lifecycle and connectivity controls.
type ConnectivityHandler struct {
	monitor *netmon.Monitor
}

// NewConnectivityHandler creates a new ConnectivityHandler.
func NewConnectivityHandler(m *netmon.Monitor) *ConnectivityHandler {
	return &ConnectivityHandler{monitor: m}
}

// SetAppState handles PUT /v1/app/state. Returning to the foreground
// triggers an immediate probe; probing pauses in the background.
func (h *ConnectivityHandler) SetAppState(w http.ResponseWriter, r *http.Request) {
	var input models.AppState
	if err := decodeJSON(w, r, &input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if fieldErrors := input.Validate(); len(fieldErrors) > 0 {
		response.BadRequest(w, r, "validation failed", fieldErrors)
		return
	}

	h.monitor.SetForeground(input.State == models.AppStateActive)
	response.NoContent(w, r)
}

// Check handles POST /v1/connectivity/check.
func (h *ConnectivityHandler) Check(w http.ResponseWriter, r *http.Request) {
	online := h.monitor.CheckConnection(r.Context())
	response.JSON(w, r, http.StatusOK, models.ConnectivityCheck{
		Online:    online,
		CheckedAt: models.Timestamp(time.Now()),
	})
}
