package handler

import (
	"net/http"

	"github.com/breatheroute/netlayer/internal/api/models"
	"github.com/breatheroute/netlayer/internal/api/response"
	"github.com/breatheroute/netlayer/internal/session"
)

// SessionHandler lets the host application hand credentials to the daemon.
type SessionHandler struct {
	session *session.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(s *session.Manager) *SessionHandler {
	return &SessionHandler{session: s}
}

// Put handles PUT /v1/session.
func (h *SessionHandler) Put(w http.ResponseWriter, r *http.Request) {
	var input models.SessionUpdate
	if err := decodeJSON(w, r, &input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if fieldErrors := input.Validate(); len(fieldErrors) > 0 {
		response.BadRequest(w, r, "validation failed", fieldErrors)
		return
	}

	if err := h.session.SetTokens(r.Context(), input.AccessToken, input.RefreshToken); err != nil {
		response.InternalError(w, r, "failed to store session")
		return
	}
	response.NoContent(w, r)
}

// Delete handles DELETE /v1/session. Logging out does not raise a
// session-expired event.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Logout(r.Context()); err != nil {
		response.InternalError(w, r, "failed to clear session")
		return
	}
	response.NoContent(w, r)
}
