package handler

import (
	"context"
	"net/http"

	"github.com/breatheroute/netlayer/internal/api/middleware"
	"github.com/breatheroute/netlayer/internal/api/models"
	"github.com/breatheroute/netlayer/internal/api/response"
	"github.com/breatheroute/netlayer/internal/orchestrator"
)

// RequestHandler proxies resilient requests to the upstream API.
type RequestHandler struct {
	orchestrator *orchestrator.Orchestrator
}

// NewRequestHandler creates a new RequestHandler.
func NewRequestHandler(o *orchestrator.Orchestrator) *RequestHandler {
	return &RequestHandler{orchestrator: o}
}

// Execute handles POST /v1/requests. Delivered requests answer 200 with the
// upstream payload; requests parked in the offline queue answer 202.
func (h *RequestHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var input models.ProxyRequest
	if err := decodeJSON(w, r, &input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if fieldErrors := input.Validate(); len(fieldErrors) > 0 {
		response.BadRequest(w, r, "validation failed", fieldErrors)
		return
	}

	req := orchestrator.Request{
		Endpoint:  input.Endpoint,
		Method:    input.Method,
		Headers:   input.Headers,
		Timeout:   input.Timeout(),
		SkipCache: input.SkipCache,
		SkipQueue: input.SkipQueue,
		RequestID: input.RequestID,
	}
	switch {
	case input.BodyText != nil:
		req.Body = *input.BodyText
	case len(input.Body) > 0:
		req.Body = input.Body
	}

	// A mutation outlives the control client: it is delivered or queued even
	// when the caller disconnects mid-retry.
	ctx := r.Context()
	if input.Method != http.MethodGet {
		ctx = context.WithoutCancel(ctx)
	}

	resp, err := h.orchestrator.ResilientRequest(ctx, req)
	if err != nil {
		response.FromError(w, r, err)
		return
	}

	out := models.ProxyResponse{
		Payload:    resp.Payload,
		Source:     string(resp.Source),
		StatusCode: resp.StatusCode,
		Queued:     resp.Queued,
		RequestID:  resp.RequestID,
	}
	if out.Payload == nil {
		out.Payload = []byte("null")
	}
	w.Header().Set(middleware.SourceHeader, out.Source)
	if resp.Queued {
		response.Accepted(w, r, "/v1/queue", out)
		return
	}
	response.JSON(w, r, http.StatusOK, out)
}
