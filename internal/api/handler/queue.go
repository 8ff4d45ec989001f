package handler

import (
	"net/http"

	"github.com/breatheroute/netlayer/internal/api/models"
	"github.com/breatheroute/netlayer/internal/api/response"
	"github.com/breatheroute/netlayer/internal/orchestrator"
	"github.com/breatheroute/netlayer/internal/queue"
)

// QueueHandler exposes the offline request queue.
type QueueHandler struct {
	queue        *queue.Queue
	orchestrator *orchestrator.Orchestrator
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(q *queue.Queue, o *orchestrator.Orchestrator) *QueueHandler {
	return &QueueHandler{queue: q, orchestrator: o}
}

// List handles GET /v1/queue.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.Peek(r.Context())
	if err != nil {
		response.InternalError(w, r, "failed to read queue")
		return
	}

	listing := models.QueueListing{Depth: len(items), Items: make([]models.QueuedRequest, 0, len(items))}
	for _, item := range items {
		listing.Items = append(listing.Items, models.QueuedRequest{
			RequestID:  item.RequestID,
			Method:     item.Method,
			Endpoint:   item.Endpoint,
			EnqueuedAt: models.Timestamp(item.EnqueuedAt),
			Attempts:   item.Attempts,
		})
	}
	response.JSON(w, r, http.StatusOK, listing)
}

// Flush handles POST /v1/queue/flush. A pass that stops on a failing item
// still answers 200; the failure is reported in the body.
func (h *QueueHandler) Flush(w http.ResponseWriter, r *http.Request) {
	res, err := h.orchestrator.FlushQueuedRequests(r.Context())

	out := models.FlushResult{Sent: res.Sent, Remaining: res.Remaining, FailedID: res.FailedID}
	if err != nil {
		if res.FailedID == "" {
			response.InternalError(w, r, "failed to flush queue")
			return
		}
		out.Error = err.Error()
	}
	response.JSON(w, r, http.StatusOK, out)
}

// Clear handles DELETE /v1/queue.
func (h *QueueHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Clear(r.Context()); err != nil {
		response.InternalError(w, r, "failed to clear queue")
		return
	}
	response.NoContent(w, r)
}
