package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mangalm/invoice-ingest/internal/pipeline"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// ProgressHandler streams per-chunk progress events over SSE.
type ProgressHandler struct {
	orch   *pipeline.Orchestrator
	broker *pipeline.Broker
}

// NewProgressHandler creates a new progress handler.
func NewProgressHandler(orch *pipeline.Orchestrator, broker *pipeline.Broker) *ProgressHandler {
	return &ProgressHandler{orch: orch, broker: broker}
}

// Events serves GET /api/v1/jobs/:id/events. The stream carries every event
// for the job and ends after the terminal job event. Progress delivery is
// advisory: a client that cannot keep up misses events instead of slowing
// ingestion down.
func (h *ProgressHandler) Events(c *gin.Context) {
	jobID := c.Param("id")

	view, err := h.orch.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// Subscribe before checking for a terminal state so no event can slip
	// between the check and the subscription.
	events, unsub := h.broker.Subscribe(128)
	defer unsub()

	if view.Status.Terminal() {
		c.SSEvent(string(pipeline.EventJobCompleted), view)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if ev.JobID != jobID {
				return true
			}
			c.SSEvent(string(ev.Type), ev)
			return ev.Type != pipeline.EventJobCompleted && ev.Type != pipeline.EventJobFailed
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
