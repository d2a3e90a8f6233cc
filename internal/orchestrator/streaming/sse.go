package streaming

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
	"github.com/runforge/runforge/internal/orchestrator"
)

// SSEHandler streams a single run's events over Server-Sent Events
type SSEHandler struct {
	service           *orchestrator.Service
	eventBus          bus.EventBus
	heartbeatInterval time.Duration
	logger            *logger.Logger
}

// NewSSEHandler creates an SSE handler. heartbeatInterval bounds the gap
// between writes so proxies do not drop idle connections.
func NewSSEHandler(service *orchestrator.Service, eventBus bus.EventBus, heartbeatInterval time.Duration, log *logger.Logger) *SSEHandler {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &SSEHandler{
		service:           service,
		eventBus:          eventBus,
		heartbeatInterval: heartbeatInterval,
		logger:            log.WithFields(zap.String("component", "sse_handler")),
	}
}

// StreamRun streams events for one run until it reaches a terminal status
// GET /api/v1/runs/:runId/events
func (h *SSEHandler) StreamRun(c *gin.Context) {
	runID := c.Param("runId")

	rec, err := h.service.GetRun(c.Request.Context(), runID)
	if err != nil {
		apiErr := apperrors.FromError(err).ToAPIError()
		c.JSON(http.StatusNotFound, gin.H{"error": apiErr})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Archived runs get their terminal status replayed and the stream ends
	if rec.Status.Terminal() {
		h.writeEvent(c, terminalEvent(rec.ID, rec.SessionID, string(rec.Status)))
		return
	}

	// Subscribe to the run's session before checking liveness again so no
	// terminal event can slip between the check and the subscription.
	eventCh := make(chan *bus.Event, 64)
	sub, err := h.eventBus.Subscribe(events.BuildSessionWildcardSubject(rec.SessionID), func(ctx context.Context, event *bus.Event) error {
		if id, ok := event.Properties["run_id"].(string); !ok || id != runID {
			return nil
		}
		select {
		case eventCh <- event:
		default:
			// Slow consumer; the heartbeat keeps the stream alive and the
			// terminal status still arrives via the done channel below
		}
		return nil
	})
	if err != nil {
		h.logger.Error("failed to subscribe for SSE stream",
			zap.String("run_id", runID), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer sub.Unsubscribe()

	var done <-chan struct{}
	if st, ok := h.service.GetRunState(runID); ok {
		done = st.Done()
	} else {
		closed := make(chan struct{})
		close(closed)
		done = closed
	}

	h.logger.Debug("SSE stream opened", zap.String("run_id", runID))
	defer h.logger.Debug("SSE stream closed", zap.String("run_id", runID))

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case event := <-eventCh:
			h.writeEvent(c, event)
			if isTerminalEvent(event.Type) {
				return
			}

		case <-done:
			// The run finished; drain anything the bus already delivered,
			// then emit the terminal status in case the event was dropped
			for {
				select {
				case event := <-eventCh:
					h.writeEvent(c, event)
					if isTerminalEvent(event.Type) {
						return
					}
				default:
					if snap, err := h.service.GetRun(c.Request.Context(), runID); err == nil && snap.Status.Terminal() {
						h.writeEvent(c, terminalEvent(snap.ID, snap.SessionID, string(snap.Status)))
					}
					return
				}
			}

		case <-ticker.C:
			c.SSEvent(events.Heartbeat, gin.H{"run_id": runID, "ts": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}

func (h *SSEHandler) writeEvent(c *gin.Context, event *bus.Event) {
	c.SSEvent(event.Type, event)
	c.Writer.Flush()
}

func terminalEvent(runID, sessionID, status string) *bus.Event {
	return bus.NewEvent("run."+status, sessionID, map[string]interface{}{
		"run_id": runID,
		"status": status,
	})
}

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case events.RunCompleted, events.RunFailed, events.RunCancelled:
		return true
	}
	return false
}
