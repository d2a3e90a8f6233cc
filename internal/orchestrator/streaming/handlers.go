package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub     *Hub
	service *orchestrator.Service
	logger  *logger.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub *Hub, service *orchestrator.Service, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:     hub,
		service: service,
		logger:  log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamSession handles a WebSocket connection pinned to one session
// WS /api/v1/sessions/:sessionId/stream
func (h *WSHandler) StreamSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "BAD_REQUEST",
				"message": "Session ID is required",
			},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}

	clientID := uuid.New().String()

	h.logger.Info("WebSocket connection established for session",
		zap.String("client_id", clientID),
		zap.String("session_id", sessionID),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(sessionID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll handles a WebSocket connection with dynamic session subscription
// WS /api/v1/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Info("WebSocket connection established",
		zap.String("client_id", clientID),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	// The ReadPump handles subscription messages from the client
	go client.WritePump()
	go client.ReadPump()
}

// SetupStreamingRoutes adds WebSocket and SSE routes to the router
func SetupStreamingRoutes(router *gin.RouterGroup, wsHandler *WSHandler, sseHandler *SSEHandler) {
	// Stream for a specific session
	router.GET("/sessions/:sessionId/stream", wsHandler.StreamSession)

	// Stream for all sessions (with dynamic subscription)
	router.GET("/stream", wsHandler.StreamAll)

	// Per-run SSE stream
	router.GET("/runs/:runId/events", sseHandler.StreamRun)
}
