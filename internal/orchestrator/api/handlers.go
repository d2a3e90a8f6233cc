package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/orchestrator"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// Handler contains HTTP handlers for the run orchestrator API
type Handler struct {
	service *orchestrator.Service
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(service *orchestrator.Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithFields(zap.String("component", "run-api")),
	}
}

// respondError writes the JSON error envelope for any error
func respondError(c *gin.Context, err error) {
	appErr := apperrors.FromError(err)
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.ToAPIError()})
}

// CreateRun starts a new run
// POST /api/v1/runs
func (h *Handler) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeAsync
	}
	wait := mode == ModeSync

	rec, err := h.service.StartRun(c.Request.Context(), req.SessionID, req.AgentName, req.Input, wait)
	if err != nil {
		h.logger.Warn("failed to start run",
			zap.String("agent", req.AgentName),
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		respondError(c, err)
		return
	}

	if wait {
		c.JSON(http.StatusOK, h.runResponse(rec))
		return
	}
	c.JSON(http.StatusAccepted, h.runResponse(rec))
}

// GetRun returns the current run record
// GET /api/v1/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	rec, err := h.service.GetRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.runResponse(rec))
}

// ListRuns returns all live runs, newest first
// GET /api/v1/runs
func (h *Handler) ListRuns(c *gin.Context) {
	runs := h.service.ListRuns()
	c.JSON(http.StatusOK, RunsListResponse{Runs: runs, Total: len(runs)})
}

// CancelRun triggers cancellation; repeated calls are no-ops
// POST /api/v1/runs/:runId/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	runID := c.Param("runId")

	var req CancelRunRequest
	// Body is optional
	_ = c.ShouldBindJSON(&req)
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by client"
	}

	if err := h.service.CancelRun(c.Request.Context(), runID, reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": runID, "status": "cancelling"})
}

// ListRunExecutions returns a run's persisted tool execution records
// GET /api/v1/runs/:runId/executions
func (h *Handler) ListRunExecutions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(c, apperrors.BadRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	execs, err := h.service.ListExecutions(c.Request.Context(), c.Param("runId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ExecutionsResponse{Executions: execs, Total: len(execs)})
}

// RespondPermission answers a session's pending confirmation request
// POST /api/v1/sessions/:sessionId/permissions/:permissionId
func (h *Handler) RespondPermission(c *gin.Context) {
	var req PermissionResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	err := h.service.RespondToPermission(c.Param("sessionId"), c.Param("permissionId"),
		&v1.PermissionResponse{Approved: *req.Approved, Reason: req.Reason})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

// RunsStats exposes run registry counters
// GET /api/v1/runs/stats
func (h *Handler) RunsStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.RegistryStats())
}

// PipelineStats exposes aggregate pipeline statistics and recent history
// GET /api/v1/pipeline/stats
func (h *Handler) PipelineStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":   h.service.PipelineStats(),
		"history": h.service.PipelineHistory(),
	})
}

// Health is the service liveness check
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now().UTC()})
}

// runResponse attaches the pending permission to a live waiting run
func (h *Handler) runResponse(rec *v1.Run) RunResponse {
	resp := RunResponse{Run: rec}
	if rec.Status == v1.RunStatusWaitingPermission {
		if st, ok := h.service.GetRunState(rec.ID); ok {
			resp.PendingPermission = st.PendingPermission()
		}
	}
	return resp
}
