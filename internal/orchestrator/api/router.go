package api

import (
	"github.com/gin-gonic/gin"

	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/orchestrator"
)

// SetupRoutes configures the orchestrator API routes.
// router should be the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, service *orchestrator.Service, log *logger.Logger) {
	handler := NewHandler(service, log)

	runs := router.Group("/runs")
	{
		runs.POST("", handler.CreateRun)
		runs.GET("", handler.ListRuns)
		runs.GET("/stats", handler.RunsStats)
		runs.GET("/:runId", handler.GetRun)
		runs.POST("/:runId/cancel", handler.CancelRun)
		runs.GET("/:runId/executions", handler.ListRunExecutions)
	}

	sessions := router.Group("/sessions")
	{
		sessions.POST("/:sessionId/permissions/:permissionId", handler.RespondPermission)
	}

	pipeline := router.Group("/pipeline")
	{
		pipeline.GET("/stats", handler.PipelineStats)
	}
}
