// Package api provides the HTTP surface of the run orchestrator.
package api

import (
	"time"

	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// Run start modes
const (
	ModeSync   = "sync"
	ModeAsync  = "async"
	ModeStream = "stream"
)

// CreateRunRequest starts a new run
type CreateRunRequest struct {
	AgentName string `json:"agent_name" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
	Input     string `json:"input" binding:"required"`
	Mode      string `json:"mode,omitempty" binding:"omitempty,oneof=sync async stream"`
}

// CancelRunRequest optionally carries a cancellation reason
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PermissionResponseRequest answers a pending confirmation
type PermissionResponseRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Reason   string `json:"reason,omitempty"`
}

// RunResponse is the wire form of a run record, with the pending permission
// attached while the run is waiting on one
type RunResponse struct {
	*v1.Run
	PendingPermission *v1.PermissionRequestInfo `json:"pending_permission,omitempty"`
}

// RunsListResponse lists live runs
type RunsListResponse struct {
	Runs  []*v1.Run `json:"runs"`
	Total int       `json:"total"`
}

// ExecutionsResponse lists a run's tool execution records
type ExecutionsResponse struct {
	Executions []*v1.ExecutionRecord `json:"executions"`
	Total      int                   `json:"total"`
}

// HealthResponse for health checks
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
