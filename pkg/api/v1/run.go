package v1

import "time"

// RunStatus represents the lifecycle status of a run
type RunStatus string

const (
	RunStatusCreated           RunStatus = "created"
	RunStatusInProgress        RunStatus = "in_progress"
	RunStatusWaitingPermission RunStatus = "waiting_permission"
	RunStatusCompleted         RunStatus = "completed"
	RunStatusFailed            RunStatus = "failed"
	RunStatusCancelled         RunStatus = "cancelled"
)

// Terminal returns true if the status is a sink state
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// APIError is a machine-readable error carried on run records and tool results
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run represents one end-to-end agent invocation
type Run struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	AgentName string    `json:"agent_name"`
	Input     string    `json:"input"`
	Status    RunStatus `json:"status"`
	Error     *APIError `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolResult is the normalized outcome of one tool execution
type ToolResult struct {
	ExecutionID string                 `json:"execution_id"`
	ToolName    string                 `json:"tool_name"`
	Success     bool                   `json:"success"`
	Content     string                 `json:"content,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Error       *APIError              `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Duration    time.Duration          `json:"duration"`
}

// ConfirmationDetails describes a tool invocation awaiting human approval
type ConfirmationDetails struct {
	Title         string                 `json:"title"`
	Description   string                 `json:"description,omitempty"`
	AffectedPaths []string               `json:"affected_paths,omitempty"`
	Params        map[string]interface{} `json:"params,omitempty"`
}

// PermissionResponse is the external answer to a confirmation request
type PermissionResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// PermissionRequestInfo is the wire view of a pending permission request
type PermissionRequestInfo struct {
	ID        string               `json:"id"`
	RunID     string               `json:"run_id"`
	SessionID string               `json:"session_id"`
	Details   *ConfirmationDetails `json:"details"`
	Deadline  time.Time            `json:"deadline"`
	CreatedAt time.Time            `json:"created_at"`
}

// ExecutionRecord is a persisted history entry for one tool execution
type ExecutionRecord struct {
	ID        string                 `json:"id"`
	RunID     string                 `json:"run_id,omitempty"`
	ToolName  string                 `json:"tool_name"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Success   bool                   `json:"success"`
	Content   string                 `json:"content,omitempty"`
	Error     *APIError              `json:"error,omitempty"`
	StartedAt time.Time              `json:"started_at"`
	Duration  time.Duration          `json:"duration"`
}
