// Package events provides event types and utilities for the Runforge event system.
package events

// Event types for runs
const (
	RunCreated   = "run.created"
	RunStarted   = "run.started"
	RunWaiting   = "run.waiting_permission"
	RunCompleted = "run.completed"
	RunFailed    = "run.failed"
	RunCancelled = "run.cancelled"
)

// Event types for pipeline executions
const (
	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	StageStarted       = "stage.started"
	StageCompleted     = "stage.completed"
)

// Event types for permission requests
const (
	PermissionRequested = "permission.requested"
	PermissionResolved  = "permission.resolved"
)

// Event types for streamed agent output
const (
	MessagePart = "message.part"
)

// Heartbeat keeps long-lived streaming connections alive.
const Heartbeat = "heartbeat"

// BuildRunSubject creates a run event subject for a specific session.
func BuildRunSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildRunWildcardSubject creates a wildcard subscription for all run events in a session.
func BuildRunWildcardSubject(sessionID string) string {
	return "run.*." + sessionID
}

// BuildExecutionSubject creates an execution event subject for a specific session.
func BuildExecutionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildExecutionWildcardSubject creates a wildcard subscription for all execution events in a session.
func BuildExecutionWildcardSubject(sessionID string) string {
	return "execution.*." + sessionID
}

// BuildStageSubject creates a stage event subject for a specific session.
func BuildStageSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildStageWildcardSubject creates a wildcard subscription for all stage events in a session.
func BuildStageWildcardSubject(sessionID string) string {
	return "stage.*." + sessionID
}

// BuildPermissionSubject creates a permission event subject for a specific session.
func BuildPermissionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildPermissionWildcardSubject creates a wildcard subscription for all permission events in a session.
func BuildPermissionWildcardSubject(sessionID string) string {
	return "permission.*." + sessionID
}

// BuildMessagePartSubject creates a message part subject for a specific session.
func BuildMessagePartSubject(sessionID string) string {
	return MessagePart + "." + sessionID
}

// BuildSessionWildcardSubject subscribes to every event published for a session.
func BuildSessionWildcardSubject(sessionID string) string {
	return "*.*." + sessionID
}
