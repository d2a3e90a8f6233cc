// Package run tracks the lifecycle of agent runs: state transitions,
// the human confirmation handshake, and the bounded in-flight registry.
package run

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// State is the mutable record of one in-flight run. It is owned by the
// Registry for its lifetime and referenced by the pipeline during execution.
//
// Status only moves forward: created -> in_progress <-> waiting_permission
// -> {completed|failed|cancelled}. Terminal statuses are sinks.
type State struct {
	ID        string
	SessionID string
	AgentName string
	Input     string

	mu        sync.Mutex
	status    v1.RunStatus
	pending   *PermissionRequest
	runErr    *v1.APIError
	createdAt time.Time
	updatedAt time.Time

	// ctx is the run's abort signal; cancel fires it.
	ctx    context.Context
	cancel context.CancelFunc

	// done is closed exactly once, on the terminal transition.
	done chan struct{}
}

// newState creates a run in the created status with a live abort signal
func newState(sessionID, agentName, input string) *State {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	return &State{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		AgentName: agentName,
		Input:     input,
		status:    v1.RunStatusCreated,
		createdAt: now,
		updatedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Context returns the run's abort signal. Downstream operations must observe
// it cooperatively.
func (s *State) Context() context.Context {
	return s.ctx
}

// Done returns a channel closed when the run reaches a terminal status
func (s *State) Done() <-chan struct{} {
	return s.done
}

// Status returns the current lifecycle status
func (s *State) Status() v1.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns a wire copy of the run record
func (s *State) Snapshot() *v1.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &v1.Run{
		ID:        s.ID,
		SessionID: s.SessionID,
		AgentName: s.AgentName,
		Input:     s.Input,
		Status:    s.status,
		Error:     s.runErr,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

// LastActive returns the time of the last status change, used for TTL eviction
func (s *State) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Begin transitions created -> in_progress
func (s *State) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != v1.RunStatusCreated {
		return apperrors.Conflict("run " + s.ID + " already started")
	}
	s.status = v1.RunStatusInProgress
	s.updatedAt = time.Now().UTC()
	return nil
}

// openPermission registers a pending confirmation request and transitions the
// run to waiting_permission. A second request while one is outstanding is
// rejected rather than replacing the first, so an in-flight approval is never
// silently lost.
func (s *State) openPermission(req *PermissionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return apperrors.Aborted("run " + s.ID + " is " + string(s.status))
	}
	if s.pending != nil {
		return apperrors.Conflict("run " + s.ID + " already has a pending permission request")
	}
	s.pending = req
	s.status = v1.RunStatusWaitingPermission
	s.updatedAt = time.Now().UTC()
	return nil
}

// clearPermission removes the pending request after its resolution and
// transitions waiting_permission back to in_progress. A terminal status set
// while waiting (e.g. an external cancel) is preserved.
func (s *State) clearPermission(req *PermissionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != req {
		return
	}
	s.pending = nil
	if s.status == v1.RunStatusWaitingPermission {
		s.status = v1.RunStatusInProgress
	}
	s.updatedAt = time.Now().UTC()
}

// pendingRequest returns the outstanding permission request, if any
func (s *State) pendingRequest() *PermissionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// PendingPermission returns the wire view of the outstanding request, if any
func (s *State) PendingPermission() *v1.PermissionRequestInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	return s.pending.Info()
}

// Finish moves the run to a terminal status. Returns false if the run is
// already terminal: a late completion never overwrites an earlier cancel.
func (s *State) Finish(status v1.RunStatus, runErr *v1.APIError) bool {
	if !status.Terminal() {
		return false
	}

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.status = status
	s.runErr = runErr
	s.updatedAt = time.Now().UTC()

	// A pending permission cannot survive a terminal transition
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		pending.Resolve(&v1.PermissionResponse{Approved: false, Reason: "run " + string(status)})
	}

	close(s.done)
	// Fire the abort signal so anything still holding the run context unwinds
	s.cancel()
	return true
}

// CancelRun aborts the run: fires the abort signal, resolves any pending
// permission negatively, and sets the terminal cancelled status. Returns
// false if the run was already terminal.
func (s *State) CancelRun(reason string) bool {
	var runErr *v1.APIError
	if reason != "" {
		runErr = &v1.APIError{Code: apperrors.ErrCodeAborted, Message: reason}
	}
	if !s.Finish(v1.RunStatusCancelled, runErr) {
		return false
	}
	return true
}
