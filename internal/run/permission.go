package run

import (
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// PermissionRequest is one outstanding confirmation handshake. At most one
// exists per run at any time.
//
// Resolution is idempotent: the first of external response, timeout, and run
// cancellation wins, later attempts are no-ops.
type PermissionRequest struct {
	ID        string
	RunID     string
	SessionID string
	Details   *v1.ConfirmationDetails
	Deadline  time.Time
	CreatedAt time.Time

	once sync.Once
	ch   chan *v1.PermissionResponse
}

// newPermissionRequest creates a request with a fresh correlation id
func newPermissionRequest(runID, sessionID string, details *v1.ConfirmationDetails, deadline time.Time) *PermissionRequest {
	return &PermissionRequest{
		ID:        uuid.New().String(),
		RunID:     runID,
		SessionID: sessionID,
		Details:   details,
		Deadline:  deadline,
		CreatedAt: time.Now().UTC(),
		ch:        make(chan *v1.PermissionResponse, 1),
	}
}

// Resolve delivers the response. Returns true if this call won the race,
// false if the request was already resolved.
func (r *PermissionRequest) Resolve(resp *v1.PermissionResponse) bool {
	resolved := false
	r.once.Do(func() {
		r.ch <- resp
		resolved = true
	})
	return resolved
}

// Response returns the channel carrying the winning resolution
func (r *PermissionRequest) Response() <-chan *v1.PermissionResponse {
	return r.ch
}

// Info returns the wire view of the request
func (r *PermissionRequest) Info() *v1.PermissionRequestInfo {
	return &v1.PermissionRequestInfo{
		ID:        r.ID,
		RunID:     r.RunID,
		SessionID: r.SessionID,
		Details:   r.Details,
		Deadline:  r.Deadline,
		CreatedAt: r.CreatedAt,
	}
}
