package run

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// Broker mediates the confirmation handshake between a suspended tool call
// and an external approver. Each request races three outcomes: an external
// response, a fixed deadline, and the run's abort signal. Exactly one wins.
type Broker struct {
	registry *Registry
	timeout  time.Duration
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewBroker creates a permission broker with the given request deadline
func NewBroker(registry *Registry, timeout time.Duration, eventBus bus.EventBus, log *logger.Logger) *Broker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Broker{
		registry: registry,
		timeout:  timeout,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "permission_broker")),
	}
}

// Timeout returns the configured request deadline
func (b *Broker) Timeout() time.Duration {
	return b.timeout
}

// RequestConfirmation opens a permission request on the run and suspends
// until it resolves. The run transitions to waiting_permission for the
// duration of the handshake and back to in_progress afterwards.
//
// A second request while one is outstanding is rejected.
func (b *Broker) RequestConfirmation(ctx context.Context, st *State, details *v1.ConfirmationDetails) (*v1.PermissionResponse, error) {
	req := newPermissionRequest(st.ID, st.SessionID, details, time.Now().UTC().Add(b.timeout))

	if err := st.openPermission(req); err != nil {
		return nil, err
	}

	log := b.logger.WithRunID(st.ID).WithSessionID(st.SessionID)
	log.Info("permission requested",
		zap.String("permission_id", req.ID),
		zap.Time("deadline", req.Deadline))

	b.publish(ctx, events.PermissionRequested, st.SessionID, map[string]interface{}{
		"run_id":        st.ID,
		"permission_id": req.ID,
		"details":       details,
		"deadline":      req.Deadline,
	})
	b.publishWaiting(ctx, st)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	var resp *v1.PermissionResponse
	select {
	case resp = <-req.Response():
	case <-timer.C:
		// Resolve is a no-op if an external response won the race; the
		// channel then holds the winner, which the drain below returns.
		req.Resolve(&v1.PermissionResponse{Approved: false, Reason: "timeout"})
		resp = <-req.Response()
	case <-st.Context().Done():
		req.Resolve(&v1.PermissionResponse{Approved: false, Reason: "cancelled"})
		resp = <-req.Response()
	case <-ctx.Done():
		req.Resolve(&v1.PermissionResponse{Approved: false, Reason: "cancelled"})
		resp = <-req.Response()
	}

	st.clearPermission(req)

	log.Info("permission resolved",
		zap.String("permission_id", req.ID),
		zap.Bool("approved", resp.Approved),
		zap.String("reason", resp.Reason))

	b.publish(context.Background(), events.PermissionResolved, st.SessionID, map[string]interface{}{
		"run_id":        st.ID,
		"permission_id": req.ID,
		"approved":      resp.Approved,
		"reason":        resp.Reason,
	})

	return resp, nil
}

// Respond delivers an external approval or denial for a session's pending
// permission request. A mismatched or already-resolved id is a not-found.
func (b *Broker) Respond(sessionID, permissionID string, resp *v1.PermissionResponse) error {
	st, ok := b.registry.FindPendingBySession(sessionID)
	if !ok {
		return apperrors.NotFound("pending permission for session", sessionID)
	}

	req := st.pendingRequest()
	if req == nil || req.ID != permissionID {
		return apperrors.NotFound("permission request", permissionID)
	}

	if !req.Resolve(resp) {
		return apperrors.NotFound("permission request", permissionID)
	}

	b.logger.Debug("external permission response accepted",
		zap.String("session_id", sessionID),
		zap.String("permission_id", permissionID),
		zap.Bool("approved", resp.Approved))
	return nil
}

// publishWaiting announces the run's transition to waiting_permission so
// streams see the suspension, not just the permission detail event.
func (b *Broker) publishWaiting(ctx context.Context, st *State) {
	subject := events.BuildRunSubject(events.RunWaiting, st.SessionID)
	event := bus.NewEvent(events.RunWaiting, st.SessionID, map[string]interface{}{
		"run_id": st.ID,
		"status": string(v1.RunStatusWaitingPermission),
	})
	if err := b.eventBus.Publish(ctx, subject, event); err != nil {
		b.logger.Warn("failed to publish run event", zap.String("subject", subject), zap.Error(err))
	}
}

func (b *Broker) publish(ctx context.Context, eventType, sessionID string, properties map[string]interface{}) {
	subject := events.BuildPermissionSubject(eventType, sessionID)
	if err := b.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, sessionID, properties)); err != nil {
		b.logger.Warn("failed to publish permission event", zap.String("subject", subject), zap.Error(err))
	}
}
