package run

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

func newTestBroker(t *testing.T, timeout time.Duration) (*Broker, *Registry) {
	t.Helper()
	registry, eventBus := newTestRegistry(t, 10)
	return NewBroker(registry, timeout, eventBus, newTestLogger(t)), registry
}

func startWaitingRun(t *testing.T, registry *Registry) *State {
	t.Helper()
	st, err := registry.Create("sess-1", "writer-agent", "write it")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := st.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	return st
}

func TestBrokerApprove(t *testing.T) {
	broker, registry := newTestBroker(t, time.Minute)
	st := startWaitingRun(t, registry)

	respCh := make(chan *v1.PermissionResponse, 1)
	go func() {
		resp, err := broker.RequestConfirmation(context.Background(), st,
			&v1.ConfirmationDetails{Title: "Write file", AffectedPaths: []string{"/tmp/x"}})
		if err != nil {
			t.Errorf("RequestConfirmation failed: %v", err)
			return
		}
		respCh <- resp
	}()

	waitStatus(t, st, v1.RunStatusWaitingPermission)
	info := st.PendingPermission()
	if info == nil {
		t.Fatal("no pending permission exposed")
	}

	if err := broker.Respond("sess-1", info.ID, &v1.PermissionResponse{Approved: true}); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	select {
	case resp := <-respCh:
		if !resp.Approved {
			t.Fatalf("expected approval, got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestConfirmation did not return")
	}

	waitStatus(t, st, v1.RunStatusInProgress)
	if st.PendingPermission() != nil {
		t.Fatal("pending permission survived resolution")
	}
}

func TestBrokerDeny(t *testing.T) {
	broker, registry := newTestBroker(t, time.Minute)
	st := startWaitingRun(t, registry)

	respCh := make(chan *v1.PermissionResponse, 1)
	go func() {
		resp, _ := broker.RequestConfirmation(context.Background(), st, nil)
		respCh <- resp
	}()

	waitStatus(t, st, v1.RunStatusWaitingPermission)
	info := st.PendingPermission()
	if err := broker.Respond("sess-1", info.ID,
		&v1.PermissionResponse{Approved: false, Reason: "not in a scratch dir"}); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	resp := <-respCh
	if resp.Approved || resp.Reason != "not in a scratch dir" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestBrokerTimeout(t *testing.T) {
	broker, registry := newTestBroker(t, 50*time.Millisecond)
	st := startWaitingRun(t, registry)

	resp, err := broker.RequestConfirmation(context.Background(), st, nil)
	if err != nil {
		t.Fatalf("RequestConfirmation failed: %v", err)
	}
	if resp.Approved || resp.Reason != "timeout" {
		t.Fatalf("expected timeout denial, got %+v", resp)
	}
	if st.Status() != v1.RunStatusInProgress {
		t.Fatalf("expected in_progress after timeout, got %s", st.Status())
	}
}

func TestBrokerRunCancelledWhileWaiting(t *testing.T) {
	broker, registry := newTestBroker(t, time.Minute)
	st := startWaitingRun(t, registry)

	respCh := make(chan *v1.PermissionResponse, 1)
	go func() {
		resp, _ := broker.RequestConfirmation(context.Background(), st, nil)
		respCh <- resp
	}()

	waitStatus(t, st, v1.RunStatusWaitingPermission)
	st.CancelRun("user requested")

	select {
	case resp := <-respCh:
		if resp.Approved {
			t.Fatal("cancellation approved the request")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestConfirmation did not unwind on cancel")
	}

	// Terminal status set while waiting must be preserved
	if st.Status() != v1.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", st.Status())
	}
}

func TestBrokerRejectsSecondRequest(t *testing.T) {
	broker, registry := newTestBroker(t, time.Minute)
	st := startWaitingRun(t, registry)

	go func() {
		_, _ = broker.RequestConfirmation(context.Background(), st, nil)
	}()
	waitStatus(t, st, v1.RunStatusWaitingPermission)
	firstID := st.PendingPermission().ID

	_, err := broker.RequestConfirmation(context.Background(), st, nil)
	if err == nil {
		t.Fatal("expected second concurrent request to fail")
	}
	appErr, ok := err.(*apperrors.AppError)
	if !ok || appErr.Code != apperrors.ErrCodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	// First handshake still answerable
	if err := broker.Respond("sess-1", firstID, &v1.PermissionResponse{Approved: true}); err != nil {
		t.Fatalf("Respond to first request failed: %v", err)
	}
}

func TestBrokerPublishesWaitingEvent(t *testing.T) {
	registry, eventBus := newTestRegistry(t, 10)
	broker := NewBroker(registry, time.Minute, eventBus, newTestLogger(t))
	st := startWaitingRun(t, registry)

	seen := make(chan string, 8)
	_, err := eventBus.Subscribe(events.BuildRunWildcardSubject("sess-1"),
		func(ctx context.Context, e *bus.Event) error {
			seen <- e.Type
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	go func() {
		_, _ = broker.RequestConfirmation(context.Background(), st, nil)
	}()
	waitStatus(t, st, v1.RunStatusWaitingPermission)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case eventType := <-seen:
			if eventType == events.RunWaiting {
				broker.Respond("sess-1", st.PendingPermission().ID, &v1.PermissionResponse{Approved: false})
				return
			}
		case <-deadline:
			t.Fatal("run.waiting_permission never published")
		}
	}
}

func TestBrokerRespondUnknownSession(t *testing.T) {
	broker, _ := newTestBroker(t, time.Minute)

	err := broker.Respond("no-such-session", "perm-1", &v1.PermissionResponse{Approved: true})
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestBrokerRespondMismatchedID(t *testing.T) {
	broker, registry := newTestBroker(t, time.Minute)
	st := startWaitingRun(t, registry)

	respCh := make(chan *v1.PermissionResponse, 1)
	go func() {
		resp, _ := broker.RequestConfirmation(context.Background(), st, nil)
		respCh <- resp
	}()
	waitStatus(t, st, v1.RunStatusWaitingPermission)
	info := st.PendingPermission()

	err := broker.Respond("sess-1", "wrong-id", &v1.PermissionResponse{Approved: true})
	if !apperrors.IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND for mismatched id, got %v", err)
	}

	// Mismatch must not consume the pending request
	if err := broker.Respond("sess-1", info.ID, &v1.PermissionResponse{Approved: true}); err != nil {
		t.Fatalf("Respond after mismatch failed: %v", err)
	}
	if resp := <-respCh; !resp.Approved {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
