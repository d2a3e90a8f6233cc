package run

import (
	"testing"
	"time"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

func TestStateBegin(t *testing.T) {
	st := newState("sess-1", "echo-agent", "hello")

	if st.Status() != v1.RunStatusCreated {
		t.Fatalf("expected created, got %s", st.Status())
	}
	if err := st.Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if st.Status() != v1.RunStatusInProgress {
		t.Fatalf("expected in_progress, got %s", st.Status())
	}

	err := st.Begin()
	if err == nil {
		t.Fatal("expected error on second Begin")
	}
	appErr, ok := err.(*apperrors.AppError)
	if !ok || appErr.Code != apperrors.ErrCodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	st := newState("sess-1", "echo-agent", "hello")
	_ = st.Begin()

	if !st.Finish(v1.RunStatusCompleted, nil) {
		t.Fatal("first Finish should win")
	}
	if st.Finish(v1.RunStatusFailed, &v1.APIError{Code: "EXECUTION_ERROR", Message: "late"}) {
		t.Fatal("second Finish should be a no-op")
	}
	if st.Status() != v1.RunStatusCompleted {
		t.Fatalf("terminal status overwritten: %s", st.Status())
	}
	if snap := st.Snapshot(); snap.Error != nil {
		t.Fatalf("late error leaked into snapshot: %+v", snap.Error)
	}

	select {
	case <-st.Done():
	default:
		t.Fatal("done channel not closed after Finish")
	}
	select {
	case <-st.Context().Done():
	default:
		t.Fatal("abort signal not fired after Finish")
	}
}

func TestFinishRejectsNonTerminalStatus(t *testing.T) {
	st := newState("sess-1", "echo-agent", "hello")
	if st.Finish(v1.RunStatusInProgress, nil) {
		t.Fatal("Finish accepted a non-terminal status")
	}
	if st.Status() != v1.RunStatusCreated {
		t.Fatalf("status changed: %s", st.Status())
	}
}

func TestPendingPermissionLifecycle(t *testing.T) {
	st := newState("sess-1", "writer-agent", "write it")
	_ = st.Begin()

	if st.PendingPermission() != nil {
		t.Fatal("fresh run has a pending permission")
	}

	req := newPermissionRequest(st.ID, st.SessionID,
		&v1.ConfirmationDetails{Title: "Write file"}, time.Now().Add(time.Minute))
	if err := st.openPermission(req); err != nil {
		t.Fatalf("openPermission failed: %v", err)
	}
	if st.Status() != v1.RunStatusWaitingPermission {
		t.Fatalf("expected waiting_permission, got %s", st.Status())
	}
	info := st.PendingPermission()
	if info == nil || info.ID != req.ID {
		t.Fatalf("pending permission not exposed: %+v", info)
	}

	st.clearPermission(req)
	if st.Status() != v1.RunStatusInProgress {
		t.Fatalf("expected in_progress after clear, got %s", st.Status())
	}
	if st.PendingPermission() != nil {
		t.Fatal("pending permission survived clearPermission")
	}
}

func TestSecondPermissionRequestRejected(t *testing.T) {
	st := newState("sess-1", "writer-agent", "write it")
	_ = st.Begin()

	first := newPermissionRequest(st.ID, st.SessionID, nil, time.Now().Add(time.Minute))
	if err := st.openPermission(first); err != nil {
		t.Fatalf("openPermission failed: %v", err)
	}

	second := newPermissionRequest(st.ID, st.SessionID, nil, time.Now().Add(time.Minute))
	err := st.openPermission(second)
	if err == nil {
		t.Fatal("expected second request to be rejected")
	}
	appErr, ok := err.(*apperrors.AppError)
	if !ok || appErr.Code != apperrors.ErrCodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	// The first request is untouched
	if info := st.PendingPermission(); info == nil || info.ID != first.ID {
		t.Fatalf("first request lost: %+v", info)
	}
}

func TestFinishResolvesPendingNegatively(t *testing.T) {
	st := newState("sess-1", "writer-agent", "write it")
	_ = st.Begin()

	req := newPermissionRequest(st.ID, st.SessionID, nil, time.Now().Add(time.Minute))
	_ = st.openPermission(req)

	st.CancelRun("user requested")

	select {
	case resp := <-req.Response():
		if resp.Approved {
			t.Fatal("pending request approved by cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not resolved by cancellation")
	}
	if st.Status() != v1.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", st.Status())
	}
	if st.PendingPermission() != nil {
		t.Fatal("pending permission survived terminal transition")
	}
}

func TestOpenPermissionOnTerminalRun(t *testing.T) {
	st := newState("sess-1", "writer-agent", "write it")
	_ = st.Begin()
	st.CancelRun("gone")

	req := newPermissionRequest(st.ID, st.SessionID, nil, time.Now().Add(time.Minute))
	err := st.openPermission(req)
	if err == nil {
		t.Fatal("expected error opening permission on terminal run")
	}
	if !apperrors.IsAborted(err) {
		t.Fatalf("expected ABORTED, got %v", err)
	}
}

func TestPermissionResolveFirstWins(t *testing.T) {
	req := newPermissionRequest("run-1", "sess-1", nil, time.Now().Add(time.Minute))

	if !req.Resolve(&v1.PermissionResponse{Approved: true}) {
		t.Fatal("first Resolve should win")
	}
	if req.Resolve(&v1.PermissionResponse{Approved: false, Reason: "timeout"}) {
		t.Fatal("second Resolve should be a no-op")
	}

	resp := <-req.Response()
	if !resp.Approved {
		t.Fatal("loser overwrote the winning response")
	}
}
