package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/common/config"
	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
	"github.com/runforge/runforge/internal/tool"
	toolregistry "github.com/runforge/runforge/internal/tool/registry"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

func newTestPipeline(t *testing.T, cfg config.PipelineConfig, policy Policy) (*Pipeline, *toolregistry.Registry, *bus.MemoryEventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	registry := toolregistry.NewRegistry(log)
	registry.LoadDefaults()

	return New(cfg, registry, policy, eventBus, log), registry, eventBus
}

func defaultCfg() config.PipelineConfig {
	return config.PipelineConfig{HistorySize: 200, MaxParallel: 8, TruncateBytes: 64 * 1024}
}

// eventCounter counts events matching a subscription
func eventCounter(t *testing.T, eventBus *bus.MemoryEventBus, subject string) *int64 {
	t.Helper()
	var count int64
	_, err := eventBus.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return &count
}

// approveAll is a Confirmer that approves every request
type approveAll struct{}

func (approveAll) RequestConfirmation(ctx context.Context, details *v1.ConfirmationDetails) (*v1.PermissionResponse, error) {
	return &v1.PermissionResponse{Approved: true}, nil
}

// respondWith is a Confirmer returning a fixed response
type respondWith struct {
	resp v1.PermissionResponse
}

func (c respondWith) RequestConfirmation(ctx context.Context, details *v1.ConfirmationDetails) (*v1.PermissionResponse, error) {
	resp := c.resp
	return &resp, nil
}

// cancelConfirmer cancels the call's context and reports a denial, the way
// the broker resolves a handshake interrupted by cancellation
type cancelConfirmer struct {
	cancel context.CancelFunc
}

func (c cancelConfirmer) RequestConfirmation(ctx context.Context, details *v1.ConfirmationDetails) (*v1.PermissionResponse, error) {
	c.cancel()
	<-ctx.Done()
	return &v1.PermissionResponse{Approved: false, Reason: "cancelled"}, nil
}

// failConfirmer fails the test if the handshake is ever reached
type failConfirmer struct {
	t *testing.T
}

func (c failConfirmer) RequestConfirmation(ctx context.Context, details *v1.ConfirmationDetails) (*v1.PermissionResponse, error) {
	c.t.Error("confirmation handshake reached, expected short-circuit before it")
	return &v1.PermissionResponse{Approved: false}, nil
}

func TestExecuteEcho(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg(), nil)
	scope := &Scope{SessionID: "sess-1", RunID: "run-1"}

	result := p.Execute(context.Background(), scope, &Request{
		ToolName: "echo",
		Params:   map[string]interface{}{"message": "hello"},
	})

	if !result.Success {
		t.Fatalf("echo failed: %+v", result.Error)
	}
	if result.Content != "hello" {
		t.Fatalf("unexpected content: %q", result.Content)
	}
	if result.ExecutionID == "" || result.ToolName != "echo" {
		t.Fatalf("result envelope incomplete: %+v", result)
	}

	stats := p.GetStats()
	if stats.TotalExecutions != 1 || stats.Succeeded != 1 || stats.ByTool["echo"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	history := p.History()
	if len(history) != 1 || history[0].ToolName != "echo" || !history[0].Success {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestUnknownToolFailsBeforeAnyStage(t *testing.T) {
	p, _, eventBus := newTestPipeline(t, defaultCfg(), nil)
	stageEvents := eventCounter(t, eventBus, events.BuildStageWildcardSubject("sess-1"))
	execEvents := eventCounter(t, eventBus, events.BuildExecutionWildcardSubject("sess-1"))

	result := p.Execute(context.Background(), &Scope{SessionID: "sess-1"}, &Request{ToolName: "no-such-tool"})

	if result.Success {
		t.Fatal("unknown tool reported success")
	}
	if result.Error == nil || result.Error.Code != apperrors.ErrCodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %+v", result.Error)
	}

	// Execution start/complete still fire; stage events must not
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt64(execEvents) < 2 {
		time.Sleep(2 * time.Millisecond)
	}
	if n := atomic.LoadInt64(execEvents); n != 2 {
		t.Fatalf("expected 2 execution events, got %d", n)
	}
	if n := atomic.LoadInt64(stageEvents); n != 0 {
		t.Fatalf("expected 0 stage events for unknown tool, got %d", n)
	}

	if stats := p.GetStats(); stats.Failed != 1 {
		t.Fatalf("failure not counted: %+v", stats)
	}
}

func TestValidationFailsFastWithoutInvokingBody(t *testing.T) {
	p, registry, _ := newTestPipeline(t, defaultCfg(), nil)

	var invoked atomic.Bool
	err := registry.Register(tool.MustNew(tool.Def{
		Name:     "strict",
		Category: tool.CategoryRead,
		Schema: `{
			"type": "object",
			"properties": {
				"a": {"type": "string"},
				"b": {"type": "integer"}
			},
			"required": ["a", "b"],
			"additionalProperties": false
		}`,
		Run: func(ctx context.Context, params map[string]interface{}, onOutput tool.OutputFunc) (*tool.Output, error) {
			invoked.Store(true)
			return &tool.Output{}, nil
		},
	}))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	result := p.Execute(context.Background(), &Scope{SessionID: "sess-1"}, &Request{
		ToolName: "strict",
		Params:   map[string]interface{}{},
	})

	if result.Success {
		t.Fatal("validation passed with missing required params")
	}
	if result.Error.Code != apperrors.ErrCodeValidationError {
		t.Fatalf("expected VALIDATION_ERROR, got %+v", result.Error)
	}
	if invoked.Load() {
		t.Fatal("tool body invoked despite validation failure")
	}
}

func TestExecuteAllKeepsOrderAndContinuesPastFailures(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg(), nil)
	scope := &Scope{SessionID: "sess-1"}

	results := p.ExecuteAll(context.Background(), scope, []*Request{
		{ToolName: "echo", Params: map[string]interface{}{"message": "first"}},
		{ToolName: "no-such-tool"},
		{ToolName: "echo", Params: map[string]interface{}{"message": "third"}},
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].Success || results[0].Content != "first" {
		t.Fatalf("result 0 wrong: %+v", results[0])
	}
	if results[1].Success || results[1].Error.Code != apperrors.ErrCodeNotFound {
		t.Fatalf("result 1 wrong: %+v", results[1])
	}
	if !results[2].Success || results[2].Content != "third" {
		t.Fatalf("result 2 wrong: %+v", results[2])
	}
}

func TestExecuteParallelBoundsConcurrencyAndKeepsOrder(t *testing.T) {
	p, registry, _ := newTestPipeline(t, defaultCfg(), nil)

	var inFlight, peak int64
	var mu sync.Mutex
	err := registry.Register(tool.MustNew(tool.Def{
		Name:     "track",
		Category: tool.CategoryRead,
		Schema: `{
			"type": "object",
			"properties": {"n": {"type": "integer"}},
			"required": ["n"],
			"additionalProperties": false
		}`,
		Run: func(ctx context.Context, params map[string]interface{}, onOutput tool.OutputFunc) (*tool.Output, error) {
			cur := atomic.AddInt64(&inFlight, 1)
			mu.Lock()
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			n := int(params["n"].(float64))
			return &tool.Output{Payload: map[string]interface{}{"n": n}}, nil
		},
	}))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	reqs := make([]*Request, 9)
	for i := range reqs {
		reqs[i] = &Request{ToolName: "track", Params: map[string]interface{}{"n": float64(i)}}
	}

	results := p.ExecuteParallel(context.Background(), &Scope{SessionID: "sess-1"}, reqs, 3)

	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	for i, res := range results {
		if !res.Success {
			t.Fatalf("result %d failed: %+v", i, res.Error)
		}
		if got := res.Payload["n"].(int); got != i {
			t.Fatalf("result %d out of order: payload n=%d", i, got)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if peak > 3 {
		t.Fatalf("concurrency bound exceeded: peak %d", peak)
	}
}

func TestConfirmationDeniedFailsOnlyThisCall(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg(), nil)
	scope := &Scope{
		SessionID: "sess-1",
		Confirmer: respondWith{v1.PermissionResponse{Approved: false, Reason: "not allowed here"}},
	}

	path := filepath.Join(t.TempDir(), "out.txt")
	result := p.Execute(context.Background(), scope, &Request{
		ToolName: "write_file",
		Params:   map[string]interface{}{"path": path, "content": "data"},
	})

	if result.Success {
		t.Fatal("denied confirmation still executed")
	}
	if result.Error.Code != apperrors.ErrCodePermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED, got %+v", result.Error)
	}

	// The pipeline stays usable for the next call
	next := p.Execute(context.Background(), scope, &Request{
		ToolName: "echo", Params: map[string]interface{}{"message": "still alive"},
	})
	if !next.Success {
		t.Fatalf("subsequent call failed: %+v", next.Error)
	}
}

func TestConfirmationTimeoutCode(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg(), nil)
	scope := &Scope{
		SessionID: "sess-1",
		Confirmer: respondWith{v1.PermissionResponse{Approved: false, Reason: "timeout"}},
	}

	result := p.Execute(context.Background(), scope, &Request{
		ToolName: "write_file",
		Params:   map[string]interface{}{"path": filepath.Join(t.TempDir(), "x"), "content": "y"},
	})

	if result.Success || result.Error.Code != apperrors.ErrCodePermissionTimeout {
		t.Fatalf("expected PERMISSION_TIMEOUT, got %+v", result)
	}
}

func TestConfirmationCancelledWhileWaitingIsAborted(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	scope := &Scope{
		SessionID: "sess-1",
		// Mirrors the broker: cancellation resolves the handshake as a denial
		Confirmer: cancelConfirmer{cancel: cancel},
	}

	result := p.Execute(ctx, scope, &Request{
		ToolName: "write_file",
		Params:   map[string]interface{}{"path": filepath.Join(t.TempDir(), "x"), "content": "y"},
	})

	if result.Success {
		t.Fatal("cancelled confirmation still executed")
	}
	if result.Error.Code != apperrors.ErrCodeAborted {
		t.Fatalf("expected ABORTED, got %+v", result.Error)
	}
}

func TestConfirmationApprovedExecutes(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg(), nil)
	scope := &Scope{SessionID: "sess-1", Confirmer: approveAll{}}

	path := filepath.Join(t.TempDir(), "out.txt")
	result := p.Execute(context.Background(), scope, &Request{
		ToolName: "write_file",
		Params:   map[string]interface{}{"path": path, "content": "data"},
	})

	if !result.Success {
		t.Fatalf("approved call failed: %+v", result.Error)
	}
	if result.Metadata == nil {
		t.Fatal("affected paths missing from metadata")
	}
}

func TestConfirmationWithoutApproverDenied(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg(), nil)

	result := p.Execute(context.Background(), &Scope{SessionID: "sess-1"}, &Request{
		ToolName: "write_file",
		Params:   map[string]interface{}{"path": filepath.Join(t.TempDir(), "x"), "content": "y"},
	})

	if result.Success || result.Error.Code != apperrors.ErrCodePermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED without approver, got %+v", result)
	}
}

func TestCategoryPolicyShortCircuitsBeforeConfirmation(t *testing.T) {
	policy := NewCategoryPolicy(tool.CategoryWrite)
	p, _, _ := newTestPipeline(t, defaultCfg(), policy)
	scope := &Scope{SessionID: "sess-1", Confirmer: failConfirmer{t}}

	result := p.Execute(context.Background(), scope, &Request{
		ToolName: "write_file",
		Params:   map[string]interface{}{"path": filepath.Join(t.TempDir(), "x"), "content": "y"},
	})

	if result.Success || result.Error.Code != apperrors.ErrCodePermissionDenied {
		t.Fatalf("expected policy denial, got %+v", result)
	}
}

func TestCancellationIsAborted(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := p.Execute(ctx, &Scope{SessionID: "sess-1"}, &Request{
		ToolName: "sleep",
		Params:   map[string]interface{}{"duration_ms": 10000},
	})

	if result.Success {
		t.Fatal("cancelled execution reported success")
	}
	if result.Error.Code != apperrors.ErrCodeAborted {
		t.Fatalf("expected ABORTED, got %+v", result.Error)
	}
}

func TestExecutionErrorFromToolBody(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg(), nil)

	result := p.Execute(context.Background(), &Scope{SessionID: "sess-1"}, &Request{
		ToolName: "fail",
		Params:   map[string]interface{}{"message": "boom"},
	})

	if result.Success || result.Error.Code != apperrors.ErrCodeExecutionError {
		t.Fatalf("expected EXECUTION_ERROR, got %+v", result)
	}
	if !strings.Contains(result.Error.Message, "boom") {
		t.Fatalf("diagnostic message lost: %q", result.Error.Message)
	}
}

func TestStageEventsEmittedPerStage(t *testing.T) {
	p, _, eventBus := newTestPipeline(t, defaultCfg(), nil)

	var mu sync.Mutex
	var stages []string
	_, err := eventBus.Subscribe(events.BuildStageWildcardSubject("sess-1"),
		func(ctx context.Context, e *bus.Event) error {
			if e.Type == events.StageStarted {
				mu.Lock()
				stages = append(stages, e.Properties["stage"].(string))
				mu.Unlock()
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	result := p.Execute(context.Background(), &Scope{SessionID: "sess-1"}, &Request{
		ToolName: "echo", Params: map[string]interface{}{"message": "hi"},
	})
	if !result.Success {
		t.Fatalf("echo failed: %+v", result.Error)
	}

	want := []string{StageDiscovery, StageValidation, StagePermissionCheck, StageConfirmation, StageExecution, StageFormatting}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(stages)
		mu.Unlock()
		if n >= len(want) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	// The bus delivers each event on its own goroutine, so arrival order is
	// not the emission order; assert the set of stages instead.
	mu.Lock()
	defer mu.Unlock()
	if len(stages) != len(want) {
		t.Fatalf("expected %d stage starts, got %v", len(want), stages)
	}
	seen := make(map[string]bool, len(stages))
	for _, name := range stages {
		seen[name] = true
	}
	for _, name := range want {
		if !seen[name] {
			t.Fatalf("stage %s never started: %v", name, stages)
		}
	}
}

func TestStageCustomization(t *testing.T) {
	p, _, _ := newTestPipeline(t, defaultCfg(), nil)

	if p.RemoveStage("no-such-stage") {
		t.Fatal("RemoveStage returned true for an unknown stage")
	}
	if !p.RemoveStage(StageConfirmation) {
		t.Fatal("RemoveStage failed for an existing stage")
	}

	added := &namedStage{name: "audit"}
	p.AddStage(added)
	names := p.StageNames()

	execIdx, auditIdx := -1, -1
	for i, name := range names {
		switch name {
		case StageExecution:
			execIdx = i
		case "audit":
			auditIdx = i
		}
	}
	if auditIdx == -1 || execIdx == -1 || auditIdx != execIdx-1 {
		t.Fatalf("AddStage did not insert before execution: %v", names)
	}

	if err := p.InsertStage(&namedStage{name: "front"}, 0); err != nil {
		t.Fatalf("InsertStage failed: %v", err)
	}
	if got := p.StageNames()[0]; got != "front" {
		t.Fatalf("InsertStage position wrong: %v", p.StageNames())
	}
	if err := p.InsertStage(&namedStage{name: "oob"}, 99); err == nil {
		t.Fatal("InsertStage accepted an out-of-range position")
	}
}

type namedStage struct {
	name string
}

func (s *namedStage) Name() string { return s.name }
func (s *namedStage) Process(ctx context.Context, ec *ExecContext) error {
	return nil
}

func TestHistoryCapKeepsAggregateStats(t *testing.T) {
	cfg := defaultCfg()
	cfg.HistorySize = 3
	p, _, _ := newTestPipeline(t, cfg, nil)
	scope := &Scope{SessionID: "sess-1"}

	for i := 0; i < 5; i++ {
		p.Execute(context.Background(), scope, &Request{
			ToolName: "echo", Params: map[string]interface{}{"message": "x"},
		})
	}
	p.Execute(context.Background(), scope, &Request{ToolName: "no-such-tool"})

	history := p.History()
	if len(history) != 3 {
		t.Fatalf("history not capped: %d entries", len(history))
	}
	// Newest first: the failed call is the most recent
	if history[0].Success {
		t.Fatalf("history order wrong: %+v", history[0])
	}

	stats := p.GetStats()
	if stats.TotalExecutions != 6 || stats.Succeeded != 5 || stats.Failed != 1 {
		t.Fatalf("aggregate stats lost to history cap: %+v", stats)
	}
}

func TestFormattingTruncatesOversizedContent(t *testing.T) {
	cfg := defaultCfg()
	cfg.TruncateBytes = 16
	p, _, _ := newTestPipeline(t, cfg, nil)

	big := strings.Repeat("a", 100)
	result := p.Execute(context.Background(), &Scope{SessionID: "sess-1"}, &Request{
		ToolName: "echo", Params: map[string]interface{}{"message": big},
	})

	if !result.Success {
		t.Fatalf("echo failed: %+v", result.Error)
	}
	if !strings.HasSuffix(result.Content, truncationMarker) {
		t.Fatalf("content not truncated: %d bytes", len(result.Content))
	}
	if !strings.HasPrefix(result.Content, strings.Repeat("a", 16)) {
		t.Fatalf("truncated content corrupted: %q", result.Content)
	}
}
