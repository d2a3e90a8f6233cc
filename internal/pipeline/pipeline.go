// Package pipeline turns a (tool name, parameters) pair into a ToolResult
// through an ordered sequence of named stages: discovery, validation,
// permission check, human confirmation, execution, and formatting.
//
// Stage failures never escape the pipeline boundary. Callers always receive
// a result; failures are carried as a structured error on it.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/runforge/runforge/internal/common/config"
	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
	"github.com/runforge/runforge/internal/tool"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// Request is one tool call to execute
type Request struct {
	ToolName string                 `json:"tool_name"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// Scope carries the run-level surroundings of a tool call: where events go,
// who answers confirmations, and where incremental output is delivered.
type Scope struct {
	SessionID string
	RunID     string
	Confirmer Confirmer
	OnOutput  tool.OutputFunc
}

// ToolResolver resolves tool names during the discovery stage
type ToolResolver interface {
	Get(name string) (tool.Tool, bool)
}

// Stats is an aggregate view over all executions, maintained independently
// of the bounded history log
type Stats struct {
	TotalExecutions int64            `json:"total_executions"`
	Succeeded       int64            `json:"succeeded"`
	Failed          int64            `json:"failed"`
	AvgDurationMs   float64          `json:"avg_duration_ms"`
	ByTool          map[string]int64 `json:"by_tool"`
}

// Pipeline executes tool calls through its stage sequence
type Pipeline struct {
	registry ToolResolver
	eventBus bus.EventBus
	logger   *logger.Logger

	maxParallel int
	historySize int

	mu            sync.Mutex
	stages        []Stage
	history       []*v1.ExecutionRecord
	totalExecs    int64
	succeeded     int64
	failed        int64
	totalDuration time.Duration
	byTool        map[string]int64
}

// New creates a pipeline with the default stage sequence. A nil policy
// allows every tool category.
func New(cfg config.PipelineConfig, registry ToolResolver, policy Policy, eventBus bus.EventBus, log *logger.Logger) *Pipeline {
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Pipeline{
		registry:    registry,
		eventBus:    eventBus,
		logger:      log.WithFields(zap.String("component", "pipeline")),
		maxParallel: maxParallel,
		historySize: historySize,
		byTool:      make(map[string]int64),
		stages: []Stage{
			&discoveryStage{registry: registry},
			&validationStage{},
			&permissionCheckStage{policy: policy},
			&confirmationStage{},
			&executionStage{},
			&formattingStage{truncateBytes: cfg.TruncateBytes},
		},
	}
}

// Execute runs one tool call through the stage sequence. The returned result
// is never nil; failures are carried on it rather than returned as errors.
func (p *Pipeline) Execute(ctx context.Context, scope *Scope, req *Request) *v1.ToolResult {
	if scope == nil {
		scope = &Scope{}
	}
	execID := uuid.New().String()
	started := time.Now().UTC()

	p.publishExecution(events.ExecutionStarted, scope, map[string]interface{}{
		"execution_id": execID,
		"tool_name":    req.ToolName,
	})

	// An unknown tool fails before any stage runs
	var failErr *apperrors.AppError
	if _, ok := p.registry.Get(req.ToolName); !ok {
		failErr = apperrors.NotFound("tool", req.ToolName)
	}

	ec := &ExecContext{ID: execID, Scope: scope, Request: req}
	if failErr == nil {
		failErr = p.runStages(ctx, scope, ec)
	}

	duration := time.Since(started)
	result := ec.Result
	if failErr != nil {
		result = &v1.ToolResult{
			ExecutionID: execID,
			ToolName:    req.ToolName,
			Success:     false,
			Error:       failErr.ToAPIError(),
		}
	} else if result == nil {
		// Formatting stage was removed; fall back to the raw output
		result = &v1.ToolResult{ExecutionID: execID, ToolName: req.ToolName, Success: true}
		if ec.Output != nil {
			result.Content = ec.Output.Content
			result.Payload = ec.Output.Payload
		}
	}
	result.Duration = duration

	p.record(scope, req, result, started, duration)

	props := map[string]interface{}{
		"execution_id": execID,
		"tool_name":    req.ToolName,
		"success":      result.Success,
		"duration_ms":  duration.Milliseconds(),
	}
	if result.Error != nil {
		props["error_code"] = result.Error.Code
	}
	p.publishExecution(events.ExecutionCompleted, scope, props)

	return result
}

// runStages walks the stage sequence, stopping at the first failure
func (p *Pipeline) runStages(ctx context.Context, scope *Scope, ec *ExecContext) *apperrors.AppError {
	for _, st := range p.stageSnapshot() {
		select {
		case <-ctx.Done():
			return apperrors.Aborted("execution cancelled before stage " + st.Name())
		default:
		}

		p.publishStage(events.StageStarted, scope, st.Name(), ec.ID)
		err := st.Process(ctx, ec)
		p.publishStage(events.StageCompleted, scope, st.Name(), ec.ID)

		if err != nil {
			appErr := apperrors.FromError(err)
			p.logger.Debug("stage failed",
				zap.String("execution_id", ec.ID),
				zap.String("stage", st.Name()),
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message))
			return appErr
		}
	}
	return nil
}

// ExecuteAll runs requests strictly in submission order, continuing past
// individual failures
func (p *Pipeline) ExecuteAll(ctx context.Context, scope *Scope, reqs []*Request) []*v1.ToolResult {
	results := make([]*v1.ToolResult, 0, len(reqs))
	for _, req := range reqs {
		results = append(results, p.Execute(ctx, scope, req))
	}
	return results
}

// ExecuteParallel runs requests with at most concurrency in flight at once.
// Result order matches request order regardless of completion order.
func (p *Pipeline) ExecuteParallel(ctx context.Context, scope *Scope, reqs []*Request, concurrency int) []*v1.ToolResult {
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > p.maxParallel {
		concurrency = p.maxParallel
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	results := make([]*v1.ToolResult, len(reqs))
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *Request) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = &v1.ToolResult{
					ToolName: req.ToolName,
					Success:  false,
					Error:    apperrors.Aborted("cancelled while waiting for a worker slot").ToAPIError(),
				}
				return
			}
			defer sem.Release(1)
			results[i] = p.Execute(ctx, scope, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

// AddStage inserts a stage immediately before the execution stage, or at the
// end if no execution stage is present
func (p *Pipeline) AddStage(s Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := len(p.stages)
	for i, st := range p.stages {
		if st.Name() == StageExecution {
			pos = i
			break
		}
	}
	p.insertLocked(s, pos)
}

// InsertStage inserts a stage at an explicit position in the sequence
func (p *Pipeline) InsertStage(s Stage, position int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if position < 0 || position > len(p.stages) {
		return apperrors.BadRequest("stage position out of range")
	}
	p.insertLocked(s, position)
	return nil
}

// RemoveStage removes the named stage. Returns false if no such stage exists.
func (p *Pipeline) RemoveStage(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, st := range p.stages {
		if st.Name() == name {
			p.stages = append(p.stages[:i], p.stages[i+1:]...)
			return true
		}
	}
	return false
}

// StageNames returns the current stage sequence
func (p *Pipeline) StageNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.Name()
	}
	return names
}

// History returns the bounded execution log, newest first
func (p *Pipeline) History() []*v1.ExecutionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*v1.ExecutionRecord, len(p.history))
	for i, rec := range p.history {
		out[len(p.history)-1-i] = rec
	}
	return out
}

// GetStats returns aggregate execution statistics. These survive history
// eviction: the capped log bounds memory, not the counters.
func (p *Pipeline) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		TotalExecutions: p.totalExecs,
		Succeeded:       p.succeeded,
		Failed:          p.failed,
		ByTool:          make(map[string]int64, len(p.byTool)),
	}
	if p.totalExecs > 0 {
		stats.AvgDurationMs = float64(p.totalDuration.Milliseconds()) / float64(p.totalExecs)
	}
	for name, n := range p.byTool {
		stats.ByTool[name] = n
	}
	return stats
}

func (p *Pipeline) insertLocked(s Stage, pos int) {
	p.stages = append(p.stages, nil)
	copy(p.stages[pos+1:], p.stages[pos:])
	p.stages[pos] = s
}

func (p *Pipeline) stageSnapshot() []Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// record appends an immutable history entry and folds the outcome into the
// aggregate counters
func (p *Pipeline) record(scope *Scope, req *Request, result *v1.ToolResult, started time.Time, duration time.Duration) {
	rec := &v1.ExecutionRecord{
		ID:        result.ExecutionID,
		RunID:     scope.RunID,
		ToolName:  req.ToolName,
		Params:    req.Params,
		Success:   result.Success,
		Content:   result.Content,
		Error:     result.Error,
		StartedAt: started,
		Duration:  duration,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.history) >= p.historySize {
		copy(p.history, p.history[1:])
		p.history[len(p.history)-1] = rec
	} else {
		p.history = append(p.history, rec)
	}

	p.totalExecs++
	if result.Success {
		p.succeeded++
	} else {
		p.failed++
	}
	p.totalDuration += duration
	p.byTool[req.ToolName]++
}

func (p *Pipeline) publishExecution(eventType string, scope *Scope, props map[string]interface{}) {
	if scope.RunID != "" {
		props["run_id"] = scope.RunID
	}
	subject := events.BuildExecutionSubject(eventType, scope.SessionID)
	if err := p.eventBus.Publish(context.Background(), subject, bus.NewEvent(eventType, scope.SessionID, props)); err != nil {
		p.logger.Warn("failed to publish execution event", zap.String("subject", subject), zap.Error(err))
	}
}

func (p *Pipeline) publishStage(eventType string, scope *Scope, stageName, execID string) {
	props := map[string]interface{}{
		"execution_id": execID,
		"stage":        stageName,
	}
	if scope.RunID != "" {
		props["run_id"] = scope.RunID
	}
	subject := events.BuildStageSubject(eventType, scope.SessionID)
	if err := p.eventBus.Publish(context.Background(), subject, bus.NewEvent(eventType, scope.SessionID, props)); err != nil {
		p.logger.Warn("failed to publish stage event", zap.String("subject", subject), zap.Error(err))
	}
}
