package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
	"github.com/runforge/runforge/internal/pipeline"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/run/store"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// Service coordinates the full lifecycle of agent runs
type Service struct {
	registry *run.Registry
	broker   *run.Broker
	pipeline *pipeline.Pipeline
	store    store.Store
	eventBus bus.EventBus
	logger   *logger.Logger

	mu     sync.RWMutex
	agents map[string]Agent
}

// NewService creates the run orchestrator. The built-in scripted and echo
// agents are registered by default.
func NewService(registry *run.Registry, broker *run.Broker, p *pipeline.Pipeline, recordStore store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	s := &Service{
		registry: registry,
		broker:   broker,
		pipeline: p,
		store:    recordStore,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		agents:   make(map[string]Agent),
	}
	s.RegisterAgent(NewScriptedAgent())
	s.RegisterAgent(NewEchoAgent())
	return s
}

// RegisterAgent makes an agent selectable by name at run creation
func (s *Service) RegisterAgent(a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.Name()] = a
}

// StartRun creates a run and begins the agent loop. With wait set, the call
// blocks until the run reaches a terminal status and returns the final
// record; otherwise the created record is returned immediately and the loop
// proceeds in the background.
func (s *Service) StartRun(ctx context.Context, sessionID, agentName, input string, wait bool) (*v1.Run, error) {
	s.mu.RLock()
	agent, ok := s.agents[agentName]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("agent", agentName)
	}

	st, err := s.registry.Create(sessionID, agentName, input)
	if err != nil {
		return nil, err
	}

	s.logger.Info("run accepted",
		zap.String("run_id", st.ID),
		zap.String("session_id", sessionID),
		zap.String("agent", agentName),
		zap.Bool("wait", wait))
	s.publishRun(events.RunCreated, st)

	if wait {
		s.runLoop(st, agent)
		return st.Snapshot(), nil
	}

	go s.runLoop(st, agent)
	return st.Snapshot(), nil
}

// runLoop executes the agent's plan call by call and settles the run into a
// terminal status. Permission denials and timeouts fail only the specific
// tool call; any other failed result is unrecoverable and fails the run.
func (s *Service) runLoop(st *run.State, agent Agent) {
	if err := st.Begin(); err != nil {
		// The run was finalized before the loop observed it (cancel or
		// eviction); nothing to execute.
		s.persist(st)
		return
	}
	s.publishRun(events.RunStarted, st)

	status, runErr := s.executePlan(st, agent)

	if st.Finish(status, runErr) {
		s.publishTerminal(st, status)
	}
	s.persist(st)
}

func (s *Service) executePlan(st *run.State, agent Agent) (v1.RunStatus, *v1.APIError) {
	ctx := st.Context()

	plan, err := agent.Plan(ctx, st.Input)
	if err != nil {
		appErr := apperrors.FromError(err)
		if appErr.Code == apperrors.ErrCodeAborted {
			return v1.RunStatusCancelled, nil
		}
		return v1.RunStatusFailed, appErr.ToAPIError()
	}

	scope := &pipeline.Scope{
		SessionID: st.SessionID,
		RunID:     st.ID,
		Confirmer: &stateConfirmer{broker: s.broker, st: st},
		OnOutput:  s.outputPublisher(st),
	}

	for _, req := range plan {
		select {
		case <-ctx.Done():
			return v1.RunStatusCancelled, nil
		default:
		}

		result := s.pipeline.Execute(ctx, scope, req)
		s.saveExecution(st, req, result)

		if result.Success {
			continue
		}
		switch result.Error.Code {
		case apperrors.ErrCodeAborted:
			return v1.RunStatusCancelled, nil
		case apperrors.ErrCodePermissionDenied, apperrors.ErrCodePermissionTimeout:
			// The call failed; the run goes on
		default:
			return v1.RunStatusFailed, result.Error
		}
	}
	return v1.RunStatusCompleted, nil
}

// CancelRun aborts a run. Cancelling a terminal or unknown-but-persisted run
// is a no-op.
func (s *Service) CancelRun(ctx context.Context, id, reason string) error {
	if err := s.registry.Cancel(id, reason); err != nil {
		// A run already evicted but persisted counts as done
		if apperrors.IsNotFound(err) {
			if _, storeErr := s.store.GetRun(ctx, id); storeErr == nil {
				return nil
			}
		}
		return err
	}
	return nil
}

// GetRun returns the run record, consulting the live registry first and the
// record store for runs that already left it
func (s *Service) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	if st, ok := s.registry.Get(id); ok {
		return st.Snapshot(), nil
	}
	return s.store.GetRun(ctx, id)
}

// GetRunState returns the live run state, if still tracked
func (s *Service) GetRunState(id string) (*run.State, bool) {
	return s.registry.Get(id)
}

// ListRuns returns live runs, newest first
func (s *Service) ListRuns() []*v1.Run {
	return s.registry.List()
}

// ListExecutions returns a run's persisted tool execution records
func (s *Service) ListExecutions(ctx context.Context, runID string, limit int) ([]*v1.ExecutionRecord, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListExecutions(ctx, runID, limit)
}

// RespondToPermission delivers an external approval or denial
func (s *Service) RespondToPermission(sessionID, permissionID string, resp *v1.PermissionResponse) error {
	return s.broker.Respond(sessionID, permissionID, resp)
}

// RegistryStats exposes run registry counters
func (s *Service) RegistryStats() run.RegistryStats {
	return s.registry.Stats()
}

// PipelineStats exposes aggregate pipeline statistics
func (s *Service) PipelineStats() pipeline.Stats {
	return s.pipeline.GetStats()
}

// PipelineHistory exposes the bounded execution log, newest first
func (s *Service) PipelineHistory() []*v1.ExecutionRecord {
	return s.pipeline.History()
}

// stateConfirmer binds the broker handshake to one run
type stateConfirmer struct {
	broker *run.Broker
	st     *run.State
}

func (c *stateConfirmer) RequestConfirmation(ctx context.Context, details *v1.ConfirmationDetails) (*v1.PermissionResponse, error) {
	return c.broker.RequestConfirmation(ctx, c.st, details)
}

// outputPublisher streams incremental tool output as message.part events
func (s *Service) outputPublisher(st *run.State) func(chunk string) {
	return func(chunk string) {
		subject := events.BuildMessagePartSubject(st.SessionID)
		event := bus.NewEvent(events.MessagePart, st.SessionID, map[string]interface{}{
			"run_id":  st.ID,
			"content": chunk,
		})
		if err := s.eventBus.Publish(context.Background(), subject, event); err != nil {
			s.logger.Warn("failed to publish message part", zap.String("run_id", st.ID), zap.Error(err))
		}
	}
}

func (s *Service) saveExecution(st *run.State, req *pipeline.Request, result *v1.ToolResult) {
	rec := &v1.ExecutionRecord{
		ID:        result.ExecutionID,
		RunID:     st.ID,
		ToolName:  req.ToolName,
		Params:    req.Params,
		Success:   result.Success,
		Content:   result.Content,
		Error:     result.Error,
		StartedAt: time.Now().UTC().Add(-result.Duration),
		Duration:  result.Duration,
	}
	if err := s.store.SaveExecution(context.Background(), rec); err != nil {
		s.logger.Warn("failed to persist execution record",
			zap.String("run_id", st.ID),
			zap.String("tool", req.ToolName),
			zap.Error(err))
	}
}

// persist writes the run's current snapshot to the record store
func (s *Service) persist(st *run.State) {
	snap := st.Snapshot()
	if err := s.store.SaveRun(context.Background(), snap); err != nil {
		s.logger.Warn("failed to persist run record", zap.String("run_id", st.ID), zap.Error(err))
	}
}

func (s *Service) publishRun(eventType string, st *run.State) {
	snap := st.Snapshot()
	subject := events.BuildRunSubject(eventType, st.SessionID)
	event := bus.NewEvent(eventType, st.SessionID, map[string]interface{}{
		"run_id": st.ID,
		"status": string(snap.Status),
		"agent":  st.AgentName,
	})
	if err := s.eventBus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Warn("failed to publish run event",
			zap.String("subject", subject),
			zap.String("run_id", st.ID),
			zap.Error(err))
	}
}

// publishTerminal maps a terminal status to its event type. Cancellation
// events are published by the registry, which owns that transition.
func (s *Service) publishTerminal(st *run.State, status v1.RunStatus) {
	var eventType string
	switch status {
	case v1.RunStatusCompleted:
		eventType = events.RunCompleted
	case v1.RunStatusFailed:
		eventType = events.RunFailed
	case v1.RunStatusCancelled:
		eventType = events.RunCancelled
	default:
		return
	}
	s.publishRun(eventType, st)
}
