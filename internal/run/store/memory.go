package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// MemoryStore provides in-memory run record storage
type MemoryStore struct {
	runs       map[string]*v1.Run
	executions map[string][]*v1.ExecutionRecord // keyed by run id
	mu         sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory run store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:       make(map[string]*v1.Run),
		executions: make(map[string][]*v1.ExecutionRecord),
	}
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// SaveRun inserts or replaces a run record
func (s *MemoryStore) SaveRun(ctx context.Context, run *v1.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// GetRun retrieves a run record by ID
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, apperrors.NotFound("run", id)
	}
	cp := *run
	return &cp, nil
}

// ListRuns returns run records, newest first. An empty sessionID matches all
// sessions; limit <= 0 means no limit.
func (s *MemoryStore) ListRuns(ctx context.Context, sessionID string, limit int) ([]*v1.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*v1.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if sessionID != "" && run.SessionID != sessionID {
			continue
		}
		cp := *run
		runs = append(runs, &cp)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// SaveExecution appends a tool execution record
func (s *MemoryStore) SaveExecution(ctx context.Context, rec *v1.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	cp := *rec
	s.executions[rec.RunID] = append(s.executions[rec.RunID], &cp)
	return nil
}

// ListExecutions returns a run's execution records in insertion order.
// limit <= 0 means no limit.
func (s *MemoryStore) ListExecutions(ctx context.Context, runID string, limit int) ([]*v1.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.executions[runID]
	out := make([]*v1.ExecutionRecord, 0, len(records))
	for _, rec := range records {
		cp := *rec
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
