package run

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/config"
	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// RegistryStats is a point-in-time view of registry activity.
type RegistryStats struct {
	Active          int   `json:"active"`
	Capacity        int   `json:"capacity"`
	TotalCreated    int64 `json:"total_created"`
	EvictedCapacity int64 `json:"evicted_capacity"`
	EvictedTTL      int64 `json:"evicted_ttl"`
}

// Registry tracks all in-flight runs, bounded by capacity and idle TTL.
//
// When the registry is full, creating a new run evicts the least recently
// active one. A background reaper removes runs idle past the TTL. Eviction
// aborts a non-terminal run before removing it, under the registry lock, so
// no run is ever dropped while still executing.
type Registry struct {
	mu     sync.Mutex
	runs   map[string]*State
	closed bool

	capacity     int
	ttl          time.Duration
	reapInterval time.Duration

	totalCreated    int64
	evictedCapacity int64
	evictedTTL      int64

	eventBus bus.EventBus
	logger   *logger.Logger

	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// NewRegistry creates a run registry bounded by the given configuration
func NewRegistry(cfg config.RunsConfig, eventBus bus.EventBus, log *logger.Logger) *Registry {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 100
	}
	ttl := cfg.TTL()
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	reapInterval := cfg.ReapIntervalDuration()
	if reapInterval <= 0 {
		reapInterval = time.Minute
	}
	return &Registry{
		runs:         make(map[string]*State),
		capacity:     capacity,
		ttl:          ttl,
		reapInterval: reapInterval,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "run_registry")),
	}
}

// Start launches the TTL reaper goroutine
func (r *Registry) Start(ctx context.Context) {
	reapCtx, cancel := context.WithCancel(ctx)
	r.stopReaper = cancel
	r.reaperDone = make(chan struct{})
	go r.reapLoop(reapCtx)
	r.logger.Info("run registry started",
		zap.Int("capacity", r.capacity),
		zap.Duration("ttl", r.ttl))
}

// Stop halts the reaper and cancels every non-terminal run
func (r *Registry) Stop() {
	if r.stopReaper != nil {
		r.stopReaper()
		<-r.reaperDone
	}

	r.mu.Lock()
	r.closed = true
	states := make([]*State, 0, len(r.runs))
	for _, st := range r.runs {
		states = append(states, st)
	}
	r.mu.Unlock()

	for _, st := range states {
		if st.CancelRun("registry shutting down") {
			r.publishCancelled(st, "registry shutting down")
		}
	}
	r.logger.Info("run registry stopped", zap.Int("runs_cancelled", len(states)))
}

// Create registers a new run in the created status. If the registry is at
// capacity, the least recently active run is evicted first.
func (r *Registry) Create(sessionID, agentName, input string) (*State, error) {
	st := newState(sessionID, agentName, input)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, apperrors.Conflict("run registry is shut down")
	}

	var evicted *State
	if len(r.runs) >= r.capacity {
		evicted = r.oldestLocked()
		if evicted == nil {
			r.mu.Unlock()
			return nil, apperrors.InternalError("run registry full with no evictable run", nil)
		}
		r.evictLocked(evicted, "evicted: registry at capacity")
		r.evictedCapacity++
	}

	r.runs[st.ID] = st
	r.totalCreated++
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Warn("evicted run at capacity",
			zap.String("evicted_run_id", evicted.ID),
			zap.String("new_run_id", st.ID))
	}
	r.logger.Debug("run created",
		zap.String("run_id", st.ID),
		zap.String("session_id", sessionID),
		zap.String("agent", agentName))
	return st, nil
}

// Get returns the run with the given id, if still tracked
func (r *Registry) Get(id string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[id]
	return st, ok
}

// FindPendingBySession returns the session's run that is waiting on a
// permission response, if any. At most one run per session can be waiting.
func (r *Registry) FindPendingBySession(sessionID string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.runs {
		if st.SessionID == sessionID && st.pendingRequest() != nil {
			return st, true
		}
	}
	return nil, false
}

// List returns snapshots of all tracked runs, newest first
func (r *Registry) List() []*v1.Run {
	r.mu.Lock()
	states := make([]*State, 0, len(r.runs))
	for _, st := range r.runs {
		states = append(states, st)
	}
	r.mu.Unlock()

	runs := make([]*v1.Run, 0, len(states))
	for _, st := range states {
		runs = append(runs, st.Snapshot())
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs
}

// Cancel aborts the run with the given id. Cancelling an already terminal
// run is a no-op, not an error.
func (r *Registry) Cancel(id, reason string) error {
	st, ok := r.Get(id)
	if !ok {
		return apperrors.NotFound("run", id)
	}
	if st.CancelRun(reason) {
		r.publishCancelled(st, reason)
		r.logger.Info("run cancelled",
			zap.String("run_id", id),
			zap.String("reason", reason))
	}
	return nil
}

// Remove drops a run from the registry without touching its status.
// The orchestrator calls this once a terminal run has been persisted.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.runs, id)
	r.mu.Unlock()
}

// Stats returns current registry counters
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{
		Active:          len(r.runs),
		Capacity:        r.capacity,
		TotalCreated:    r.totalCreated,
		EvictedCapacity: r.evictedCapacity,
		EvictedTTL:      r.evictedTTL,
	}
}

// oldestLocked returns the least recently active run. Caller holds r.mu.
func (r *Registry) oldestLocked() *State {
	var oldest *State
	var oldestAt time.Time
	for _, st := range r.runs {
		at := st.LastActive()
		if oldest == nil || at.Before(oldestAt) {
			oldest = st
			oldestAt = at
		}
	}
	return oldest
}

// evictLocked aborts a non-terminal run and removes it from the map in one
// step. Caller holds r.mu, so no lookup can observe the run mid-eviction.
func (r *Registry) evictLocked(st *State, reason string) {
	cancelled := st.CancelRun(reason)
	delete(r.runs, st.ID)
	if cancelled {
		r.publishCancelled(st, reason)
	}
}

func (r *Registry) reapLoop(ctx context.Context) {
	defer close(r.reaperDone)
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

// reap evicts runs idle past the TTL
func (r *Registry) reap() {
	cutoff := time.Now().UTC().Add(-r.ttl)

	r.mu.Lock()
	var expired []*State
	for _, st := range r.runs {
		if st.LastActive().Before(cutoff) {
			expired = append(expired, st)
		}
	}
	for _, st := range expired {
		r.evictLocked(st, "evicted: idle past ttl")
		r.evictedTTL++
	}
	r.mu.Unlock()

	if len(expired) > 0 {
		r.logger.Info("reaped idle runs", zap.Int("count", len(expired)))
	}
}

func (r *Registry) publishCancelled(st *State, reason string) {
	subject := events.BuildRunSubject(events.RunCancelled, st.SessionID)
	event := bus.NewEvent(events.RunCancelled, st.SessionID, map[string]interface{}{
		"run_id": st.ID,
		"reason": reason,
	})
	if err := r.eventBus.Publish(context.Background(), subject, event); err != nil {
		r.logger.Warn("failed to publish run.cancelled", zap.String("run_id", st.ID), zap.Error(err))
	}
}
