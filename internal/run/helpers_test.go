package run

import (
	"testing"
	"time"

	"github.com/runforge/runforge/internal/common/config"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events/bus"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestRegistry(t *testing.T, capacity int) (*Registry, *bus.MemoryEventBus) {
	t.Helper()
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	cfg := config.RunsConfig{Capacity: capacity, TTLMinutes: 30, ReapInterval: 60}
	return NewRegistry(cfg, eventBus, log), eventBus
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func waitStatus(t *testing.T, st *State, status v1.RunStatus) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool { return st.Status() == status },
		"run to reach status "+string(status))
}
