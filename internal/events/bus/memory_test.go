package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/runforge/runforge/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewMemoryEventBus(log)
}

// collector accumulates events delivered to a handler
type collector struct {
	mu     sync.Mutex
	events []*Event
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) handler(ctx context.Context, e *Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.notify <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
	}
}

func (c *collector) all() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestMemoryBus_PublishExactSubject(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	col := newCollector()
	if _, err := b.Subscribe("run.completed.sess-1", col.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ev := NewEvent("run.completed", "sess-1", map[string]interface{}{"run_id": "r1"})
	if err := b.Publish(context.Background(), "run.completed.sess-1", ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	col.wait(t, 1)
	got := col.all()[0]
	if got.Type != "run.completed" {
		t.Errorf("expected type run.completed, got %s", got.Type)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("expected session sess-1, got %s", got.SessionID)
	}
}

func TestMemoryBus_WildcardMatching(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	col := newCollector()
	if _, err := b.Subscribe("run.*.sess-1", col.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, "run.started.sess-1", NewEvent("run.started", "sess-1", nil))
	_ = b.Publish(ctx, "run.cancelled.sess-1", NewEvent("run.cancelled", "sess-1", nil))
	// Different session should not match
	_ = b.Publish(ctx, "run.started.sess-2", NewEvent("run.started", "sess-2", nil))

	col.wait(t, 2)
	time.Sleep(50 * time.Millisecond)
	if got := len(col.all()); got != 2 {
		t.Errorf("expected 2 events, got %d", got)
	}
}

func TestMemoryBus_MultiTokenWildcard(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	col := newCollector()
	if _, err := b.Subscribe("stage.>", col.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, "stage.started.sess-1", NewEvent("stage.started", "sess-1", nil))
	_ = b.Publish(ctx, "stage.completed.sess-2", NewEvent("stage.completed", "sess-2", nil))

	col.wait(t, 2)
}

func TestMemoryBus_CatchAllWildcard(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	col := newCollector()
	if _, err := b.Subscribe(">", col.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, "run.started.sess-1", NewEvent("run.started", "sess-1", nil))
	_ = b.Publish(ctx, "execution.completed.sess-2", NewEvent("execution.completed", "sess-2", nil))
	_ = b.Publish(ctx, "message.part.sess-3", NewEvent("message.part", "sess-3", nil))

	col.wait(t, 3)
}

func TestCompilePatternCatchAll(t *testing.T) {
	regex := compilePattern(">")
	if regex == nil {
		t.Fatal("expected a compiled regex for >")
	}
	for _, subject := range []string{"run.started.sess-1", "heartbeat.s", "a"} {
		if !matches(subject, ">", regex) {
			t.Errorf("expected > to match %q", subject)
		}
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	col := newCollector()
	sub, err := b.Subscribe("heartbeat.sess-1", col.handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !sub.IsValid() {
		t.Fatal("subscription should be valid after subscribe")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription should be invalid after unsubscribe")
	}

	_ = b.Publish(context.Background(), "heartbeat.sess-1", NewEvent("heartbeat", "sess-1", nil))
	time.Sleep(50 * time.Millisecond)
	if got := len(col.all()); got != 0 {
		t.Errorf("expected no events after unsubscribe, got %d", got)
	}
}

func TestMemoryBus_ClosedBusRejectsPublish(t *testing.T) {
	b := newTestBus(t)
	b.Close()

	if b.IsConnected() {
		t.Error("bus should report disconnected after Close")
	}
	if err := b.Publish(context.Background(), "run.started.s", NewEvent("run.started", "s", nil)); err == nil {
		t.Error("expected error publishing to closed bus")
	}
	if _, err := b.Subscribe("run.started.s", func(ctx context.Context, e *Event) error { return nil }); err == nil {
		t.Error("expected error subscribing to closed bus")
	}
}

func TestMemoryBus_HandlerErrorDoesNotAffectPublisher(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	done := make(chan struct{}, 1)
	_, err := b.Subscribe("message.part.sess-1", func(ctx context.Context, e *Event) error {
		done <- struct{}{}
		return context.Canceled
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "message.part.sess-1", NewEvent("message.part", "sess-1", nil)); err != nil {
		t.Fatalf("publisher saw subscriber failure: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}
