// Package bus provides event bus abstractions for Runforge.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
// Events are transient: consumed by subscribers, never persisted.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	SessionID  string                 `json:"session_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, sessionID string, properties map[string]interface{}) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		SessionID:  sessionID,
		Timestamp:  time.Now().UTC(),
		Properties: properties,
	}
}

// EventHandler is a function that handles an event.
// Delivery is best-effort: handler errors are logged by the bus, not retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
