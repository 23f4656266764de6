// Package bus provides the event bus carrying normalized inbound events from
// the ingest transport to the dispatcher.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subjects used on the bus.
const (
	SubjectInbound = "cyrus.events.inbound"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"` // component that produced the event
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
// The payload is marshaled into Data; a marshal failure returns an error.
func NewEvent(eventType, source string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the interface for event bus operations. Two implementations
// exist: an in-process bus (default) and a NATS-backed one for deployments
// where the ingest transport runs out of process.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
