package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Billing events
	EventCycleBilled       EventType = "billing.cycle_billed"
	EventCycleFailed       EventType = "billing.cycle_failed"
	EventInsufficientFunds EventType = "billing.insufficient_funds"
	EventSweepCompleted    EventType = "billing.sweep_completed"

	// Instance events
	EventLifecycleChanged EventType = "instance.lifecycle_changed"
	EventInstanceDeleted  EventType = "instance.deleted"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// AccountID is the account this event belongs to (optional for system events)
	AccountID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, accountID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AccountID: accountID,
		Payload:   payload,
	}
}
