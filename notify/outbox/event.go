package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType tags the kind of work an outbox event carries. The dispatch
// engine never inspects payloads directly; it routes on this tag through
// the handler registry, so new kinds are added by registering a handler,
// not by changing the engine.
type EventType string

// EventNotificationFanout is the one event kind this core defines: a
// bounded chunk of recipients to receive the same notification.
const EventNotificationFanout EventType = "notification.fanout"

// DefaultMaxPayloadBytes bounds the stored payload size.
const DefaultMaxPayloadBytes = 1 << 20

// Event is a durable intent-to-act row. A crash between "decided" and
// "done" is recoverable by re-scanning pending rows.
type Event struct {
	ID        uuid.UUID
	EventType EventType
	Payload   json.RawMessage
	Status    Status
	Attempts  int
	LastError string
	NextRunAt time.Time
	CreatedBy uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewEvent creates a valid outbox event initialized as pending and
// immediately runnable.
func NewEvent(eventType EventType, payload []byte, createdBy uuid.UUID) (*Event, error) {
	return NewEventWithID(uuid.New(), eventType, payload, createdBy)
}

// NewEventWithID creates a valid pending outbox event using a
// caller-provided ID.
func NewEventWithID(eventID uuid.UUID, eventType EventType, payload []byte, createdBy uuid.UUID) (*Event, error) {
	if eventID == uuid.Nil {
		return nil, fmt.Errorf("outbox event id: id is required")
	}

	eventType = EventType(strings.TrimSpace(string(eventType)))

	if eventType == "" {
		return nil, fmt.Errorf("outbox event type: %w", ErrEventTypeRequired)
	}

	if len(payload) == 0 {
		return nil, fmt.Errorf("outbox event payload: %w", ErrEventPayloadRequired)
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrEventPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrEventPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Event{
		ID:        eventID,
		EventType: eventType,
		Payload:   payload,
		Status:    StatusPending,
		Attempts:  0,
		NextRunAt: now,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Due reports whether the event may be claimed at the given instant.
func (event *Event) Due(now time.Time) bool {
	if event == nil {
		return false
	}

	return event.Status == StatusPending && !event.NextRunAt.After(now)
}
