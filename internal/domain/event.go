package domain

import (
	"context"
	"time"
)

// EventType enumerates the lifecycle events the engine emits for chat,
// activity-feed, and notification collaborators. The engine only publishes;
// it never calls consumers directly.
type EventType string

const (
	EventSessionCreated    EventType = "session_created"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"
	EventSessionFull       EventType = "session_full"
	EventSessionConfirmed  EventType = "session_confirmed"
	EventSessionCancelled  EventType = "session_cancelled"
	EventSessionProcessing EventType = "session_processing"
	EventSessionCompleted  EventType = "session_completed"
	EventChargeSucceeded   EventType = "charge_succeeded"
	EventChargeFailed      EventType = "charge_failed"
	EventRefundSucceeded   EventType = "refund_succeeded"
	EventRefundFailed      EventType = "refund_failed"
)

// Event is one lifecycle occurrence in a session.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	SessionID     string         `json:"session_id"`
	ParticipantID string         `json:"participant_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// EventSink receives lifecycle events. Implementations must not block the
// engine; slow delivery belongs behind a buffer or a bus.
type EventSink interface {
	Emit(ctx context.Context, evt Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ctx context.Context, evt Event)

// Emit calls f(ctx, evt).
func (f EventSinkFunc) Emit(ctx context.Context, evt Event) { f(ctx, evt) }

// StreamMessage is a single durable message read back from the event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}
