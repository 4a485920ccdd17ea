package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType names an emitted event routed by notification subscriptions.
type EventType string

const (
	// EventAlertCreated is emitted when a new open alert is persisted.
	EventAlertCreated EventType = "alert.created"
	// EventAlertEscalated is emitted on each escalation step.
	EventAlertEscalated EventType = "alert.escalated"
	// EventAlertAcknowledged is emitted when an open alert is acknowledged.
	EventAlertAcknowledged EventType = "alert.acknowledged"
	// EventSessionCreated is emitted for a newly seen session.
	EventSessionCreated EventType = "session.created"
	// EventSessionStarted is emitted when a session enters in_progress.
	EventSessionStarted EventType = "session.started"
	// EventSessionCompleted is emitted when a session is completed.
	EventSessionCompleted EventType = "session.completed"
	// EventSessionCancelled is emitted when a session is cancelled.
	EventSessionCancelled EventType = "session.cancelled"
	// EventWebhookTest is the synthetic event sent by manual webhook test.
	EventWebhookTest EventType = "webhook.test"
)

// Event is one emitted event with free-form payload.
// Params: unique ID, event type, JSON payload, and emission time.
// Returns: dispatcher input.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"timestamp"`
}

// NewEvent builds event with JSON-encoded payload.
// Params: event ID, type, payload value, and timestamp.
// Returns: event or payload encode error.
func NewEvent(id string, eventType EventType, payload any, at time.Time) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{ID: id, Type: eventType, Payload: body, OccurredAt: at.UTC()}, nil
}

// TelemetryKind distinguishes ingest message shapes.
type TelemetryKind string

const (
	// TelemetrySession carries a session record upsert.
	TelemetrySession TelemetryKind = "session"
	// TelemetrySample carries one depth sample.
	TelemetrySample TelemetryKind = "sample"
)

// TelemetryMessage is one inbound record from dive-operations collaborators.
// Params: kind plus exactly one of session or sample.
// Returns: validated ingest unit.
type TelemetryMessage struct {
	Kind    TelemetryKind `json:"kind"`
	Session *Session      `json:"session,omitempty"`
	Sample  *DepthSample  `json:"sample,omitempty"`
}

// SessionID returns session referenced by message.
// Params: none.
// Returns: session ID or empty string.
func (m TelemetryMessage) SessionID() string {
	switch m.Kind {
	case TelemetrySession:
		if m.Session != nil {
			return m.Session.ID
		}
	case TelemetrySample:
		if m.Sample != nil {
			return m.Sample.SessionID
		}
	}
	return ""
}

// Validate checks message envelope and embedded record.
// Params: none.
// Returns: validation error when envelope is inconsistent.
func (m TelemetryMessage) Validate() error {
	switch m.Kind {
	case TelemetrySession:
		if m.Session == nil {
			return errors.New("session is required for kind=session")
		}
		if m.Sample != nil {
			return errors.New("only session must be set for kind=session")
		}
		return m.Session.Validate()
	case TelemetrySample:
		if m.Sample == nil {
			return errors.New("sample is required for kind=sample")
		}
		if m.Session != nil {
			return errors.New("only sample must be set for kind=sample")
		}
		return m.Sample.Validate()
	default:
		return fmt.Errorf("unsupported kind %q", m.Kind)
	}
}

// DecodeTelemetry decodes and validates one telemetry message.
// Params: JSON document bytes.
// Returns: validated message or decode/validation error.
func DecodeTelemetry(raw []byte) (TelemetryMessage, error) {
	var message TelemetryMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return TelemetryMessage{}, fmt.Errorf("decode telemetry: %w", err)
	}
	if err := message.Validate(); err != nil {
		return TelemetryMessage{}, err
	}
	return message, nil
}

// DecodeTelemetryReader decodes and validates one telemetry message from stream.
// Params: decoder positioned at one JSON object.
// Returns: validated message or decode/validation error.
func DecodeTelemetryReader(reader *json.Decoder) (TelemetryMessage, error) {
	var message TelemetryMessage
	if err := reader.Decode(&message); err != nil {
		return TelemetryMessage{}, fmt.Errorf("decode telemetry: %w", err)
	}
	if err := message.Validate(); err != nil {
		return TelemetryMessage{}, err
	}
	return message, nil
}

// DecodeTelemetryBatchReader decodes and validates one JSON array of telemetry messages.
// Params: decoder positioned at one JSON array.
// Returns: validated messages or decode/validation error.
func DecodeTelemetryBatchReader(reader *json.Decoder) ([]TelemetryMessage, error) {
	var messages []TelemetryMessage
	if err := reader.Decode(&messages); err != nil {
		return nil, fmt.Errorf("decode telemetry batch: %w", err)
	}
	if len(messages) == 0 {
		return nil, errors.New("telemetry batch must contain at least one message")
	}
	for i := range messages {
		if err := messages[i].Validate(); err != nil {
			return nil, fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return messages, nil
}

// NormalizeEventType lowercases and trims event type strings from config/API.
func NormalizeEventType(value string) EventType {
	return EventType(strings.ToLower(strings.TrimSpace(value)))
}
