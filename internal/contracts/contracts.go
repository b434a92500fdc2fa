package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies the semantic event kind.
type EventType string

const (
	EventSessionCreated    EventType = "session.created"
	EventSessionStarted    EventType = "session.started"
	EventSessionCompleted  EventType = "session.completed"
	EventSessionFaulted    EventType = "session.faulted"
	EventFleetPlacement    EventType = "fleet.placement"
	EventAgentConnected    EventType = "agent.connected"
	EventAgentDisconnected EventType = "agent.disconnected"
)

var validEventTypes = map[EventType]struct{}{
	EventSessionCreated:    {},
	EventSessionStarted:    {},
	EventSessionCompleted:  {},
	EventSessionFaulted:    {},
	EventFleetPlacement:    {},
	EventAgentConnected:    {},
	EventAgentDisconnected: {},
}

// Envelope is the JSON-serializable event envelope shared across services.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TS            time.Time       `json:"ts"`
	CorrelationID string          `json:"correlation_id"`
	SessionID     *string         `json:"session_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

var ErrInvalidEventType = errors.New("invalid event type")

// ValidateEventType verifies whether the provided event type is known.
func ValidateEventType(eventType EventType) error {
	if _, ok := validEventTypes[eventType]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}
	return nil
}

// MarshalV1 marshals an envelope with a v1 payload struct.
func MarshalV1[T any](id string, eventType EventType, ts time.Time, correlationID string, sessionID *string, payload T) ([]byte, error) {
	if err := ValidateEventType(eventType); err != nil {
		return nil, err
	}

	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	env := Envelope{
		ID:            id,
		Type:          eventType,
		TS:            ts,
		CorrelationID: correlationID,
		SessionID:     sessionID,
		Payload:       payloadRaw,
	}

	return json.Marshal(env)
}

// UnmarshalEnvelope unmarshals and validates an event envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := ValidateEventType(env.Type); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// V1 payload schemas.
type SessionCreatedV1 struct {
	SessionID string   `json:"session_id"`
	UserIDs   []string `json:"user_ids,omitempty"`
}

type SessionStartedV1 struct {
	SessionID string `json:"session_id"`
	ServerID  string `json:"server_id,omitempty"`
}

type SessionCompletedV1 struct {
	SessionID string `json:"session_id"`
	Results   int    `json:"results"`
}

type SessionFaultedV1 struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

type FleetPlacementV1 struct {
	SessionID   string `json:"session_id"`
	AgentID     string `json:"agent_id"`
	ContainerID string `json:"container_id"`
	Region      string `json:"region,omitempty"`
}

type AgentConnectedV1 struct {
	AgentID string `json:"agent_id"`
	Region  string `json:"region,omitempty"`
}

type AgentDisconnectedV1 struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

// NATS subject mapping.
const (
	SubjectSessionCreated    = "fgf.session_events.created"
	SubjectSessionStarted    = "fgf.session_events.started"
	SubjectSessionCompleted  = "fgf.session_events.completed"
	SubjectSessionFaulted    = "fgf.session_events.faulted"
	SubjectFleetPlacement    = "fgf.fleet_events.placement"
	SubjectAgentConnected    = "fgf.fleet_events.agent_connected"
	SubjectAgentDisconnected = "fgf.fleet_events.agent_disconnected"
)

// SubjectForType maps a contract event type to its NATS subject.
func SubjectForType(eventType EventType) (string, error) {
	switch eventType {
	case EventSessionCreated:
		return SubjectSessionCreated, nil
	case EventSessionStarted:
		return SubjectSessionStarted, nil
	case EventSessionCompleted:
		return SubjectSessionCompleted, nil
	case EventSessionFaulted:
		return SubjectSessionFaulted, nil
	case EventFleetPlacement:
		return SubjectFleetPlacement, nil
	case EventAgentConnected:
		return SubjectAgentConnected, nil
	case EventAgentDisconnected:
		return SubjectAgentDisconnected, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}
}
