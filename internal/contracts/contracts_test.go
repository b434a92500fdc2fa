package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMarshalV1RoundTrip(t *testing.T) {
	t.Parallel()
	ts := time.Now().UTC().Round(time.Second)
	sessionID := "sess-1"

	raw, err := MarshalV1("evt-1", EventFleetPlacement, ts, "corr-1", &sessionID, FleetPlacementV1{
		SessionID:   "sess-1",
		AgentID:     "agent-1",
		ContainerID: "ctr-1",
		Region:      "eu",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != EventFleetPlacement || env.CorrelationID != "corr-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.SessionID == nil || *env.SessionID != "sess-1" {
		t.Fatalf("session id not carried: %+v", env.SessionID)
	}
	if !env.TS.Equal(ts) {
		t.Fatalf("ts = %v, want %v", env.TS, ts)
	}

	var payload FleetPlacementV1
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.AgentID != "agent-1" || payload.ContainerID != "ctr-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestMarshalV1RejectsUnknownType(t *testing.T) {
	t.Parallel()
	if _, err := MarshalV1("evt-1", EventType("made.up"), time.Now(), "corr-1", nil, struct{}{}); !errors.Is(err, ErrInvalidEventType) {
		t.Fatalf("err = %v, want ErrInvalidEventType", err)
	}
}

func TestUnmarshalEnvelopeRejectsUnknownType(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"id":"evt-1","type":"made.up","ts":"2026-01-01T00:00:00Z","correlation_id":"c","payload":{}}`)
	if _, err := UnmarshalEnvelope(raw); !errors.Is(err, ErrInvalidEventType) {
		t.Fatalf("err = %v, want ErrInvalidEventType", err)
	}
}

func TestSubjectForTypeCoversAllEventTypes(t *testing.T) {
	t.Parallel()
	for eventType := range validEventTypes {
		subject, err := SubjectForType(eventType)
		if err != nil {
			t.Fatalf("SubjectForType(%s): %v", eventType, err)
		}
		if subject == "" {
			t.Fatalf("SubjectForType(%s) returned empty subject", eventType)
		}
	}
	if _, err := SubjectForType(EventType("made.up")); !errors.Is(err, ErrInvalidEventType) {
		t.Fatalf("err = %v, want ErrInvalidEventType", err)
	}
}
