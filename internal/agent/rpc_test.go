package agent

import (
	"context"
	"testing"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/rs/zerolog"
)

func TestNewServerAssignsBootNonce(t *testing.T) {
	s := NewServer(nil, nil, contracts.AgentDescription{ID: "agent-1"}, zerolog.Nop())
	if s.desc.BootID == "" {
		t.Fatal("boot nonce must be assigned when the description has none")
	}

	s = NewServer(nil, nil, contracts.AgentDescription{ID: "agent-1", BootID: "boot-7"}, zerolog.Nop())
	if s.desc.BootID != "boot-7" {
		t.Fatalf("caller-provided boot nonce replaced: %q", s.desc.BootID)
	}
}

func TestStopStreamEndsProducers(t *testing.T) {
	s := NewServer(nil, nil, contracts.AgentDescription{ID: "agent-1"}, zerolog.Nop())

	logCtx := s.trackLogStream(context.Background(), "inbox.logs")
	s.mu.Lock()
	s.streams["inbox.events"] = struct{}{}
	s.mu.Unlock()

	s.stopStream("inbox.logs")
	select {
	case <-logCtx.Done():
	default:
		t.Fatal("log producer context must be canceled on stopStream")
	}

	s.stopStream("inbox.events")
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.streams) != 0 {
		t.Fatalf("event stream subjects leaked: %d", len(s.streams))
	}
	if len(s.logStreams) != 0 {
		t.Fatalf("log stream entries leaked: %d", len(s.logStreams))
	}
}

func TestTrackLogStreamReplacesDuplicateSubject(t *testing.T) {
	s := NewServer(nil, nil, contracts.AgentDescription{ID: "agent-1"}, zerolog.Nop())

	first := s.trackLogStream(context.Background(), "inbox.logs")
	second := s.trackLogStream(context.Background(), "inbox.logs")

	select {
	case <-first.Done():
	default:
		t.Fatal("re-requesting a subject must cancel the old producer")
	}
	select {
	case <-second.Done():
		t.Fatal("fresh producer canceled")
	default:
	}

	s.untrackLogStream("inbox.logs")
	select {
	case <-second.Done():
	default:
		t.Fatal("untrack must cancel the registered producer")
	}
}
