package session

import (
	"errors"
	"time"
)

// SessionStatus is the session lifecycle state. Transitions are monotonic
// except for the Faulted -> WaitingPlayers reset gated by the restart
// policy.
type SessionStatus byte

const (
	StatusWaitingPlayers SessionStatus = iota
	StatusAllPlayersConnected
	StatusStarting
	StatusStarted
	StatusShutdown
	StatusFaulted
)

func (s SessionStatus) String() string {
	switch s {
	case StatusWaitingPlayers:
		return "waitingPlayers"
	case StatusAllPlayersConnected:
		return "allPlayersConnected"
	case StatusStarting:
		return "starting"
	case StatusStarted:
		return "started"
	case StatusShutdown:
		return "shutdown"
	case StatusFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// PlayerStatus tracks one roster member's connection state.
type PlayerStatus byte

const (
	PlayerNotConnected PlayerStatus = iota
	PlayerConnected
	PlayerReady
	PlayerFaulted
	PlayerDisconnected
)

func (s PlayerStatus) String() string {
	switch s {
	case PlayerNotConnected:
		return "notConnected"
	case PlayerConnected:
		return "connected"
	case PlayerReady:
		return "ready"
	case PlayerFaulted:
		return "faulted"
	case PlayerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxResultSize caps one player's submitted result payload.
	DefaultMaxResultSize = 1 << 20
	// DefaultEmptyGraceDelay is how long an empty session lingers before
	// the no-player-left shutdown re-check.
	DefaultEmptyGraceDelay = 60 * time.Second
	// shutdownGraceSeconds is granted to the dedicated process between the
	// shutdown notice and the kill.
	shutdownGraceSeconds = 10
)

// DisconnectReasonCompleted is sent to peers when the session finishes.
const DisconnectReasonCompleted = "gamesession.completed"

// ReasonResultsTooBig is the client-visible rejection for oversized results.
const ReasonResultsTooBig = "gameSession.resultsTooBig?maxSize=1Mb"

var (
	ErrUnauthenticated     = errors.New("peer is not authenticated")
	ErrNotInRoster         = errors.New("user is not part of this session")
	ErrBadServerCredential = errors.New("server credential mismatch")
	ErrAlreadyConnected    = errors.New("user already has a live connection")
	ErrNotStarted          = errors.New("session has not started")
	ErrNotConnected        = errors.New("user is not connected to this session")
	ErrResultsTooBig       = errors.New(ReasonResultsTooBig)
	ErrSessionClosed       = errors.New("session is shut down")
)

// Config is the session's immutable configuration, populated once at
// creation.
type Config struct {
	SessionID string
	// Roster lists the user ids expected in this session. An empty roster
	// with Public set makes the session open.
	Roster []string
	// GameParameters are template-defined variables forwarded to the
	// dedicated server environment.
	GameParameters map[string]string
	Public         bool
	// DedicatedServer selects server-hosted over listen-server style.
	DedicatedServer bool
	// ServerCredential must be presented by the dedicated-server identity.
	ServerCredential string
	// CanRestart allows a Faulted session to reset to WaitingPlayers after
	// a failed start.
	CanRestart bool
	// CloseWhenEmpty tears the instance down once no player remains,
	// after EmptyGraceDelay.
	CloseWhenEmpty   bool
	EmptyGraceDelay  time.Duration
	PreferredRegions []string
	MaxResultSize    int64
}

func (c Config) withDefaults() Config {
	if c.MaxResultSize == 0 {
		c.MaxResultSize = DefaultMaxResultSize
	}
	if c.EmptyGraceDelay == 0 {
		c.EmptyGraceDelay = DefaultEmptyGraceDelay
	}
	return c
}

func (c Config) inRoster(userID string) bool {
	for _, id := range c.Roster {
		if id == userID {
			return true
		}
	}
	return false
}
