package session

// Peer is one network connection into a session: a player client or the
// dedicated-server process. The NATS transport and test fakes implement it.
type Peer interface {
	// ID is the transport-level connection id.
	ID() string
	// UserID is the authenticated user, empty when unauthenticated.
	UserID() string
	// IsServer reports whether the peer claims the dedicated-server
	// identity; the claim is verified against the session's credential.
	IsServer() bool
	Credential() string
	Send(route string, payload []byte) error
	Disconnect(reason string) error
}

// PlayerConnection is the coordinator-side record for one roster member.
type PlayerConnection struct {
	UserID      string
	Status      PlayerStatus
	FaultReason string
	IsHost      bool

	peer Peer // nil once disconnected

	// One-shot result slot and the future resolved at aggregation.
	result    []byte
	resultSet bool
	future    chan []byte
}

func newPlayerConnection(userID string) *PlayerConnection {
	return &PlayerConnection{
		UserID: userID,
		Status: PlayerNotConnected,
		future: make(chan []byte, 1),
	}
}

// live reports whether the player still counts as present.
func (p *PlayerConnection) live() bool {
	return p.Status != PlayerDisconnected && p.Status != PlayerNotConnected
}
