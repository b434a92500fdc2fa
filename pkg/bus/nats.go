package bus

import (
	"context"

	"github.com/nats-io/nats.go"
)

// Cluster-internal subject layout. Per-agent RPC operations live under
// fgf.agent.<agentId>.<op>; session protocol routes under
// fgf.session.<sessionId>.<route>; peer deliveries under fgf.peer.<peerId>.<route>.
const (
	SubjectAgentHello = "fgf.fleet.hello"
	SubjectAgentBye   = "fgf.fleet.bye"

	agentSubjectPrefix   = "fgf.agent."
	peerSubjectPrefix    = "fgf.peer."
	sessionSubjectPrefix = "fgf.session."
)

// Connect creates a NATS connection for message bus communication.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

// AgentSubject returns the request subject for one RPC operation on an agent.
func AgentSubject(agentID, op string) string {
	return agentSubjectPrefix + agentID + "." + op
}

// PeerSubject returns the delivery subject for one protocol route of a peer.
func PeerSubject(peerID, route string) string {
	return peerSubjectPrefix + peerID + "." + route
}

// SessionSubject returns the inbound subject for one protocol route of a session.
func SessionSubject(sessionID, route string) string {
	return sessionSubjectPrefix + sessionID + "." + route
}

// SessionWildcard matches every inbound route of a session.
func SessionWildcard(sessionID string) string {
	return sessionSubjectPrefix + sessionID + ".>"
}

// SubscribeStream consumes a chunked stream published on subject into a
// bounded channel. An empty payload marks the end of the stream. The
// subscription is dropped and the channel closed when ctx is canceled, so
// cancellation on the consumer side also signals producer-side interest loss.
func SubscribeStream(ctx context.Context, nc *nats.Conn, subject string, buffer int) (<-chan []byte, error) {
	out := make(chan []byte, buffer)
	inbox := make(chan *nats.Msg, buffer)

	sub, err := nc.ChanSubscribe(subject, inbox)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-inbox:
				if len(msg.Data) == 0 {
					return
				}
				select {
				case <-ctx.Done():
					return
				case out <- msg.Data:
				}
			}
		}
	}()

	return out, nil
}

// EndStream publishes the end-of-stream marker for subject.
func EndStream(nc *nats.Conn, subject string) error {
	return nc.Publish(subject, nil)
}
