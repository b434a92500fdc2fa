package session

import (
	"encoding/json"
	"strings"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/pkg/bus"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// peerMessage is the inbound frame on fgf.session.<id>.<route>.
type peerMessage struct {
	PeerID     string          `json:"peer_id"`
	UserID     string          `json:"user_id,omitempty"`
	Server     bool            `json:"server,omitempty"`
	Credential string          `json:"credential,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NATSPeer delivers routed messages to a remote peer over its delivery
// subjects.
type NATSPeer struct {
	nc         *nats.Conn
	id         string
	userID     string
	credential string
	server     bool
}

func (p *NATSPeer) ID() string         { return p.id }
func (p *NATSPeer) UserID() string     { return p.userID }
func (p *NATSPeer) IsServer() bool     { return p.server }
func (p *NATSPeer) Credential() string { return p.credential }

func (p *NATSPeer) Send(route string, payload []byte) error {
	return p.nc.Publish(bus.PeerSubject(p.id, route), payload)
}

func (p *NATSPeer) Disconnect(reason string) error {
	return p.nc.Publish(bus.PeerSubject(p.id, contracts.RouteDisconnect), []byte(reason))
}

// Binding subscribes one coordinator to its session's inbound subjects and
// dispatches protocol routes.
type Binding struct {
	nc          *nats.Conn
	coordinator *Coordinator
	logger      zerolog.Logger
	sub         *nats.Subscription
}

func NewBinding(nc *nats.Conn, coordinator *Coordinator, logger zerolog.Logger) *Binding {
	return &Binding{
		nc:          nc,
		coordinator: coordinator,
		logger:      logger.With().Str("session_id", coordinator.cfg.SessionID).Logger(),
	}
}

func (b *Binding) Start() error {
	sessionID := b.coordinator.cfg.SessionID
	prefix := bus.SessionSubject(sessionID, "")
	sub, err := b.nc.Subscribe(bus.SessionWildcard(sessionID), func(msg *nats.Msg) {
		b.dispatch(strings.TrimPrefix(msg.Subject, prefix), msg)
	})
	if err != nil {
		return err
	}
	b.sub = sub
	return nil
}

func (b *Binding) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
}

func (b *Binding) dispatch(route string, msg *nats.Msg) {
	var frame peerMessage
	if err := json.Unmarshal(msg.Data, &frame); err != nil || frame.PeerID == "" {
		b.logger.Warn().Err(err).Str("route", route).Msg("malformed peer message")
		return
	}
	peer := &NATSPeer{
		nc:         b.nc,
		id:         frame.PeerID,
		userID:     frame.UserID,
		credential: frame.Credential,
		server:     frame.Server,
	}

	switch route {
	case contracts.RouteConnect:
		if err := b.coordinator.Connecting(peer); err != nil {
			b.respondErr(msg, err)
			return
		}
		if err := b.coordinator.Connected(peer); err != nil {
			b.respondErr(msg, err)
			return
		}
		b.respondOK(msg)
	case contracts.RouteReady:
		if err := b.coordinator.ReceivedReady(peer); err != nil {
			b.respondErr(msg, err)
			return
		}
		b.respondOK(msg)
	case contracts.RouteFaulted:
		b.coordinator.ReceivedFaulted(peer, frame.Reason)
		b.respondOK(msg)
	case contracts.RouteDisconnect:
		b.coordinator.Disconnecting(peer)
		b.respondOK(msg)
	case contracts.RoutePostResults:
		future, err := b.coordinator.PostResult(peer, frame.Payload)
		if err != nil {
			b.respondErr(msg, err)
			return
		}
		// The reply resolves when aggregation fires.
		go func() {
			final := <-future
			if msg.Reply != "" {
				_ = msg.Respond(final)
			}
		}()
	default:
		b.logger.Debug().Str("route", route).Msg("unknown session route")
	}
}

func (b *Binding) respondOK(msg *nats.Msg) {
	if msg.Reply != "" {
		_ = msg.Respond([]byte(`{}`))
	}
}

func (b *Binding) respondErr(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	_ = msg.Respond(payload)
}
