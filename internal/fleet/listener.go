package fleet

import (
	"context"
	"encoding/json"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/pkg/bus"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Listener wires agent hello/bye announcements into the scheduler registry.
type Listener struct {
	nc        *nats.Conn
	scheduler *Scheduler
	logger    zerolog.Logger
	subs      []*nats.Subscription
}

func NewListener(nc *nats.Conn, scheduler *Scheduler, logger zerolog.Logger) *Listener {
	return &Listener{nc: nc, scheduler: scheduler, logger: logger}
}

// Start subscribes the handshake subjects. Connected agents get a
// NATSAgentClient bound to their RPC subjects.
func (l *Listener) Start(ctx context.Context) error {
	hello, err := l.nc.Subscribe(bus.SubjectAgentHello, func(msg *nats.Msg) {
		var desc contracts.AgentDescription
		if err := json.Unmarshal(msg.Data, &desc); err != nil || desc.ID == "" {
			l.logger.Warn().Err(err).Msg("malformed agent hello")
			return
		}
		l.scheduler.AgentConnected(ctx, desc, NewNATSAgentClient(l.nc, desc.ID))
	})
	if err != nil {
		return err
	}
	l.subs = append(l.subs, hello)

	bye, err := l.nc.Subscribe(bus.SubjectAgentBye, func(msg *nats.Msg) {
		var desc contracts.AgentDescription
		if err := json.Unmarshal(msg.Data, &desc); err != nil || desc.ID == "" {
			return
		}
		l.scheduler.AgentDisconnected(desc.ID, "agent said goodbye")
	})
	if err != nil {
		_ = hello.Unsubscribe()
		return err
	}
	l.subs = append(l.subs, bye)
	return nil
}

func (l *Listener) Close() {
	for _, sub := range l.subs {
		_ = sub.Unsubscribe()
	}
	l.subs = nil
}
