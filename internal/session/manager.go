package session

import (
	"context"
	"errors"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

var ErrSessionExists = errors.New("session already exists")

// Manager creates and tears down session coordinators hosted by this
// process, binding each to its NATS transport subjects.
type Manager struct {
	ctx      context.Context
	registry *Registry
	opts     Options
	nc       *nats.Conn
	logger   zerolog.Logger

	mu       sync.Mutex
	bindings map[string]*Binding
}

// NewManager builds a manager. nc may be nil, in which case sessions have
// no NATS transport binding (tests, embedded use).
func NewManager(ctx context.Context, registry *Registry, opts Options, nc *nats.Conn, logger zerolog.Logger) *Manager {
	return &Manager{
		ctx:      ctx,
		registry: registry,
		opts:     opts,
		nc:       nc,
		logger:   logger,
		bindings: make(map[string]*Binding),
	}
}

// CreateSession spins up a coordinator for cfg and subscribes its inbound
// subjects.
func (m *Manager) CreateSession(cfg Config) (*Coordinator, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = newUUID()
	}
	if _, exists := m.registry.Get(cfg.SessionID); exists {
		return nil, ErrSessionExists
	}

	coordinator := NewCoordinator(m.ctx, cfg, m.opts, m.logger)
	if !m.registry.AddIfAbsent(coordinator) {
		// Lost a race against a concurrent create for the same id.
		coordinator.cancel()
		return nil, ErrSessionExists
	}

	if m.nc != nil {
		binding := NewBinding(m.nc, coordinator, m.logger)
		if err := binding.Start(); err != nil {
			m.registry.Remove(cfg.SessionID)
			coordinator.Shutdown(m.ctx)
			return nil, err
		}
		m.mu.Lock()
		m.bindings[cfg.SessionID] = binding
		m.mu.Unlock()
	}

	m.logger.Info().Str("session_id", cfg.SessionID).Msg("session created")
	return coordinator, nil
}

// CloseSession shuts a hosted session down and drops its subscriptions.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	coordinator, ok := m.registry.Get(sessionID)
	if !ok {
		return ErrSessionClosed
	}
	m.mu.Lock()
	if binding, ok := m.bindings[sessionID]; ok {
		binding.Close()
		delete(m.bindings, sessionID)
	}
	m.mu.Unlock()

	coordinator.Shutdown(ctx)
	m.registry.Remove(sessionID)
	return nil
}
