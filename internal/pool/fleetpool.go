package pool

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/internal/fleet"
	"github.com/rs/zerolog"
)

// placer is the slice of the fleet scheduler the pool uses.
type placer interface {
	TryStartServer(ctx context.Context, req fleet.StartRequest) (fleet.Server, error)
	StopServer(ctx context.Context, placement fleet.Placement, graceSeconds uint) error
	QueryLogs(ctx context.Context, placement fleet.Placement, params contracts.ContainerLogsParameters) (<-chan contracts.LogBatch, error)
	OnContainerExit(fn func(agentID, containerID string))
}

// FleetOptions configure a fleet-backed pool.
type FleetOptions struct {
	Image            string
	ClusterEndpoints string
	AccountID        string
	ApplicationName  string
	DeploymentID     string
	ReservedCPU      float64
	ReservedMemory   int64
	CPULimit         float64
	MemoryLimit      int64
	// MaxServers bounds starting+running servers; zero means unbounded.
	MaxServers int
}

// FleetPool provisions servers on the fleet through the scheduler.
type FleetPool struct {
	scheduler placer
	opts      FleetOptions
	logger    zerolog.Logger

	mu          sync.Mutex
	starting    int
	running     map[string]*GameServer // keyed by session id
	exitHandler func(server *GameServer)
}

func NewFleetPool(scheduler placer, opts FleetOptions, logger zerolog.Logger) *FleetPool {
	p := &FleetPool{
		scheduler: scheduler,
		opts:      opts,
		logger:    logger,
		running:   make(map[string]*GameServer),
	}
	scheduler.OnContainerExit(p.handleContainerExit)
	return p
}

func (p *FleetPool) SetExitHandler(fn func(server *GameServer)) {
	p.mu.Lock()
	p.exitHandler = fn
	p.mu.Unlock()
}

// handleContainerExit drops a server whose container the agent reported dead
// and tells the session about it. A server already removed by CloseServer is
// not reported; its death was asked for.
func (p *FleetPool) handleContainerExit(agentID, containerID string) {
	p.mu.Lock()
	var gs *GameServer
	for sessionID, candidate := range p.running {
		if candidate.Placement.AgentID == agentID && candidate.Placement.ContainerID == containerID {
			gs = candidate
			delete(p.running, sessionID)
			break
		}
	}
	fn := p.exitHandler
	p.mu.Unlock()
	if gs == nil {
		return
	}
	p.logger.Warn().
		Str("session_id", gs.SessionID).
		Str("agent_id", agentID).
		Str("container_id", containerID).
		Msg("game server container exited")
	if fn != nil {
		fn(gs)
	}
}

func (p *FleetPool) TryWaitGameServer(ctx context.Context, cfg ServerConfig) (*GameServer, error) {
	p.mu.Lock()
	if p.opts.MaxServers > 0 && p.starting+len(p.running) >= p.opts.MaxServers {
		p.mu.Unlock()
		return nil, ErrPoolFull
	}
	p.starting++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.starting--
		p.mu.Unlock()
	}()

	server, err := p.scheduler.TryStartServer(ctx, fleet.StartRequest{
		SessionID:        cfg.SessionID,
		Name:             containerName(cfg.SessionID),
		Image:            p.opts.Image,
		ReservedCPU:      p.opts.ReservedCPU,
		ReservedMemory:   p.opts.ReservedMemory,
		CPULimit:         p.opts.CPULimit,
		MemoryLimit:      p.opts.MemoryLimit,
		Env:              p.buildEnv(cfg),
		PreferredRegions: cfg.PreferredRegions,
		DeploymentID:     p.opts.DeploymentID,
	})
	if err != nil {
		return nil, err
	}

	gs := &GameServer{
		SessionID: cfg.SessionID,
		Placement: server.Placement,
		Host:      server.Container.AgentID,
		Port:      server.Container.Port,
		StartedAt: time.Now().UTC(),
	}
	p.mu.Lock()
	p.running[cfg.SessionID] = gs
	p.mu.Unlock()
	return gs, nil
}

// buildEnv assembles the environment contract handed to the dedicated
// server process: credentials first, then template custom vars, which may
// not override the credentials.
func (p *FleetPool) buildEnv(cfg ServerConfig) map[string]string {
	env := map[string]string{
		contracts.EnvConnectionToken:   cfg.ConnectionToken,
		contracts.EnvClusterEndpoints:  p.opts.ClusterEndpoints,
		contracts.EnvAuthToken:         cfg.AuthToken,
		contracts.EnvAccountID:         p.opts.AccountID,
		contracts.EnvApplicationName:   p.opts.ApplicationName,
		contracts.EnvTransportEndpoint: cfg.TransportEndpoint,
	}
	for k, v := range cfg.CustomVars {
		if _, reserved := env[k]; reserved {
			continue
		}
		env[k] = v
	}
	return env
}

func (p *FleetPool) CloseServer(ctx context.Context, server *GameServer, graceSeconds uint) error {
	p.mu.Lock()
	delete(p.running, server.SessionID)
	p.mu.Unlock()
	return p.scheduler.StopServer(ctx, server.Placement, graceSeconds)
}

func (p *FleetPool) QueryLogs(ctx context.Context, server *GameServer, params contracts.ContainerLogsParameters) (<-chan contracts.LogBatch, error) {
	return p.scheduler.QueryLogs(ctx, server.Placement, params)
}

func (p *FleetPool) ServersReady() int { return 0 }

func (p *FleetPool) ServersStarting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starting
}

func (p *FleetPool) ServersRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *FleetPool) CanAcceptRequest() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.MaxServers == 0 || p.starting+len(p.running) < p.opts.MaxServers
}

// containerName derives a stable, docker-safe container name from the
// session id.
func containerName(sessionID string) string {
	return "fgf-gs-" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, sessionID)
}
