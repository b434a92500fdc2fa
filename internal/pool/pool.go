package pool

import (
	"context"
	"errors"
	"time"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/internal/fleet"
)

var (
	// ErrPoolFull is returned when the pool refuses new provisioning work.
	ErrPoolFull = errors.New("server pool is at capacity")
	// ErrExternallyManaged is returned by pools whose servers are
	// provisioned out of band; the session then waits for the server peer
	// to connect on its own.
	ErrExternallyManaged = errors.New("servers are provisioned externally")
	// ErrUnknownServer is returned for operations on a server the pool
	// does not own.
	ErrUnknownServer = errors.New("unknown game server")
)

// GameServer is one provisioned dedicated server instance.
type GameServer struct {
	SessionID string
	Placement fleet.Placement
	Host      string
	Port      uint16
	StartedAt time.Time
}

// ServerConfig carries the per-session inputs for provisioning one server.
type ServerConfig struct {
	SessionID         string
	ConnectionToken   string
	AuthToken         string
	TransportEndpoint string
	PreferredRegions  []string
	// Game-template-defined variables forwarded into the server process.
	CustomVars map[string]string
}

// ServerPool provisions and supervises dedicated game servers. The session
// coordinator depends only on this contract.
type ServerPool interface {
	// TryWaitGameServer provisions a server for the session, blocking
	// until it is running or ctx is canceled.
	TryWaitGameServer(ctx context.Context, cfg ServerConfig) (*GameServer, error)
	// CloseServer shuts a server down, granting graceSeconds before kill.
	CloseServer(ctx context.Context, server *GameServer, graceSeconds uint) error
	QueryLogs(ctx context.Context, server *GameServer, params contracts.ContainerLogsParameters) (<-chan contracts.LogBatch, error)
	// SetExitHandler installs the callback invoked when a provisioned
	// server dies without CloseServer being asked for it. The pool removes
	// the server from its books before calling it.
	SetExitHandler(fn func(server *GameServer))
	// ServersReady reports warm idle servers. Pools that provision on
	// demand always report zero.
	ServersReady() int
	ServersStarting() int
	ServersRunning() int
	CanAcceptRequest() bool
}
