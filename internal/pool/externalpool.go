package pool

import (
	"context"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
)

// ExternalPool represents servers provisioned out of band. The session
// waits for the server peer to connect instead of provisioning one.
type ExternalPool struct{}

func NewExternalPool() *ExternalPool { return &ExternalPool{} }

func (*ExternalPool) TryWaitGameServer(context.Context, ServerConfig) (*GameServer, error) {
	return nil, ErrExternallyManaged
}

func (*ExternalPool) CloseServer(context.Context, *GameServer, uint) error { return nil }

func (*ExternalPool) QueryLogs(context.Context, *GameServer, contracts.ContainerLogsParameters) (<-chan contracts.LogBatch, error) {
	out := make(chan contracts.LogBatch)
	close(out)
	return out, nil
}

func (*ExternalPool) SetExitHandler(func(*GameServer)) {}

func (*ExternalPool) ServersReady() int      { return 0 }
func (*ExternalPool) ServersStarting() int   { return 0 }
func (*ExternalPool) ServersRunning() int    { return 0 }
func (*ExternalPool) CanAcceptRequest() bool { return true }
