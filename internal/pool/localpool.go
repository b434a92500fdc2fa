package pool

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/internal/fleet"
	"github.com/forgelight-games/forgelight-fleet/internal/ledger"
	"github.com/rs/zerolog"
)

const localLogLines = 1000

// LocalOptions configure a local development pool.
type LocalOptions struct {
	Executable       string
	WorkDir          string
	ClusterEndpoints string
	AccountID        string
	ApplicationName  string
	PortFirst        uint16
	PortLast         uint16
	MaxServers       int
}

// LocalPool spawns dedicated servers as child processes on the coordinating
// machine. Development use only.
type LocalPool struct {
	opts   LocalOptions
	ports  *ledger.PortAllocator
	logger zerolog.Logger

	mu          sync.Mutex
	starting    int
	servers     map[string]*localServer // keyed by session id
	exitHandler func(server *GameServer)
}

type localServer struct {
	gs      *GameServer
	cmd     *exec.Cmd
	lease   *ledger.PortLease
	logs    *logBuffer
	done    chan struct{}
	closing bool
}

func NewLocalPool(opts LocalOptions, logger zerolog.Logger) (*LocalPool, error) {
	ports, err := ledger.NewPortAllocator(opts.PortFirst, opts.PortLast)
	if err != nil {
		return nil, err
	}
	return &LocalPool{
		opts:    opts,
		ports:   ports,
		logger:  logger,
		servers: make(map[string]*localServer),
	}, nil
}

func (p *LocalPool) TryWaitGameServer(ctx context.Context, cfg ServerConfig) (*GameServer, error) {
	p.mu.Lock()
	if p.opts.MaxServers > 0 && p.starting+len(p.servers) >= p.opts.MaxServers {
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

	lease, err := p.ports.Acquire()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(p.opts.Executable)
	cmd.Dir = p.opts.WorkDir
	cmd.Env = append(cmd.Environ(),
		contracts.EnvConnectionToken+"="+cfg.ConnectionToken,
		contracts.EnvClusterEndpoints+"="+p.opts.ClusterEndpoints,
		contracts.EnvAuthToken+"="+cfg.AuthToken,
		contracts.EnvAccountID+"="+p.opts.AccountID,
		contracts.EnvApplicationName+"="+p.opts.ApplicationName,
		contracts.EnvTransportEndpoint+"="+cfg.TransportEndpoint,
		contracts.EnvServerPort+"="+strconv.Itoa(int(lease.Port())),
	)
	for k, v := range cfg.CustomVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	logs := newLogBuffer(localLogLines)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		lease.Release()
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		lease.Release()
		return nil, fmt.Errorf("spawning %s: %w", p.opts.Executable, err)
	}
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			logs.append(scanner.Text())
		}
	}()

	gs := &GameServer{
		SessionID: cfg.SessionID,
		Placement: fleet.Placement{AgentID: "local", ContainerID: strconv.Itoa(cmd.Process.Pid)},
		Host:      "127.0.0.1",
		Port:      lease.Port(),
		StartedAt: time.Now().UTC(),
	}
	server := &localServer{gs: gs, cmd: cmd, lease: lease, logs: logs, done: make(chan struct{})}
	p.mu.Lock()
	p.servers[cfg.SessionID] = server
	p.mu.Unlock()

	go p.reap(server)
	return gs, nil
}

// reap waits for the process to exit, whatever the cause, and releases its
// resources exactly once. An exit nobody asked for is reported to the exit
// handler.
func (p *LocalPool) reap(server *localServer) {
	err := server.cmd.Wait()
	close(server.done)

	p.mu.Lock()
	delete(p.servers, server.gs.SessionID)
	closing := server.closing
	fn := p.exitHandler
	p.mu.Unlock()
	server.lease.Release()

	evt := p.logger.Info()
	if err != nil {
		evt = p.logger.Warn().Err(err)
	}
	evt.Str("session_id", server.gs.SessionID).Msg("local game server exited")

	if !closing && fn != nil {
		fn(server.gs)
	}
}

func (p *LocalPool) CloseServer(ctx context.Context, gs *GameServer, graceSeconds uint) error {
	p.mu.Lock()
	server, ok := p.servers[gs.SessionID]
	if ok {
		server.closing = true
	}
	p.mu.Unlock()
	if !ok {
		return nil // already exited and reaped
	}

	if err := server.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return server.cmd.Process.Kill()
	}
	grace := time.NewTimer(time.Duration(graceSeconds) * time.Second)
	defer grace.Stop()
	select {
	case <-server.done:
		return nil
	case <-ctx.Done():
	case <-grace.C:
	}
	return server.cmd.Process.Kill()
}

func (p *LocalPool) QueryLogs(_ context.Context, gs *GameServer, _ contracts.ContainerLogsParameters) (<-chan contracts.LogBatch, error) {
	p.mu.Lock()
	server, ok := p.servers[gs.SessionID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, gs.SessionID)
	}
	out := make(chan contracts.LogBatch, 1)
	out <- contracts.LogBatch{Lines: server.logs.snapshot()}
	close(out)
	return out, nil
}

func (p *LocalPool) SetExitHandler(fn func(server *GameServer)) {
	p.mu.Lock()
	p.exitHandler = fn
	p.mu.Unlock()
}

func (p *LocalPool) ServersReady() int { return 0 }

func (p *LocalPool) ServersStarting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starting
}

func (p *LocalPool) ServersRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}

func (p *LocalPool) CanAcceptRequest() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.MaxServers == 0 || p.starting+len(p.servers) < p.opts.MaxServers
}

// logBuffer keeps the last max lines of process output.
type logBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newLogBuffer(max int) *logBuffer {
	return &logBuffer{max: max}
}

func (b *logBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *logBuffer) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}
