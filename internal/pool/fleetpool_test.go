package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/internal/fleet"
	"github.com/rs/zerolog"
)

type fakePlacer struct {
	mu       sync.Mutex
	lastReq  fleet.StartRequest
	startErr error
	block    chan struct{}
	stopped  []fleet.Placement
	exitFn   func(agentID, containerID string)
}

func (f *fakePlacer) TryStartServer(ctx context.Context, req fleet.StartRequest) (fleet.Server, error) {
	f.mu.Lock()
	f.lastReq = req
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return fleet.Server{}, ctx.Err()
		}
	}
	if f.startErr != nil {
		return fleet.Server{}, f.startErr
	}
	return fleet.Server{
		Placement: fleet.Placement{AgentID: "agent-1", ContainerID: "c-9"},
		Container: contracts.ContainerDescription{ContainerID: "c-9", AgentID: "agent-1", Port: 40001},
	}, nil
}

func (f *fakePlacer) StopServer(_ context.Context, placement fleet.Placement, _ uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, placement)
	return nil
}

func (f *fakePlacer) QueryLogs(context.Context, fleet.Placement, contracts.ContainerLogsParameters) (<-chan contracts.LogBatch, error) {
	out := make(chan contracts.LogBatch)
	close(out)
	return out, nil
}

func (f *fakePlacer) OnContainerExit(fn func(agentID, containerID string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitFn = fn
}

func (f *fakePlacer) exit(agentID, containerID string) {
	f.mu.Lock()
	fn := f.exitFn
	f.mu.Unlock()
	fn(agentID, containerID)
}

func testOptions() FleetOptions {
	return FleetOptions{
		Image:            "game/server:1",
		ClusterEndpoints: "nats://a,nats://b",
		AccountID:        "acc-1",
		ApplicationName:  "shooter",
		ReservedCPU:      1,
		ReservedMemory:   1024,
	}
}

func TestFleetPoolBuildsEnvironmentContract(t *testing.T) {
	placer := &fakePlacer{}
	p := NewFleetPool(placer, testOptions(), zerolog.Nop())

	gs, err := p.TryWaitGameServer(context.Background(), ServerConfig{
		SessionID:         "Sess One",
		ConnectionToken:   "tok-conn",
		AuthToken:         "tok-auth",
		TransportEndpoint: "udp://1.2.3.4:40001",
		CustomVars: map[string]string{
			"MAP_NAME":                   "arena",
			contracts.EnvConnectionToken: "spoofed",
		},
	})
	if err != nil {
		t.Fatalf("TryWaitGameServer: %v", err)
	}

	env := placer.lastReq.Env
	if env[contracts.EnvConnectionToken] != "tok-conn" {
		t.Fatal("custom vars must not override the credential contract")
	}
	if env[contracts.EnvClusterEndpoints] != "nats://a,nats://b" {
		t.Fatalf("cluster endpoints missing: %v", env)
	}
	if env[contracts.EnvAuthToken] != "tok-auth" || env[contracts.EnvAccountID] != "acc-1" || env[contracts.EnvApplicationName] != "shooter" {
		t.Fatalf("credential env incomplete: %v", env)
	}
	if env["MAP_NAME"] != "arena" {
		t.Fatal("template custom var dropped")
	}
	if placer.lastReq.Name != "fgf-gs-sess-one" {
		t.Fatalf("container name not sanitized: %q", placer.lastReq.Name)
	}
	if gs.Port != 40001 {
		t.Fatalf("server port not taken from container description: %d", gs.Port)
	}
}

func TestFleetPoolRoundTripsPlacement(t *testing.T) {
	placer := &fakePlacer{}
	p := NewFleetPool(placer, testOptions(), zerolog.Nop())

	gs, err := p.TryWaitGameServer(context.Background(), ServerConfig{SessionID: "s1"})
	if err != nil {
		t.Fatalf("TryWaitGameServer: %v", err)
	}
	if p.ServersRunning() != 1 {
		t.Fatalf("running = %d", p.ServersRunning())
	}

	if err := p.CloseServer(context.Background(), gs, 10); err != nil {
		t.Fatalf("CloseServer: %v", err)
	}
	if p.ServersRunning() != 0 {
		t.Fatalf("running after close = %d", p.ServersRunning())
	}
	if len(placer.stopped) != 1 || placer.stopped[0] != gs.Placement {
		t.Fatalf("stop must receive the placement returned at start, got %v", placer.stopped)
	}
}

func TestFleetPoolDropsDeadContainer(t *testing.T) {
	placer := &fakePlacer{}
	p := NewFleetPool(placer, testOptions(), zerolog.Nop())

	var mu sync.Mutex
	var exited []*GameServer
	p.SetExitHandler(func(gs *GameServer) {
		mu.Lock()
		exited = append(exited, gs)
		mu.Unlock()
	})

	if _, err := p.TryWaitGameServer(context.Background(), ServerConfig{SessionID: "s1"}); err != nil {
		t.Fatalf("TryWaitGameServer: %v", err)
	}
	if p.ServersRunning() != 1 {
		t.Fatalf("running = %d", p.ServersRunning())
	}

	placer.exit("agent-1", "c-9")

	if p.ServersRunning() != 0 {
		t.Fatalf("dead container still counted as running: %d", p.ServersRunning())
	}
	mu.Lock()
	if len(exited) != 1 || exited[0].SessionID != "s1" {
		t.Fatalf("exit handler calls = %v", exited)
	}
	mu.Unlock()

	// The server is off the books; a repeated report must not fan out again.
	placer.exit("agent-1", "c-9")
	mu.Lock()
	defer mu.Unlock()
	if len(exited) != 1 {
		t.Fatalf("repeated exit report reached the handler: %d calls", len(exited))
	}
}

func TestFleetPoolIgnoresExitOfClosedServer(t *testing.T) {
	placer := &fakePlacer{}
	p := NewFleetPool(placer, testOptions(), zerolog.Nop())

	var mu sync.Mutex
	calls := 0
	p.SetExitHandler(func(*GameServer) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	gs, err := p.TryWaitGameServer(context.Background(), ServerConfig{SessionID: "s1"})
	if err != nil {
		t.Fatalf("TryWaitGameServer: %v", err)
	}
	if err := p.CloseServer(context.Background(), gs, 10); err != nil {
		t.Fatalf("CloseServer: %v", err)
	}

	// The stop will surface as a container death on the event stream; an
	// exit we asked for is not a fault.
	placer.exit(gs.Placement.AgentID, gs.Placement.ContainerID)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("intentional close reported as unexpected exit: %d calls", calls)
	}
}

func TestFleetPoolEnforcesMaxServers(t *testing.T) {
	placer := &fakePlacer{block: make(chan struct{})}
	opts := testOptions()
	opts.MaxServers = 1
	p := NewFleetPool(placer, opts, zerolog.Nop())

	started := make(chan error, 1)
	go func() {
		_, err := p.TryWaitGameServer(context.Background(), ServerConfig{SessionID: "s1"})
		started <- err
	}()

	// Wait for the first request to occupy the starting slot.
	deadline := time.Now().Add(2 * time.Second)
	for p.ServersStarting() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never reached the scheduler")
		}
		time.Sleep(time.Millisecond)
	}
	if p.CanAcceptRequest() {
		t.Fatal("pool at capacity must not accept requests")
	}
	if _, err := p.TryWaitGameServer(context.Background(), ServerConfig{SessionID: "s2"}); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}

	close(placer.block)
	if err := <-started; err != nil {
		t.Fatalf("first provisioning failed: %v", err)
	}
}

func TestFleetPoolReleasesStartingSlotOnFailure(t *testing.T) {
	placer := &fakePlacer{startErr: errors.New("placement failed")}
	p := NewFleetPool(placer, testOptions(), zerolog.Nop())

	if _, err := p.TryWaitGameServer(context.Background(), ServerConfig{SessionID: "s1"}); err == nil {
		t.Fatal("expected provisioning error")
	}
	if p.ServersStarting() != 0 || p.ServersRunning() != 0 {
		t.Fatalf("failed provisioning leaked counters: starting=%d running=%d", p.ServersStarting(), p.ServersRunning())
	}
	if !p.CanAcceptRequest() {
		t.Fatal("pool must accept requests after a failed start")
	}
}
