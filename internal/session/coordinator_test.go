package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/internal/fleet"
	"github.com/forgelight-games/forgelight-fleet/internal/pool"
	"github.com/rs/zerolog"
)

type sentMessage struct {
	route   string
	payload []byte
}

type fakePeer struct {
	mu         sync.Mutex
	id         string
	userID     string
	credential string
	server     bool
	sent       []sentMessage
	reason     string
}

func playerPeer(userID string) *fakePeer {
	return &fakePeer{id: "peer-" + userID, userID: userID}
}

func serverPeer(credential string) *fakePeer {
	return &fakePeer{id: "peer-server", server: true, credential: credential}
}

func (p *fakePeer) ID() string         { return p.id }
func (p *fakePeer) UserID() string     { return p.userID }
func (p *fakePeer) IsServer() bool     { return p.server }
func (p *fakePeer) Credential() string { return p.credential }

func (p *fakePeer) Send(route string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentMessage{route: route, payload: payload})
	return nil
}

func (p *fakePeer) Disconnect(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reason = reason
	return nil
}

func (p *fakePeer) countRoute(route string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.sent {
		if m.route == route {
			n++
		}
	}
	return n
}

func (p *fakePeer) disconnectReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

type fakePool struct {
	mu       sync.Mutex
	starts   int
	startErr error
	external bool
	closed   int
}

func (f *fakePool) TryWaitGameServer(_ context.Context, cfg pool.ServerConfig) (*pool.GameServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.external {
		return nil, pool.ErrExternallyManaged
	}
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &pool.GameServer{
		SessionID: cfg.SessionID,
		Placement: fleet.Placement{AgentID: "agent-1", ContainerID: "c-1"},
		Host:      "10.0.0.5",
		Port:      40001,
	}, nil
}

func (f *fakePool) CloseServer(context.Context, *pool.GameServer, uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakePool) QueryLogs(context.Context, *pool.GameServer, contracts.ContainerLogsParameters) (<-chan contracts.LogBatch, error) {
	out := make(chan contracts.LogBatch)
	close(out)
	return out, nil
}

func (f *fakePool) SetExitHandler(func(*pool.GameServer)) {}

func (f *fakePool) ServersReady() int      { return 0 }
func (f *fakePool) ServersStarting() int   { return 0 }
func (f *fakePool) ServersRunning() int    { return 0 }
func (f *fakePool) CanAcceptRequest() bool { return true }

func (f *fakePool) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls int
	last  map[string][]byte
}

func (r *fakeRecorder) RecordCompleted(_ context.Context, _ string, results map[string][]byte, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = results
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestCoordinator(t *testing.T, cfg Config, p pool.ServerPool, rec Recorder) *Coordinator {
	t.Helper()
	if cfg.SessionID == "" {
		cfg.SessionID = "sess-1"
	}
	if p == nil {
		p = &fakePool{}
	}
	return NewCoordinator(context.Background(), cfg, Options{
		Pool:     p,
		Tokens:   NewTokenIssuer("test-secret", time.Hour),
		Recorder: rec,
	}, zerolog.Nop())
}

func mustConnect(t *testing.T, c *Coordinator, peer Peer) {
	t.Helper()
	if err := c.Connecting(peer); err != nil {
		t.Fatalf("Connecting(%s): %v", peer.UserID(), err)
	}
	if err := c.Connected(peer); err != nil {
		t.Fatalf("Connected(%s): %v", peer.UserID(), err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConnectingRejections(t *testing.T) {
	c := newTestCoordinator(t, Config{Roster: []string{"u1"}, ServerCredential: "srv-secret"}, nil, nil)

	if err := c.Connecting(&fakePeer{id: "anon"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if err := c.Connecting(playerPeer("intruder")); !errors.Is(err, ErrNotInRoster) {
		t.Fatalf("expected ErrNotInRoster, got %v", err)
	}
	if err := c.Connecting(serverPeer("wrong")); !errors.Is(err, ErrBadServerCredential) {
		t.Fatalf("expected ErrBadServerCredential, got %v", err)
	}
	if err := c.Connecting(serverPeer("srv-secret")); err != nil {
		t.Fatalf("valid server credential rejected: %v", err)
	}

	mustConnect(t, c, playerPeer("u1"))
	if err := c.Connecting(playerPeer("u1")); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestReconnectReplacesDisconnectedRecord(t *testing.T) {
	c := newTestCoordinator(t, Config{Roster: []string{"u1", "u2"}}, nil, nil)
	first := playerPeer("u1")
	mustConnect(t, c, first)
	c.Disconnecting(first)

	second := playerPeer("u1")
	if err := c.Connecting(second); err != nil {
		t.Fatalf("reconnect rejected: %v", err)
	}
	if err := c.Connected(second); err != nil {
		t.Fatalf("reconnect Connected: %v", err)
	}
}

func TestTryStartProvisionsExactlyOnce(t *testing.T) {
	p := &fakePool{}
	c := newTestCoordinator(t, Config{Roster: []string{"u1", "u2"}, DedicatedServer: true, ServerCredential: "srv"}, p, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.TryStart(context.Background()); err != nil {
				t.Errorf("TryStart: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := p.startCount(); got != 1 {
		t.Fatalf("instance provisioned %d times", got)
	}
	if c.Server() == nil {
		t.Fatal("server handle not stored")
	}
}

func TestFailedStartResetsWhenRestartAllowed(t *testing.T) {
	p := &fakePool{startErr: errors.New("no capacity")}
	c := newTestCoordinator(t, Config{Roster: []string{"u1"}, DedicatedServer: true, ServerCredential: "srv", CanRestart: true}, p, nil)

	if err := c.TryStart(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
	if got := c.Status(); got != StatusWaitingPlayers {
		t.Fatalf("expected reset to WaitingPlayers, got %s", got)
	}

	// Next attempt installs a fresh start task.
	p.mu.Lock()
	p.startErr = nil
	p.mu.Unlock()
	if err := c.TryStart(context.Background()); err != nil {
		t.Fatalf("retry after reset: %v", err)
	}
	if got := p.startCount(); got != 2 {
		t.Fatalf("expected a second provisioning attempt, got %d", got)
	}
}

func TestFailedStartFaultsWithoutRestartPolicy(t *testing.T) {
	p := &fakePool{startErr: errors.New("no capacity")}
	c := newTestCoordinator(t, Config{Roster: []string{"u1"}, DedicatedServer: true, ServerCredential: "srv"}, p, nil)

	if err := c.TryStart(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
	if got := c.Status(); got != StatusFaulted {
		t.Fatalf("expected Faulted, got %s", got)
	}
}

func TestDuplicateReadyIsMonotonic(t *testing.T) {
	c := newTestCoordinator(t, Config{Roster: []string{"u1", "u2"}}, nil, nil)
	u1 := playerPeer("u1")
	u2 := playerPeer("u2")
	mustConnect(t, c, u1)
	mustConnect(t, c, u2)

	if err := c.ReceivedReady(u1); err != nil {
		t.Fatalf("ready u1: %v", err)
	}
	if err := c.ReceivedReady(u1); err != nil {
		t.Fatalf("duplicate ready must be a no-op, got %v", err)
	}
	if got := c.Players(); len(got) != 2 {
		t.Fatalf("players = %d", len(got))
	}
	for _, p := range c.Players() {
		if p.UserID == "u1" && PlayerStatus(p.Status) != PlayerReady {
			t.Fatalf("u1 demoted to %s", PlayerStatus(p.Status))
		}
	}
	if n := u2.countRoute(contracts.RouteAllReady); n != 0 {
		t.Fatalf("all-ready broadcast before full roster: %d", n)
	}

	if err := c.ReceivedReady(u2); err != nil {
		t.Fatalf("ready u2: %v", err)
	}
	if n := u1.countRoute(contracts.RouteAllReady); n != 1 {
		t.Fatalf("all-ready broadcasts to u1 = %d", n)
	}
}

func TestFaultBeforeStartFaultsSession(t *testing.T) {
	c := newTestCoordinator(t, Config{Roster: []string{"u1", "u2"}}, nil, nil)
	u1 := playerPeer("u1")
	mustConnect(t, c, u1)

	c.ReceivedFaulted(u1, "failed to load map")
	if got := c.Status(); got != StatusFaulted {
		t.Fatalf("expected Faulted, got %s", got)
	}
}

func TestResultTooBigRejected(t *testing.T) {
	c := newTestCoordinator(t, Config{Roster: []string{"u1"}, MaxResultSize: 8}, nil, nil)
	u1 := playerPeer("u1")
	mustConnect(t, c, u1)

	if _, err := c.PostResult(u1, []byte("123456789")); !errors.Is(err, ErrResultsTooBig) {
		t.Fatalf("expected ErrResultsTooBig, got %v", err)
	}
	if err := errors.New(ReasonResultsTooBig); err.Error() != "gameSession.resultsTooBig?maxSize=1Mb" {
		t.Fatalf("reason code drifted: %q", err.Error())
	}
}

func TestEndToEndListenServerScenario(t *testing.T) {
	p := &fakePool{}
	rec := &fakeRecorder{}
	c := newTestCoordinator(t, Config{Roster: []string{"u1", "u2"}}, p, rec)

	u1 := playerPeer("u1")
	u2 := playerPeer("u2")
	mustConnect(t, c, u1)
	mustConnect(t, c, u2)

	// First connecting peer hosts the listen server.
	hostSeen := false
	for _, player := range c.Players() {
		if player.UserID == "u1" && player.IsHost {
			hostSeen = true
		}
	}
	if !hostSeen {
		t.Fatal("u1 was not promoted to host")
	}
	if got := c.Status(); got != StatusAllPlayersConnected {
		t.Fatalf("expected AllPlayersConnected, got %s", got)
	}

	if err := c.ReceivedReady(u1); err != nil {
		t.Fatalf("ready u1: %v", err)
	}
	if err := c.ReceivedReady(u2); err != nil {
		t.Fatalf("ready u2: %v", err)
	}
	if got := c.Status(); got != StatusStarted {
		t.Fatalf("expected Started after all ready, got %s", got)
	}
	if u2.countRoute(contracts.RouteJoinToken) == 0 {
		t.Fatal("join token not distributed on start")
	}

	f1, err := c.PostResult(u1, []byte(`{"score":10}`))
	if err != nil {
		t.Fatalf("PostResult u1: %v", err)
	}
	f2, err := c.PostResult(u2, []byte(`{"score":4}`))
	if err != nil {
		t.Fatalf("PostResult u2: %v", err)
	}

	final := <-f1
	if string(final) == "" {
		t.Fatal("future resolved empty")
	}
	var aggregated map[string]json.RawMessage
	if err := json.Unmarshal(final, &aggregated); err != nil {
		t.Fatalf("final result not valid JSON: %v", err)
	}
	if len(aggregated) != 2 {
		t.Fatalf("aggregated %d results", len(aggregated))
	}
	if got := <-f2; string(got) != string(final) {
		t.Fatal("futures resolved with different payloads")
	}

	if rec.count() != 1 {
		t.Fatalf("recorder fired %d times", rec.count())
	}
	if u1.disconnectReason() != DisconnectReasonCompleted || u2.disconnectReason() != DisconnectReasonCompleted {
		t.Fatalf("peers disconnected with %q / %q", u1.disconnectReason(), u2.disconnectReason())
	}
	if got := c.Status(); got != StatusShutdown {
		t.Fatalf("expected Shutdown, got %s", got)
	}
}

func TestAggregationFiresAtMostOnceUnderConcurrency(t *testing.T) {
	rec := &fakeRecorder{}
	c := newTestCoordinator(t, Config{Roster: []string{"u1", "u2", "u3"}}, nil, rec)

	peers := map[string]*fakePeer{}
	for _, uid := range []string{"u1", "u2", "u3"} {
		peers[uid] = playerPeer(uid)
		mustConnect(t, c, peers[uid])
	}
	for _, uid := range []string{"u1", "u2", "u3"} {
		if err := c.ReceivedReady(peers[uid]); err != nil {
			t.Fatalf("ready %s: %v", uid, err)
		}
	}

	// Two submissions and one disconnect race to trigger aggregation.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, _ = c.PostResult(peers["u1"], []byte(`{"k":1}`))
	}()
	go func() {
		defer wg.Done()
		_, _ = c.PostResult(peers["u2"], []byte(`{"k":2}`))
	}()
	go func() {
		defer wg.Done()
		c.Disconnecting(peers["u3"])
	}()
	wg.Wait()

	waitFor(t, "completion", func() bool { return c.Status() == StatusShutdown })
	if rec.count() != 1 {
		t.Fatalf("aggregation fired %d times", rec.count())
	}
}

func TestDedicatedServerFlow(t *testing.T) {
	p := &fakePool{}
	rec := &fakeRecorder{}
	c := newTestCoordinator(t, Config{
		Roster:           []string{"u1", "u2"},
		DedicatedServer:  true,
		ServerCredential: "srv-secret",
	}, p, rec)

	u1 := playerPeer("u1")
	u2 := playerPeer("u2")
	mustConnect(t, c, u1)
	mustConnect(t, c, u2)

	waitFor(t, "provisioning", func() bool { return c.Server() != nil })

	srv := serverPeer("srv-secret")
	mustConnect(t, c, srv)
	if err := c.ReceivedReady(srv); err != nil {
		t.Fatalf("server ready: %v", err)
	}
	if got := c.Status(); got != StatusStarted {
		t.Fatalf("expected Started after server ready, got %s", got)
	}
	if u1.countRoute(contracts.RouteJoinToken) == 0 || u2.countRoute(contracts.RouteJoinToken) == 0 {
		t.Fatal("join token not fanned out to players")
	}

	future, err := c.PostResult(srv, []byte(`{"winner":"u1"}`))
	if err != nil {
		t.Fatalf("server PostResult: %v", err)
	}
	if final := <-future; string(final) != `{"winner":"u1"}` {
		t.Fatalf("server payload must be authoritative, got %s", final)
	}

	if rec.count() != 1 {
		t.Fatalf("recorder fired %d times", rec.count())
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed != 1 {
		t.Fatalf("instance released %d times", closed)
	}
}

func TestServerResultRequiresServerIdentity(t *testing.T) {
	c := newTestCoordinator(t, Config{Roster: []string{"u1"}, DedicatedServer: true, ServerCredential: "srv"}, &fakePool{external: true}, nil)
	imposter := serverPeer("srv")
	// Never connected as the session's server peer.
	if _, err := c.PostResult(imposter, []byte(`{}`)); !errors.Is(err, ErrBadServerCredential) {
		t.Fatalf("expected ErrBadServerCredential, got %v", err)
	}
}

func TestCloseWhenEmptyShutsDownAfterGrace(t *testing.T) {
	p := &fakePool{}
	c := newTestCoordinator(t, Config{
		Roster:          []string{"u1"},
		CloseWhenEmpty:  true,
		EmptyGraceDelay: 20 * time.Millisecond,
	}, p, nil)

	u1 := playerPeer("u1")
	mustConnect(t, c, u1)
	c.Disconnecting(u1)

	waitFor(t, "empty shutdown", func() bool { return c.Status() == StatusShutdown })
}

func TestReconnectCancelsEmptyShutdown(t *testing.T) {
	c := newTestCoordinator(t, Config{
		Roster:          []string{"u1"},
		CloseWhenEmpty:  true,
		EmptyGraceDelay: 50 * time.Millisecond,
	}, nil, nil)

	u1 := playerPeer("u1")
	mustConnect(t, c, u1)
	c.Disconnecting(u1)

	// Reconnect inside the grace window.
	again := playerPeer("u1")
	mustConnect(t, c, again)

	time.Sleep(120 * time.Millisecond)
	if got := c.Status(); got == StatusShutdown {
		t.Fatal("reconnect must cancel the no-player-left shutdown")
	}
}

func TestServerCrashFaultsSession(t *testing.T) {
	p := &fakePool{}
	c := newTestCoordinator(t, Config{
		Roster:           []string{"u1"},
		DedicatedServer:  true,
		ServerCredential: "srv",
	}, p, nil)

	u1 := playerPeer("u1")
	mustConnect(t, c, u1)
	waitFor(t, "provisioning", func() bool { return c.Server() != nil })

	c.InstanceExited()

	if got := c.Status(); got != StatusFaulted {
		t.Fatalf("expected Faulted after server crash, got %s", got)
	}
	if c.Server() != nil {
		t.Fatal("dead server handle must be cleared")
	}
}

func TestServerCrashRestartsWhenAllowed(t *testing.T) {
	p := &fakePool{}
	c := newTestCoordinator(t, Config{
		Roster:           []string{"u1"},
		DedicatedServer:  true,
		ServerCredential: "srv",
		CanRestart:       true,
	}, p, nil)

	u1 := playerPeer("u1")
	mustConnect(t, c, u1)
	waitFor(t, "provisioning", func() bool { return c.Server() != nil })

	c.InstanceExited()

	// A connected player keeps the session alive: it re-provisions instead
	// of faulting.
	waitFor(t, "re-provisioning", func() bool { return p.startCount() == 2 })
	waitFor(t, "fresh server handle", func() bool { return c.Server() != nil })
	if got := c.Status(); got == StatusFaulted || got == StatusShutdown {
		t.Fatalf("restartable session must stay alive, got %s", got)
	}
}

func TestOpenSessionStartsWithoutRoster(t *testing.T) {
	rec := &fakeRecorder{}
	c := newTestCoordinator(t, Config{Public: true}, nil, rec)

	u1 := playerPeer("u1")
	u2 := playerPeer("u2")
	mustConnect(t, c, u1)
	mustConnect(t, c, u2)

	if got := c.Status(); got != StatusAllPlayersConnected {
		t.Fatalf("open session must count connected players, got %s", got)
	}

	if err := c.ReceivedReady(u1); err != nil {
		t.Fatalf("ready u1: %v", err)
	}
	if got := c.Status(); got == StatusStarted {
		t.Fatal("session started with a live player still not ready")
	}
	if err := c.ReceivedReady(u2); err != nil {
		t.Fatalf("ready u2: %v", err)
	}
	if got := c.Status(); got != StatusStarted {
		t.Fatalf("expected Started once every live player is ready, got %s", got)
	}

	future, err := c.PostResult(u1, []byte(`{"score":1}`))
	if err != nil {
		t.Fatalf("PostResult after open-session start: %v", err)
	}
	if _, err := c.PostResult(u2, []byte(`{"score":2}`)); err != nil {
		t.Fatalf("PostResult u2: %v", err)
	}
	if final := <-future; len(final) == 0 {
		t.Fatal("aggregation never resolved the future")
	}
	if rec.count() != 1 {
		t.Fatalf("recorder fired %d times", rec.count())
	}
}

func TestPublicSessionDropsDisconnectedRecord(t *testing.T) {
	c := newTestCoordinator(t, Config{Public: true}, nil, nil)
	u1 := playerPeer("drifter")
	mustConnect(t, c, u1)
	c.Disconnecting(u1)

	if got := len(c.Players()); got != 0 {
		t.Fatalf("public session retained %d disconnected records", got)
	}
}
