package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/internal/pool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Recorder persists a completed session and its aggregated results.
type Recorder interface {
	RecordCompleted(ctx context.Context, sessionID string, results map[string][]byte, final []byte) error
}

// StatusSink receives session status projections for the ops surface.
type StatusSink interface {
	SetStatus(ctx context.Context, sessionID, status string) error
}

// Publisher emits cluster events. *nats.Conn satisfies it.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// EventHandler is one pluggable hook around session lifecycle points.
// Handlers run in registration order; a failing handler is logged and never
// aborts the transition that triggered it.
type EventHandler interface {
	OnConnected(sessionID, userID string) error
	OnReady(sessionID, userID string) error
	OnCompleted(sessionID string, final []byte) error
}

// Aggregator computes the final session result from the per-player
// submissions. The default marshals the raw submission map.
type Aggregator func(results map[string][]byte) ([]byte, error)

// Coordinator owns one session: peer admission, readiness tracking,
// instance lifecycle, and one-shot result aggregation. All per-session
// mutations are serialized under a single mutex.
type Coordinator struct {
	cfg        Config
	pool       pool.ServerPool
	tokens     *TokenIssuer
	recorder   Recorder
	statusSink StatusSink
	publisher  Publisher
	handlers   []EventHandler
	aggregate  Aggregator
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	status     SessionStatus
	players    map[string]*PlayerConnection
	hostUserID string
	joinToken  string
	server     *pool.GameServer
	serverPeer Peer

	startDone    chan struct{}
	startErr     error
	allReadySent bool
	completed    bool
	emptyTimer   *time.Timer

	now   func() time.Time
	newID func() string
}

// Options carry the coordinator's collaborators. Recorder, StatusSink,
// Publisher, and Handlers may be nil/empty.
type Options struct {
	Pool       pool.ServerPool
	Tokens     *TokenIssuer
	Recorder   Recorder
	StatusSink StatusSink
	Publisher  Publisher
	Handlers   []EventHandler
	Aggregator Aggregator
}

// NewCoordinator builds a coordinator whose background work lives until ctx
// is canceled or the session completes.
func NewCoordinator(ctx context.Context, cfg Config, opts Options, logger zerolog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	sessionCtx, cancel := context.WithCancel(ctx)
	aggregate := opts.Aggregator
	if aggregate == nil {
		aggregate = defaultAggregator
	}
	c := &Coordinator{
		cfg:        cfg,
		pool:       opts.Pool,
		tokens:     opts.Tokens,
		recorder:   opts.Recorder,
		statusSink: opts.StatusSink,
		publisher:  opts.Publisher,
		handlers:   opts.Handlers,
		aggregate:  aggregate,
		logger:     logger.With().Str("session_id", cfg.SessionID).Logger(),
		ctx:        sessionCtx,
		cancel:     cancel,
		status:     StatusWaitingPlayers,
		players:    make(map[string]*PlayerConnection),
		now:        time.Now,
		newID:      newUUID,
	}
	c.publishEvent(contracts.EventSessionCreated, contracts.SessionCreatedV1{SessionID: cfg.SessionID, UserIDs: cfg.Roster})
	c.projectStatus(StatusWaitingPlayers)
	return c
}

func defaultAggregator(results map[string][]byte) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(results))
	for userID, result := range results {
		out[userID] = result
	}
	return json.Marshal(out)
}

// Status returns the current session status.
func (c *Coordinator) Status() SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Server returns the provisioned instance handle, nil until placement
// completes.
func (c *Coordinator) Server() *pool.GameServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Connecting admits or rejects a peer before it joins the session.
func (c *Coordinator) Connecting(peer Peer) error {
	if peer.IsServer() {
		if c.cfg.ServerCredential == "" || peer.Credential() != c.cfg.ServerCredential {
			return ErrBadServerCredential
		}
		return nil
	}
	if peer.UserID() == "" {
		return ErrUnauthenticated
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusShutdown {
		return ErrSessionClosed
	}
	if !c.cfg.Public && !c.cfg.inRoster(peer.UserID()) {
		return ErrNotInRoster
	}
	if existing, ok := c.players[peer.UserID()]; ok && existing.live() {
		return ErrAlreadyConnected
	}
	// A Disconnected record is replaced on reconnect.
	return nil
}

// Connected registers an admitted peer, broadcasts the roster update, and
// triggers the idempotent session start.
func (c *Coordinator) Connected(peer Peer) error {
	if peer.IsServer() {
		c.mu.Lock()
		c.serverPeer = peer
		c.mu.Unlock()
		c.logger.Info().Msg("dedicated server connected")
		return nil
	}

	userID := peer.UserID()
	c.mu.Lock()
	player, ok := c.players[userID]
	if !ok {
		player = newPlayerConnection(userID)
		c.players[userID] = player
	}
	player.peer = peer
	player.Status = PlayerConnected

	// First connecting player hosts listen-server sessions.
	if !c.cfg.DedicatedServer && c.hostUserID == "" {
		c.hostUserID = userID
		player.IsHost = true
		c.joinToken = c.issueJoinToken(userID, "")
	}
	if c.status == StatusWaitingPlayers && c.rosterConnectedLocked() {
		c.status = StatusAllPlayersConnected
	}
	status := c.status
	joinToken := c.joinToken
	update := c.playerUpdateLocked(player)
	c.mu.Unlock()

	c.projectStatus(status)
	c.broadcast(contracts.RoutePlayerUpdate, update, userID)
	c.stopEmptyTimer()

	if status == StatusStarted && joinToken != "" {
		if err := peer.Send(contracts.RouteJoinToken, []byte(joinToken)); err != nil {
			c.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to deliver join token")
		}
	}

	c.fireHandlers(func(h EventHandler) error { return h.OnConnected(c.cfg.SessionID, userID) }, "OnConnected")

	go func() {
		if err := c.TryStart(c.ctx); err != nil {
			c.logger.Warn().Err(err).Msg("session start failed")
		}
	}()
	return nil
}

// ReceivedReady promotes a player to Ready, or flips the session to Started
// when the dedicated server reports readiness.
func (c *Coordinator) ReceivedReady(peer Peer) error {
	if peer.IsServer() {
		c.serverReady()
		return nil
	}

	userID := peer.UserID()
	c.mu.Lock()
	player, ok := c.players[userID]
	if !ok || !player.live() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if player.Status == PlayerReady {
		// Monotonic: duplicates neither demote nor re-broadcast.
		c.mu.Unlock()
		return nil
	}
	player.Status = PlayerReady
	update := c.playerUpdateLocked(player)
	allReady := c.rosterReadyLocked() && !c.allReadySent
	if allReady {
		c.allReadySent = true
	}
	c.mu.Unlock()

	c.broadcast(contracts.RoutePlayerUpdate, update, "")
	c.fireHandlers(func(h EventHandler) error { return h.OnReady(c.cfg.SessionID, userID) }, "OnReady")

	if allReady {
		c.broadcast(contracts.RouteAllReady, nil, "")
		if !c.cfg.DedicatedServer {
			c.markStarted()
		}
	}
	return nil
}

// serverReady flips the session to Started and fans the join token out to
// every connected peer.
func (c *Coordinator) serverReady() {
	c.mu.Lock()
	endpoint := ""
	if c.server != nil {
		endpoint = fmt.Sprintf("%s:%d", c.server.Host, c.server.Port)
	}
	c.joinToken = c.issueJoinToken("", endpoint)
	c.mu.Unlock()
	c.markStarted()
}

func (c *Coordinator) markStarted() {
	c.mu.Lock()
	if c.status == StatusStarted || c.status == StatusShutdown || c.status == StatusFaulted {
		c.mu.Unlock()
		return
	}
	c.status = StatusStarted
	joinToken := c.joinToken
	peers := c.connectedPeersLocked("")
	serverID := ""
	if c.server != nil {
		serverID = c.server.Placement.ContainerID
	}
	c.mu.Unlock()

	c.logger.Info().Msg("session started")
	c.projectStatus(StatusStarted)
	c.publishEvent(contracts.EventSessionStarted, contracts.SessionStartedV1{SessionID: c.cfg.SessionID, ServerID: serverID})
	if joinToken != "" {
		for _, peer := range peers {
			if err := peer.Send(contracts.RouteJoinToken, []byte(joinToken)); err != nil {
				c.logger.Warn().Err(err).Str("user_id", peer.UserID()).Msg("failed to deliver join token")
			}
		}
	}
}

// ReceivedFaulted marks a player Faulted; before start this faults the whole
// session.
func (c *Coordinator) ReceivedFaulted(peer Peer, reason string) {
	c.mu.Lock()
	if player, ok := c.players[peer.UserID()]; ok {
		player.Status = PlayerFaulted
		player.FaultReason = reason
	}
	faultSession := c.status != StatusStarted && c.status != StatusShutdown && c.status != StatusFaulted
	if faultSession {
		c.status = StatusFaulted
	}
	c.mu.Unlock()

	if faultSession {
		c.logger.Warn().Str("user_id", peer.UserID()).Str("reason", reason).Msg("session faulted before start")
		c.projectStatus(StatusFaulted)
		c.publishEvent(contracts.EventSessionFaulted, contracts.SessionFaultedV1{SessionID: c.cfg.SessionID, Reason: reason})
	}
}

// Disconnecting tears a peer out of the session and re-evaluates completion
// and the no-player-left shutdown policy.
func (c *Coordinator) Disconnecting(peer Peer) {
	if peer.IsServer() {
		c.mu.Lock()
		c.serverPeer = nil
		c.mu.Unlock()
		c.logger.Info().Msg("dedicated server disconnected")
		return
	}

	userID := peer.UserID()
	c.mu.Lock()
	player, ok := c.players[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	player.Status = PlayerDisconnected
	player.peer = nil
	if userID == c.hostUserID {
		// A new host token must be elected/awaited.
		c.hostUserID = ""
		c.joinToken = ""
		player.IsHost = false
	}
	update := c.playerUpdateLocked(player)
	if c.cfg.Public {
		// Public sessions drop the record immediately; private keep it so
		// the user can reconnect (and its result slot survives).
		delete(c.players, userID)
	}
	empty := c.cfg.CloseWhenEmpty && !c.anyPlayerLiveLocked()
	c.mu.Unlock()

	c.broadcast(contracts.RoutePlayerUpdate, update, userID)
	c.evaluateCompletion()

	if empty {
		c.scheduleEmptyCheck()
	}
}

// scheduleEmptyCheck arms the delayed no-player-left teardown. The
// condition is re-checked after the delay so a reconnect cancels it.
func (c *Coordinator) scheduleEmptyCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emptyTimer != nil {
		return
	}
	c.emptyTimer = time.AfterFunc(c.cfg.EmptyGraceDelay, func() {
		c.mu.Lock()
		c.emptyTimer = nil
		empty := !c.anyPlayerLiveLocked() && !c.completed && c.status != StatusShutdown
		c.mu.Unlock()
		if empty {
			c.logger.Info().Msg("no player left, shutting session down")
			c.Shutdown(c.ctx)
		}
	})
}

func (c *Coordinator) stopEmptyTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emptyTimer != nil {
		c.emptyTimer.Stop()
		c.emptyTimer = nil
	}
}

// PostResult stores a player's result submission and returns the future
// resolved when aggregation fires. The dedicated server submits the single
// authoritative payload instead.
func (c *Coordinator) PostResult(peer Peer, payload []byte) (<-chan []byte, error) {
	if int64(len(payload)) > c.cfg.MaxResultSize {
		return nil, ErrResultsTooBig
	}

	if peer.IsServer() {
		return c.postServerResult(peer, payload)
	}

	userID := peer.UserID()
	c.mu.Lock()
	if c.status != StatusStarted {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	player, ok := c.players[userID]
	if !ok || !player.live() {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if !player.resultSet {
		player.result = payload
		player.resultSet = true
	}
	future := player.future
	c.mu.Unlock()

	c.evaluateCompletion()
	return future, nil
}

// postServerResult aggregates immediately from the single authoritative
// payload.
func (c *Coordinator) postServerResult(peer Peer, payload []byte) (<-chan []byte, error) {
	c.mu.Lock()
	if c.serverPeer == nil || c.serverPeer.ID() != peer.ID() {
		c.mu.Unlock()
		return nil, ErrBadServerCredential
	}
	if c.status != StatusStarted {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	c.mu.Unlock()

	future := make(chan []byte, 1)
	if final, completed := c.complete(func(map[string][]byte) ([]byte, error) { return payload, nil }); completed {
		future <- final
	}
	close(future)
	return future, nil
}

// evaluateCompletion fires aggregation once every roster player has either
// submitted a result or disconnected.
func (c *Coordinator) evaluateCompletion() {
	c.mu.Lock()
	if c.completed || c.status != StatusStarted {
		c.mu.Unlock()
		return
	}
	done := true
	for _, player := range c.players {
		if !player.resultSet && player.Status != PlayerDisconnected {
			done = false
			break
		}
	}
	c.mu.Unlock()
	if !done {
		return
	}
	c.complete(c.aggregate)
}

// complete runs the one-shot completion path: aggregate, persist, resolve
// futures, disconnect peers, release the instance. The latch guarantees at
// most one execution per session even under concurrent triggers.
func (c *Coordinator) complete(aggregate Aggregator) ([]byte, bool) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return nil, false
	}
	c.completed = true
	results := make(map[string][]byte)
	futures := make([]chan []byte, 0, len(c.players))
	for _, player := range c.players {
		if player.resultSet {
			results[player.UserID] = player.result
		}
		futures = append(futures, player.future)
	}
	peers := c.connectedPeersLocked("")
	if c.serverPeer != nil {
		peers = append(peers, c.serverPeer)
	}
	c.status = StatusShutdown
	c.mu.Unlock()

	final, err := aggregate(results)
	if err != nil {
		c.logger.Error().Err(err).Msg("result aggregation failed")
		final = nil
	}

	if c.recorder != nil {
		recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.recorder.RecordCompleted(recordCtx, c.cfg.SessionID, results, final); err != nil {
			c.logger.Error().Err(err).Msg("failed to persist session results")
		}
		cancel()
	}

	for _, future := range futures {
		future <- final
		close(future)
	}

	c.fireHandlers(func(h EventHandler) error { return h.OnCompleted(c.cfg.SessionID, final) }, "OnCompleted")

	for _, peer := range peers {
		if err := peer.Disconnect(DisconnectReasonCompleted); err != nil {
			c.logger.Warn().Err(err).Msg("failed to disconnect peer")
		}
	}

	c.releaseInstance()
	c.projectStatus(StatusShutdown)
	c.publishEvent(contracts.EventSessionCompleted, contracts.SessionCompletedV1{SessionID: c.cfg.SessionID, Results: len(results)})
	c.logger.Info().Int("results", len(results)).Msg("session completed")
	c.cancel()
	return final, true
}

// TryStart provisions the backing instance exactly once. The first caller
// installs the shared start task; later callers await the same task. A
// failed start resets to WaitingPlayers when the restart policy allows,
// otherwise the session is permanently Faulted.
func (c *Coordinator) TryStart(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusShutdown || c.status == StatusFaulted {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.startDone == nil {
		c.startDone = make(chan struct{})
		go c.runStart(c.startDone)
	}
	done := c.startDone
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startErr
}

func (c *Coordinator) runStart(done chan struct{}) {
	err := c.provision()

	c.mu.Lock()
	c.startErr = err
	if err != nil {
		if c.cfg.CanRestart {
			// Self-heal edge: allow a later Connected to retry the start.
			c.status = StatusWaitingPlayers
			c.startDone = nil
			c.allReadySent = false
		} else {
			c.status = StatusFaulted
		}
	}
	status := c.status
	c.mu.Unlock()
	close(done)

	if err != nil {
		c.projectStatus(status)
		if status == StatusFaulted {
			c.publishEvent(contracts.EventSessionFaulted, contracts.SessionFaultedV1{SessionID: c.cfg.SessionID, Reason: err.Error()})
		}
	}
}

func (c *Coordinator) provision() error {
	if !c.cfg.DedicatedServer {
		return nil
	}

	c.mu.Lock()
	if c.status == StatusWaitingPlayers || c.status == StatusAllPlayersConnected {
		c.status = StatusStarting
	}
	c.mu.Unlock()
	c.projectStatus(StatusStarting)

	connectionToken, err := c.issueServerToken()
	if err != nil {
		return fmt.Errorf("issuing server credentials: %w", err)
	}
	server, err := c.pool.TryWaitGameServer(c.ctx, pool.ServerConfig{
		SessionID:        c.cfg.SessionID,
		ConnectionToken:  connectionToken,
		AuthToken:        c.cfg.ServerCredential,
		PreferredRegions: c.cfg.PreferredRegions,
		CustomVars:       c.cfg.GameParameters,
	})
	if errors.Is(err, pool.ErrExternallyManaged) {
		// The server peer will connect on its own.
		return nil
	}
	if err != nil {
		return fmt.Errorf("provisioning game server: %w", err)
	}

	c.mu.Lock()
	c.server = server
	c.mu.Unlock()
	c.publishEvent(contracts.EventFleetPlacement, contracts.FleetPlacementV1{
		SessionID:   c.cfg.SessionID,
		AgentID:     server.Placement.AgentID,
		ContainerID: server.Placement.ContainerID,
	})
	return nil
}

// Shutdown gracefully tears the session down: shutdown notice to the
// dedicated process, bounded grace, then force kill. The instance release
// runs regardless of which branch was taken.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.status == StatusShutdown {
		c.mu.Unlock()
		return
	}
	c.status = StatusShutdown
	peers := c.connectedPeersLocked("")
	serverPeer := c.serverPeer
	c.mu.Unlock()

	defer func() {
		c.releaseInstance()
		c.projectStatus(StatusShutdown)
		c.cancel()
	}()

	if serverPeer != nil {
		if err := serverPeer.Send(contracts.RouteShutdown, nil); err != nil {
			c.logger.Warn().Err(err).Msg("failed to send shutdown notice")
		}
	}
	for _, peer := range peers {
		if err := peer.Send(contracts.RouteShutdown, nil); err != nil {
			c.logger.Warn().Err(err).Str("user_id", peer.UserID()).Msg("failed to send shutdown notice")
		}
	}
}

// InstanceExited handles the backing server dying underneath the session.
// The pool has already dropped the server from its books, so the handle is
// just cleared here. A restartable session with anyone still connected goes
// back to WaitingPlayers and re-provisions; otherwise it is faulted.
func (c *Coordinator) InstanceExited() {
	c.mu.Lock()
	if c.completed || c.status == StatusShutdown {
		c.mu.Unlock()
		return
	}
	c.server = nil
	c.serverPeer = nil
	restart := c.cfg.CanRestart && c.anyPlayerLiveLocked()
	if restart {
		c.status = StatusWaitingPlayers
		c.startDone = nil
		c.allReadySent = false
	} else {
		c.status = StatusFaulted
	}
	status := c.status
	c.mu.Unlock()

	c.projectStatus(status)
	if restart {
		c.logger.Warn().Msg("game server exited, restarting")
		go func() {
			if err := c.TryStart(c.ctx); err != nil {
				c.logger.Warn().Err(err).Msg("session restart failed")
			}
		}()
		return
	}
	c.logger.Warn().Msg("game server exited, session faulted")
	c.publishEvent(contracts.EventSessionFaulted, contracts.SessionFaultedV1{SessionID: c.cfg.SessionID, Reason: "game server exited"})
}

// releaseInstance closes the backing server. Failures are logged; teardown
// never blocks on them.
func (c *Coordinator) releaseInstance() {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()
	if server == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), (shutdownGraceSeconds+5)*time.Second)
	defer cancel()
	if err := c.pool.CloseServer(closeCtx, server, shutdownGraceSeconds); err != nil {
		c.logger.Error().Err(err).Msg("failed to close game server")
	}
}

// QueryLogs streams the backing server's logs through the pool.
func (c *Coordinator) QueryLogs(ctx context.Context, params contracts.ContainerLogsParameters) (<-chan contracts.LogBatch, error) {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server == nil {
		return nil, ErrNotStarted
	}
	return c.pool.QueryLogs(ctx, server, params)
}

// Players snapshots the roster for the ops surface.
func (c *Coordinator) Players() []contracts.PlayerUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]contracts.PlayerUpdate, 0, len(c.players))
	for _, player := range c.players {
		out = append(out, contracts.PlayerUpdate{
			UserID: player.UserID,
			Status: byte(player.Status),
			IsHost: player.IsHost,
		})
	}
	return out
}

// rosterConnectedLocked reports whether everyone expected has joined. An
// empty roster means an open session: anyone connected counts.
func (c *Coordinator) rosterConnectedLocked() bool {
	if len(c.cfg.Roster) == 0 {
		return c.anyPlayerLiveLocked()
	}
	for _, userID := range c.cfg.Roster {
		player, ok := c.players[userID]
		if !ok || !player.live() {
			return false
		}
	}
	return true
}

// rosterReadyLocked reports all-ready. With a roster, every member must hold
// a Ready record. Without one, every live player must be Ready and there
// must be at least one.
func (c *Coordinator) rosterReadyLocked() bool {
	if len(c.cfg.Roster) == 0 {
		ready := 0
		for _, player := range c.players {
			if !player.live() {
				continue
			}
			if player.Status != PlayerReady {
				return false
			}
			ready++
		}
		return ready > 0
	}
	for _, userID := range c.cfg.Roster {
		player, ok := c.players[userID]
		if !ok || player.Status != PlayerReady {
			return false
		}
	}
	return true
}

func (c *Coordinator) anyPlayerLiveLocked() bool {
	for _, player := range c.players {
		if player.live() {
			return true
		}
	}
	return false
}

func (c *Coordinator) connectedPeersLocked(exceptUserID string) []Peer {
	peers := make([]Peer, 0, len(c.players))
	for _, player := range c.players {
		if player.peer != nil && player.live() && player.UserID != exceptUserID {
			peers = append(peers, player.peer)
		}
	}
	return peers
}

func (c *Coordinator) playerUpdateLocked(player *PlayerConnection) contracts.PlayerUpdate {
	return contracts.PlayerUpdate{
		UserID: player.UserID,
		Status: byte(player.Status),
		IsHost: player.IsHost,
	}
}

// broadcast sends a routed message to every connected peer except
// exceptUserID. Delivery failures are logged per peer.
func (c *Coordinator) broadcast(route string, payload any, exceptUserID string) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Str("route", route).Msg("failed to marshal broadcast")
		return
	}
	c.mu.Lock()
	peers := c.connectedPeersLocked(exceptUserID)
	c.mu.Unlock()
	for _, peer := range peers {
		if err := peer.Send(route, data); err != nil {
			c.logger.Warn().Err(err).Str("route", route).Str("user_id", peer.UserID()).Msg("broadcast delivery failed")
		}
	}
}

func (c *Coordinator) fireHandlers(fn func(EventHandler) error, hook string) {
	for _, handler := range c.handlers {
		if err := fn(handler); err != nil {
			c.logger.Warn().Err(err).Str("hook", hook).Msg("event handler failed")
		}
	}
}

func (c *Coordinator) issueJoinToken(hostUserID, endpoint string) string {
	if c.tokens == nil {
		return ""
	}
	token, err := c.tokens.Issue(TokenClaims{
		SessionID: c.cfg.SessionID,
		UserID:    hostUserID,
		Server:    endpoint != "",
		Endpoint:  endpoint,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to issue join token")
		return ""
	}
	return token
}

func (c *Coordinator) issueServerToken() (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	return c.tokens.Issue(TokenClaims{SessionID: c.cfg.SessionID, Server: true})
}

func (c *Coordinator) projectStatus(status SessionStatus) {
	if c.statusSink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.statusSink.SetStatus(ctx, c.cfg.SessionID, status.String()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to project session status")
	}
}

func (c *Coordinator) publishEvent(eventType contracts.EventType, payload any) {
	if c.publisher == nil {
		return
	}
	subject, err := contracts.SubjectForType(eventType)
	if err != nil {
		return
	}
	correlationID := c.newID()
	sessionID := c.cfg.SessionID
	raw, err := contracts.MarshalV1(c.newID(), eventType, c.now().UTC(), correlationID, &sessionID, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event")
		return
	}
	msg := nats.NewMsg(subject)
	msg.Data = raw
	msg.Header.Set("correlation_id", correlationID)
	msg.Header.Set("content-type", "application/json")
	if err := c.publisher.PublishMsg(msg); err != nil {
		c.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("failed to publish event")
	}
}
