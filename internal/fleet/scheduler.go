package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/rs/zerolog"
)

const (
	placementAttempts   = 4
	placementRetryDelay = 500 * time.Millisecond
	agentCallTimeout    = 30 * time.Second
	faultExpiry         = 30 * time.Second
	faultDisconnectAt   = 2
	statusPollInterval  = 15 * time.Second
)

var (
	ErrNoAgentAvailable = errors.New("no agent can satisfy the reservation")
	ErrShuttingDown     = errors.New("scheduler is shutting down")
	ErrUnknownAgent     = errors.New("unknown agent")
)

// Placement identifies where a game server runs so later stop and log
// requests can be routed without further lookups.
type Placement struct {
	AgentID     string `json:"agent_id"`
	ContainerID string `json:"container_id"`
}

// StartRequest describes one game server to place on the fleet.
type StartRequest struct {
	SessionID        string
	Name             string
	Image            string
	ReservedCPU      float64
	ReservedMemory   int64
	CPULimit         float64
	MemoryLimit      int64
	Env              map[string]string
	PreferredRegions []string
	DeploymentID     string
}

// Server is a successfully placed game server.
type Server struct {
	Placement Placement
	Container contracts.ContainerDescription
}

// Publisher emits cluster events. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Scheduler owns the agent registry and places game servers on it.
type Scheduler struct {
	logger    zerolog.Logger
	publisher Publisher

	mu              sync.Mutex
	agents          map[string]*Agent
	shuttingDown    bool
	onContainerExit func(agentID, containerID string)

	// injectable for tests
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration)
	retryDelay   time.Duration
	pollInterval time.Duration
}

// NewScheduler builds an empty scheduler. publisher may be nil when cluster
// events are not wanted.
func NewScheduler(publisher Publisher, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger:       logger,
		publisher:    publisher,
		agents:       make(map[string]*Agent),
		now:          time.Now,
		sleep:        sleepCtx,
		retryDelay:   placementRetryDelay,
		pollInterval: statusPollInterval,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// OnContainerExit installs the handler called when an agent reports one of
// its containers gone. Must be set before any agent connects.
func (s *Scheduler) OnContainerExit(fn func(agentID, containerID string)) {
	s.mu.Lock()
	s.onContainerExit = fn
	s.mu.Unlock()
}

// AgentConnected registers an agent and starts its status poller and
// capacity-delta consumer, both scoped to a per-agent context canceled on
// disconnect. Re-announcements from a known agent are ignored, but a changed
// boot nonce means the agent process restarted: the stale record and its
// background work are torn down and the agent registers fresh.
func (s *Scheduler) AgentConnected(ctx context.Context, desc contracts.AgentDescription, client AgentClient) {
	s.mu.Lock()
	if known, ok := s.agents[desc.ID]; ok {
		if known.BootID == desc.BootID {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.AgentDisconnected(desc.ID, "agent restarted")
		s.mu.Lock()
	}
	agentCtx, cancel := context.WithCancel(ctx)
	agent := newAgent(desc, client, cancel)
	s.agents[desc.ID] = agent
	s.mu.Unlock()

	s.logger.Info().Str("agent_id", desc.ID).Str("region", agent.Region).Msg("agent connected")
	s.publishEvent(contracts.EventAgentConnected, contracts.AgentConnectedV1{AgentID: desc.ID, Region: agent.Region})

	go s.pollAgent(agentCtx, agent)
	go s.consumeAgentEvents(agentCtx, agent)
}

// AgentDisconnected removes an agent and cancels its background work.
func (s *Scheduler) AgentDisconnected(agentID, reason string) {
	s.mu.Lock()
	agent, ok := s.agents[agentID]
	if ok {
		delete(s.agents, agentID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	agent.cancel()
	s.logger.Info().Str("agent_id", agentID).Str("reason", reason).Msg("agent disconnected")
	s.publishEvent(contracts.EventAgentDisconnected, contracts.AgentDisconnectedV1{AgentID: agentID, Reason: reason})
}

func (s *Scheduler) pollAgent(ctx context.Context, agent *Agent) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		callCtx, cancel := context.WithTimeout(ctx, agentCallTimeout)
		status, err := agent.client.GetStatus(callCtx)
		cancel()
		if err != nil {
			s.faultAgent(agent, fmt.Sprintf("status poll failed: %v", err))
			continue
		}
		agent.applyUsage(status.TotalCPU, status.ReservedCPU, status.TotalMemory, status.ReservedMemory)
		agent.setActive(status.Error == "")
	}
}

func (s *Scheduler) consumeAgentEvents(ctx context.Context, agent *Agent) {
	for ctx.Err() == nil {
		updates, err := agent.client.StreamEvents(ctx)
		if err != nil {
			s.sleep(ctx, time.Second)
			continue
		}
		for update := range updates {
			agent.applyUsage(update.TotalCPU, update.ReservedCPU, update.TotalMemory, update.ReservedMemory)
			if update.ContainerID != "" && !update.Running {
				s.mu.Lock()
				fn := s.onContainerExit
				s.mu.Unlock()
				if fn != nil {
					fn(agent.ID, update.ContainerID)
				}
			}
		}
		if ctx.Err() == nil {
			s.sleep(ctx, time.Second)
		}
	}
}

// findAgent picks the first eligible agent in the preferred regions, in
// order, falling back to any region.
func (s *Scheduler) findAgent(cpu float64, memory int64, preferredRegions []string) *Agent {
	s.mu.Lock()
	candidates := make([]*Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		candidates = append(candidates, agent)
	}
	s.mu.Unlock()

	now := s.now()
	for _, region := range preferredRegions {
		for _, agent := range candidates {
			if agent.Region == region && agent.eligible(cpu, memory, now, faultExpiry) {
				return agent
			}
		}
	}
	for _, agent := range candidates {
		if agent.eligible(cpu, memory, now, faultExpiry) {
			return agent
		}
	}
	return nil
}

// TryStartServer places one game server, retrying across agents on faults
// and capacity misses. A capacity refusal is not a fault; any other failure
// faults the agent, and a second fault inside the expiry window disconnects
// it.
func (s *Scheduler) TryStartServer(ctx context.Context, req StartRequest) (Server, error) {
	s.mu.Lock()
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if shuttingDown {
		return Server{}, ErrShuttingDown
	}

	params := contracts.ContainerStartParameters{
		Image:           req.Image,
		Name:            req.Name,
		ReservedCPU:     req.ReservedCPU,
		ReservedMemory:  req.ReservedMemory,
		CPULimit:        req.CPULimit,
		MemoryLimit:     req.MemoryLimit,
		Env:             req.Env,
		AppDeploymentID: req.DeploymentID,
	}

	var lastErr error
	for attempt := 0; attempt < placementAttempts; attempt++ {
		if attempt > 0 {
			s.sleep(ctx, s.retryDelay)
		}
		if err := ctx.Err(); err != nil {
			return Server{}, err
		}

		agent := s.findAgent(req.ReservedCPU, req.ReservedMemory, req.PreferredRegions)
		if agent == nil {
			lastErr = ErrNoAgentAvailable
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, agentCallTimeout)
		resp, err := agent.client.StartContainer(callCtx, params)
		cancel()
		if err != nil {
			lastErr = err
			s.faultAgent(agent, fmt.Sprintf("start failed: %v", err))
			continue
		}

		agent.applyUsage(resp.TotalCPU, resp.ReservedCPU, resp.TotalMemory, resp.ReservedMemory)

		if !resp.Success {
			if resp.Error == contracts.ErrReasonNoCapacity {
				// Quiet miss: the agent is healthy, its capacity view was
				// just stale. Try another one.
				lastErr = ErrNoAgentAvailable
				continue
			}
			lastErr = errors.New(resp.Error)
			s.faultAgent(agent, resp.Error)
			continue
		}

		agent.clearFaults()
		placement := Placement{AgentID: agent.ID, ContainerID: resp.Container.ContainerID}
		s.logger.Info().
			Str("session_id", req.SessionID).
			Str("agent_id", agent.ID).
			Str("container_id", placement.ContainerID).
			Msg("game server placed")
		s.publishEvent(contracts.EventFleetPlacement, contracts.FleetPlacementV1{
			SessionID:   req.SessionID,
			AgentID:     agent.ID,
			ContainerID: placement.ContainerID,
			Region:      agent.Region,
		})
		return Server{Placement: placement, Container: *resp.Container}, nil
	}

	if lastErr == nil {
		lastErr = ErrNoAgentAvailable
	}
	return Server{}, fmt.Errorf("placement failed after %d attempts: %w", placementAttempts, lastErr)
}

func (s *Scheduler) faultAgent(agent *Agent, reason string) {
	count := agent.recordFault(s.now(), faultExpiry)
	s.logger.Warn().Str("agent_id", agent.ID).Str("reason", reason).Int("faults", count).Msg("agent faulted")
	if count >= faultDisconnectAt {
		s.AgentDisconnected(agent.ID, "repeated faults")
	}
}

// StopServer stops a placed game server, granting graceSeconds before the
// agent kills the container.
func (s *Scheduler) StopServer(ctx context.Context, placement Placement, graceSeconds uint) error {
	agent, err := s.agentByID(placement.AgentID)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, agentCallTimeout)
	defer cancel()
	return agent.client.StopContainer(callCtx, placement.ContainerID, graceSeconds)
}

// QueryLogs streams log batches of a placed game server.
func (s *Scheduler) QueryLogs(ctx context.Context, placement Placement, params contracts.ContainerLogsParameters) (<-chan contracts.LogBatch, error) {
	agent, err := s.agentByID(placement.AgentID)
	if err != nil {
		return nil, err
	}
	params.ContainerID = placement.ContainerID
	return agent.client.StreamLogs(ctx, params)
}

// NotifyDeploymentChanged stops accepting placements and tells every agent
// to route new work to the new deployment.
func (s *Scheduler) NotifyDeploymentChanged(ctx context.Context, deploymentID string) {
	s.mu.Lock()
	s.shuttingDown = true
	agents := make([]*Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, agent)
	}
	s.mu.Unlock()

	for _, agent := range agents {
		callCtx, cancel := context.WithTimeout(ctx, agentCallTimeout)
		if err := agent.client.NotifyActiveApp(callCtx, deploymentID); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agent.ID).Msg("failed to notify deployment change")
		}
		cancel()
	}
}

// Agents snapshots the registry for the ops surface.
func (s *Scheduler) Agents() []contracts.AgentDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.AgentDescription, 0, len(s.agents))
	for _, agent := range s.agents {
		agent.mu.Lock()
		out = append(out, contracts.AgentDescription{
			ID:          agent.ID,
			Region:      agent.Region,
			Claims:      agent.Claims,
			TotalCPU:    agent.totalCPU,
			TotalMemory: agent.totalMemory,
		})
		agent.mu.Unlock()
	}
	return out
}

func (s *Scheduler) agentByID(agentID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return agent, nil
}

func (s *Scheduler) publishEvent(eventType contracts.EventType, payload any) {
	if s.publisher == nil {
		return
	}
	subject, err := contracts.SubjectForType(eventType)
	if err != nil {
		return
	}
	data, err := contracts.MarshalV1(newUUID(), eventType, s.now().UTC(), newUUID(), nil, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to marshal event")
		return
	}
	if err := s.publisher.Publish(subject, data); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("failed to publish event")
	}
}
