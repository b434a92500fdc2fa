package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/pkg/bus"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	announceInterval = 30 * time.Second
	logBatchSize     = 100
	logBatchInterval = time.Second
)

// Server exposes a Runtime's operations to the fleet scheduler over NATS.
type Server struct {
	nc         *nats.Conn
	rt         *Runtime
	logger     zerolog.Logger
	desc       contracts.AgentDescription
	subs       []*nats.Subscription
	mu         sync.Mutex
	streams    map[string]struct{}           // active event stream subjects
	logStreams map[string]context.CancelFunc // active log stream producers
}

// NewServer wires a runtime to the cluster RPC channel. The boot nonce lets
// the scheduler distinguish a restarted agent from a re-announcement.
func NewServer(nc *nats.Conn, rt *Runtime, desc contracts.AgentDescription, logger zerolog.Logger) *Server {
	if desc.BootID == "" {
		desc.BootID = newUUID()
	}
	return &Server{
		nc:         nc,
		rt:         rt,
		logger:     logger.With().Str("agent_id", desc.ID).Logger(),
		desc:       desc,
		streams:    make(map[string]struct{}),
		logStreams: make(map[string]context.CancelFunc),
	}
}

// Start subscribes every RPC operation, announces the agent, and keeps
// re-announcing until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.rt.SetStateChangedHandler(s.publishStateChange)

	handlers := map[string]nats.MsgHandler{
		contracts.OpGetStatus:            s.handleGetStatus(ctx),
		contracts.OpTryStartContainer:    s.handleTryStartContainer(ctx),
		contracts.OpStopContainer:        s.handleStopContainer(ctx),
		contracts.OpGetRunningContainers: s.handleGetRunningContainers(),
		contracts.OpGetLogs:              s.handleGetLogs(ctx),
		contracts.OpGetDockerEvents:      s.handleGetDockerEvents(),
		contracts.OpStopStream:           s.handleStopStream(),
		contracts.OpUpdateActiveApp:      s.handleUpdateActiveApp(),
	}
	for op, handler := range handlers {
		sub, err := s.nc.Subscribe(bus.AgentSubject(s.desc.ID, op), handler)
		if err != nil {
			s.unsubscribeAll()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	if err := s.announce(); err != nil {
		s.unsubscribeAll()
		return err
	}
	go s.announceLoop(ctx)
	go s.rt.RunMonitor(ctx)

	return nil
}

// Close says goodbye to the scheduler and drops all subscriptions.
func (s *Server) Close() {
	payload, _ := json.Marshal(contracts.AgentDescription{ID: s.desc.ID})
	_ = s.nc.Publish(bus.SubjectAgentBye, payload)
	s.unsubscribeAll()
}

func (s *Server) unsubscribeAll() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Server) announce() error {
	payload, err := json.Marshal(s.desc)
	if err != nil {
		return err
	}
	return s.nc.Publish(bus.SubjectAgentHello, payload)
}

func (s *Server) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.announce(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to re-announce agent")
			}
		}
	}
}

func (s *Server) handleGetStatus(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.reply(msg, s.rt.GetStatus(ctx))
	}
}

func (s *Server) handleTryStartContainer(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var params contracts.ContainerStartParameters
		if err := json.Unmarshal(msg.Data, &params); err != nil {
			s.reply(msg, contracts.ContainerStartResponse{Success: false, Error: "invalid parameters"})
			return
		}
		s.reply(msg, s.rt.StartContainer(ctx, params))
	}
}

func (s *Server) handleStopContainer(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var params contracts.ContainerStopParameters
		if err := json.Unmarshal(msg.Data, &params); err != nil {
			s.reply(msg, contracts.ContainerStopResponse{Success: false, Error: "invalid parameters"})
			return
		}
		if err := s.rt.StopContainer(ctx, params.ContainerID, params.GraceSeconds); err != nil {
			s.reply(msg, contracts.ContainerStopResponse{Success: false, Error: err.Error()})
			return
		}
		s.reply(msg, contracts.ContainerStopResponse{Success: true})
	}
}

func (s *Server) handleGetRunningContainers() nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.reply(msg, s.rt.RunningContainers())
	}
}

func (s *Server) handleGetLogs(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var params contracts.ContainerLogsParameters
		if err := json.Unmarshal(msg.Data, &params); err != nil || params.StreamSubject == "" {
			_ = msg.Respond([]byte(`{"error":"invalid parameters"}`))
			return
		}
		_ = msg.Respond([]byte(`{}`))
		streamCtx := s.trackLogStream(ctx, params.StreamSubject)
		go s.streamLogs(streamCtx, params)
	}
}

// trackLogStream scopes one log producer to a cancelable context keyed by its
// stream subject, so a stopStream from the consumer ends it.
func (s *Server) trackLogStream(ctx context.Context, subject string) context.Context {
	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if old, ok := s.logStreams[subject]; ok {
		old()
	}
	s.logStreams[subject] = cancel
	s.mu.Unlock()
	return streamCtx
}

func (s *Server) untrackLogStream(subject string) {
	s.mu.Lock()
	if cancel, ok := s.logStreams[subject]; ok {
		delete(s.logStreams, subject)
		s.mu.Unlock()
		cancel()
		return
	}
	s.mu.Unlock()
}

func (s *Server) streamLogs(ctx context.Context, params contracts.ContainerLogsParameters) {
	defer s.untrackLogStream(params.StreamSubject)
	lines, err := s.rt.StreamLogs(ctx, params.ContainerID, LogOptions{
		Since:  params.Since,
		Until:  params.Until,
		Tail:   params.Size,
		Follow: params.Follow,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("container_id", params.ContainerID).Msg("log stream failed")
		_ = bus.EndStream(s.nc, params.StreamSubject)
		return
	}

	batch := make([]string, 0, logBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		payload, err := json.Marshal(contracts.LogBatch{Lines: batch})
		if err == nil {
			_ = s.nc.Publish(params.StreamSubject, payload)
		}
		batch = batch[:0]
	}

	ticker := time.NewTicker(logBatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			_ = bus.EndStream(s.nc, params.StreamSubject)
			return
		case <-ticker.C:
			flush()
		case line, ok := <-lines:
			if !ok {
				flush()
				_ = bus.EndStream(s.nc, params.StreamSubject)
				return
			}
			batch = append(batch, line)
			if len(batch) >= logBatchSize {
				flush()
			}
		}
	}
}

func (s *Server) handleGetDockerEvents() nats.MsgHandler {
	return func(msg *nats.Msg) {
		var params contracts.EventStreamParameters
		if err := json.Unmarshal(msg.Data, &params); err != nil || params.StreamSubject == "" {
			_ = msg.Respond([]byte(`{"error":"invalid parameters"}`))
			return
		}
		s.mu.Lock()
		s.streams[params.StreamSubject] = struct{}{}
		s.mu.Unlock()
		_ = msg.Respond([]byte(`{}`))
	}
}

// handleStopStream ends a log or event stream whose consumer went away, so
// producers never outlive caller interest.
func (s *Server) handleStopStream() nats.MsgHandler {
	return func(msg *nats.Msg) {
		var params contracts.StopStreamParameters
		if err := json.Unmarshal(msg.Data, &params); err != nil || params.StreamSubject == "" {
			return
		}
		s.stopStream(params.StreamSubject)
	}
}

func (s *Server) stopStream(subject string) {
	s.mu.Lock()
	delete(s.streams, subject)
	s.mu.Unlock()
	s.untrackLogStream(subject)
}

func (s *Server) handleUpdateActiveApp() nats.MsgHandler {
	return func(msg *nats.Msg) {
		var params contracts.UpdateActiveAppParameters
		if err := json.Unmarshal(msg.Data, &params); err != nil {
			return
		}
		s.logger.Info().Str("deployment_id", params.DeploymentID).Msg("active deployment changed")
	}
}

func (s *Server) publishStateChange(change StateChange) {
	update := contracts.ContainerStatusUpdate{
		AgentID:     s.desc.ID,
		ContainerID: change.Container.EngineID,
		Running:     change.Running,
	}
	status := s.rt.StatusSnapshot()
	update.TotalCPU = status.TotalCPU
	update.ReservedCPU = status.ReservedCPU
	update.TotalMemory = status.TotalMemory
	update.ReservedMemory = status.ReservedMemory

	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	s.mu.Lock()
	subjects := make([]string, 0, len(s.streams))
	for subject := range s.streams {
		subjects = append(subjects, subject)
	}
	s.mu.Unlock()
	for _, subject := range subjects {
		_ = s.nc.Publish(subject, payload)
	}
}

func (s *Server) reply(msg *nats.Msg, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		s.logger.Error().Err(err).Str("subject", msg.Subject).Msg("failed to marshal rpc reply")
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("failed to send rpc reply")
	}
}
