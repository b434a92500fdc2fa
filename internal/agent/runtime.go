package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/internal/ledger"
	"github.com/rs/zerolog"
)

const agentLabel = "fgf.agent"

var ErrUnknownContainer = errors.New("unknown container")

// TrackedContainer is one container owned by this agent, together with the
// scoped resources released with it.
type TrackedContainer struct {
	Name      string
	EngineID  string
	Image     string
	CreatedAt time.Time
	CPU       float64
	Memory    int64
	Port      uint16

	reservation *ledger.Reservation
	portLease   *ledger.PortLease
}

func (c *TrackedContainer) releaseResources() {
	if c.portLease != nil {
		c.portLease.Release()
	}
	if c.reservation != nil {
		c.reservation.Release()
	}
}

// StateChange notifies a container transition observed on the engine.
type StateChange struct {
	Container *TrackedContainer
	Running   bool
}

// Runtime is the agent-side authority for one machine's containers.
type Runtime struct {
	engine  Engine
	res     *ledger.Ledger
	ports   *ledger.PortAllocator
	logger  zerolog.Logger
	agentID string
	version string

	publicIP string
	claims   map[string]string

	mu         sync.Mutex
	containers map[string]*TrackedContainer // keyed by container name
	byEngineID map[string]*TrackedContainer

	onStateChanged func(StateChange)
}

// Options configure a Runtime.
type Options struct {
	AgentID  string
	Region   string
	PublicIP string
	TotalCPU float64
	// Total memory budget in bytes.
	TotalMemory int64
	PortFirst   uint16
	PortLast    uint16
	Version     string
	Claims      map[string]string
}

// NewRuntime builds a runtime enforcing the supplied budgets.
func NewRuntime(engine Engine, opts Options, logger zerolog.Logger) (*Runtime, error) {
	ports, err := ledger.NewPortAllocator(opts.PortFirst, opts.PortLast)
	if err != nil {
		return nil, err
	}
	claims := map[string]string{"agent.region": opts.Region}
	for k, v := range opts.Claims {
		claims[k] = v
	}
	return &Runtime{
		engine:     engine,
		res:        ledger.New(opts.TotalCPU, opts.TotalMemory),
		ports:      ports,
		logger:     logger.With().Str("agent_id", opts.AgentID).Logger(),
		agentID:    opts.AgentID,
		version:    opts.Version,
		publicIP:   opts.PublicIP,
		claims:     claims,
		containers: make(map[string]*TrackedContainer),
		byEngineID: make(map[string]*TrackedContainer),
	}, nil
}

// SetStateChangedHandler registers the callback invoked on engine start/stop
// events for tracked containers.
func (r *Runtime) SetStateChangedHandler(fn func(StateChange)) {
	r.onStateChanged = fn
}

// UsedCPU returns the CPU currently reserved by tracked containers.
func (r *Runtime) UsedCPU() float64 {
	cpu, _ := r.res.Reserved()
	return cpu
}

// UsedMemory returns the memory currently reserved by tracked containers.
func (r *Runtime) UsedMemory() int64 {
	_, mem := r.res.Reserved()
	return mem
}

// StartContainer admits, reserves and launches one container. The admission
// check runs before any side effect: a rejected request leaves no trace. The
// tracked entry is registered before the container is running so concurrent
// requests observe the reservation.
func (r *Runtime) StartContainer(ctx context.Context, params contracts.ContainerStartParameters) contracts.ContainerStartResponse {
	r.mu.Lock()
	if _, exists := r.containers[params.Name]; exists {
		r.mu.Unlock()
		return r.failure(fmt.Sprintf("container %q already tracked", params.Name))
	}
	reservation, err := r.res.Reserve(params.ReservedCPU, params.ReservedMemory)
	if err != nil {
		r.mu.Unlock()
		return r.failure(contracts.ErrReasonNoCapacity)
	}
	tracked := &TrackedContainer{
		Name:        params.Name,
		Image:       params.Image,
		CreatedAt:   time.Now().UTC(),
		CPU:         params.ReservedCPU,
		Memory:      params.ReservedMemory,
		reservation: reservation,
	}
	r.containers[params.Name] = tracked
	r.mu.Unlock()

	rollback := func() {
		r.mu.Lock()
		delete(r.containers, params.Name)
		if tracked.EngineID != "" {
			delete(r.byEngineID, tracked.EngineID)
		}
		r.mu.Unlock()
		tracked.releaseResources()
	}

	portLease, err := r.ports.Acquire()
	if err != nil {
		rollback()
		return r.failure(err.Error())
	}
	tracked.portLease = portLease
	tracked.Port = portLease.Port()

	if err := r.launch(ctx, params, tracked); err != nil {
		r.logger.Error().Err(err).Str("container", params.Name).Msg("container launch failed")
		rollback()
		return r.failure(err.Error())
	}

	resp := r.successSnapshot()
	desc := r.describe(tracked)
	resp.Container = &desc
	return resp
}

func (r *Runtime) launch(ctx context.Context, params contracts.ContainerStartParameters, tracked *TrackedContainer) error {
	hasImage, err := r.engine.HasImage(ctx, params.Image)
	if err != nil {
		return err
	}
	if !hasImage {
		r.logger.Info().Str("image", params.Image).Msg("pulling image")
		if err := r.engine.PullImage(ctx, params.Image); err != nil {
			return err
		}
	}

	labels := map[string]string{agentLabel: r.agentID}
	if params.AppDeploymentID != "" {
		labels["fgf.deployment"] = params.AppDeploymentID
	}
	env := make(map[string]string, len(params.Env)+1)
	for k, v := range params.Env {
		env[k] = v
	}
	env[contracts.EnvServerPort] = fmt.Sprintf("%d", tracked.Port)

	engineID, err := r.engine.CreateContainer(ctx, ContainerSpec{
		Image:   params.Image,
		Name:    params.Name,
		Labels:  labels,
		Env:     env,
		Memory:  params.MemoryLimit,
		CPUs:    params.CPULimit,
		PortUDP: tracked.Port,
		HostIP:  r.publicIP,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	tracked.EngineID = engineID
	r.byEngineID[engineID] = tracked
	r.mu.Unlock()

	return r.engine.StartContainer(ctx, engineID)
}

// StopContainer stops a container this agent owns.
func (r *Runtime) StopContainer(ctx context.Context, containerID string, graceSeconds uint) error {
	r.mu.Lock()
	tracked, ok := r.byEngineID[containerID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContainer, containerID)
	}
	return r.engine.StopContainer(ctx, tracked.EngineID, graceSeconds)
}

// RunningContainers lists the currently tracked containers.
func (r *Runtime) RunningContainers() []contracts.ContainerDescription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contracts.ContainerDescription, 0, len(r.containers))
	for _, tracked := range r.containers {
		out = append(out, r.describe(tracked))
	}
	return out
}

// StreamLogs opens a log stream for one tracked container.
func (r *Runtime) StreamLogs(ctx context.Context, containerID string, opts LogOptions) (<-chan string, error) {
	r.mu.Lock()
	tracked, ok := r.byEngineID[containerID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContainer, containerID)
	}
	return r.engine.Logs(ctx, tracked.EngineID, opts)
}

// StatusSnapshot returns the capacity and reservation snapshot without
// touching the engine.
func (r *Runtime) StatusSnapshot() contracts.AgentStatus {
	status := contracts.AgentStatus{
		AgentID:      r.agentID,
		Claims:       r.claims,
		AgentVersion: r.version,
	}
	status.TotalCPU, status.TotalMemory = r.res.Totals()
	status.ReservedCPU, status.ReservedMemory = r.res.Reserved()
	return status
}

// GetStatus reports engine reachability and the reservation snapshot. It
// never fails; engine errors are carried in the returned status.
func (r *Runtime) GetStatus(ctx context.Context) contracts.AgentStatus {
	status := r.StatusSnapshot()

	version, err := r.engine.Version(ctx)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.DockerVersion = version
	return status
}

// Reap kills containers left over from a previous run of this agent.
func (r *Runtime) Reap(ctx context.Context) error {
	containers, err := r.engine.ListContainers(ctx, agentLabel+"="+r.agentID)
	if err != nil {
		return err
	}
	for _, c := range containers {
		r.logger.Warn().Str("container_id", c.ID).Msg("killing leftover container")
		if err := r.engine.KillContainer(ctx, c.ID); err != nil {
			r.logger.Error().Err(err).Str("container_id", c.ID).Msg("failed to kill leftover container")
		}
	}
	return nil
}

func (r *Runtime) describe(tracked *TrackedContainer) contracts.ContainerDescription {
	return contracts.ContainerDescription{
		ContainerID: tracked.EngineID,
		Name:        tracked.Name,
		Image:       tracked.Image,
		AgentID:     r.agentID,
		CreatedAt:   tracked.CreatedAt,
		CPU:         tracked.CPU,
		Memory:      tracked.Memory,
		Port:        tracked.Port,
	}
}

func (r *Runtime) failure(reason string) contracts.ContainerStartResponse {
	resp := r.successSnapshot()
	resp.Success = false
	resp.Error = reason
	return resp
}

func (r *Runtime) successSnapshot() contracts.ContainerStartResponse {
	resp := contracts.ContainerStartResponse{Success: true}
	resp.TotalCPU, resp.TotalMemory = r.res.Totals()
	resp.ReservedCPU, resp.ReservedMemory = r.res.Reserved()
	return resp
}

func (r *Runtime) notify(change StateChange) {
	if r.onStateChanged != nil {
		r.onStateChanged(change)
	}
}
