package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
)

// AgentClient is the scheduler's view of one remote agent runtime. The
// production implementation speaks NATS request/reply; tests substitute a
// fake.
type AgentClient interface {
	GetStatus(ctx context.Context) (contracts.AgentStatus, error)
	StartContainer(ctx context.Context, params contracts.ContainerStartParameters) (contracts.ContainerStartResponse, error)
	StopContainer(ctx context.Context, containerID string, graceSeconds uint) error
	RunningContainers(ctx context.Context) ([]contracts.ContainerDescription, error)
	StreamEvents(ctx context.Context) (<-chan contracts.ContainerStatusUpdate, error)
	StreamLogs(ctx context.Context, params contracts.ContainerLogsParameters) (<-chan contracts.LogBatch, error)
	NotifyActiveApp(ctx context.Context, deploymentID string) error
}

// Agent is the scheduler-side record for one connected agent.
type Agent struct {
	ID     string
	BootID string
	Region string
	Claims map[string]string

	client AgentClient
	cancel context.CancelFunc

	mu             sync.Mutex
	totalCPU       float64
	totalMemory    int64
	reservedCPU    float64
	reservedMemory int64
	active         bool
	faults         []time.Time
}

func newAgent(desc contracts.AgentDescription, client AgentClient, cancel context.CancelFunc) *Agent {
	region := desc.Region
	if region == "" {
		region = desc.Claims["agent.region"]
	}
	return &Agent{
		ID:          desc.ID,
		BootID:      desc.BootID,
		Region:      region,
		Claims:      desc.Claims,
		client:      client,
		cancel:      cancel,
		totalCPU:    desc.TotalCPU,
		totalMemory: desc.TotalMemory,
		active:      true,
	}
}

func (a *Agent) applyUsage(totalCPU, reservedCPU float64, totalMemory, reservedMemory int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalCPU = totalCPU
	a.reservedCPU = reservedCPU
	a.totalMemory = totalMemory
	a.reservedMemory = reservedMemory
}

func (a *Agent) setActive(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = active
}

// eligible reports whether the agent can be offered a placement for the
// requested reservation right now.
func (a *Agent) eligible(cpu float64, memory int64, now time.Time, faultExpiry time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return false
	}
	for _, at := range a.faults {
		if now.Sub(at) < faultExpiry {
			return false
		}
	}
	return a.totalCPU-a.reservedCPU >= cpu && a.totalMemory-a.reservedMemory >= memory
}

// recordFault registers a placement fault and returns the number of faults
// still live in the expiry window.
func (a *Agent) recordFault(now time.Time, faultExpiry time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	live := a.faults[:0]
	for _, at := range a.faults {
		if now.Sub(at) < faultExpiry {
			live = append(live, at)
		}
	}
	a.faults = append(live, now)
	return len(a.faults)
}

func (a *Agent) clearFaults() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults = nil
}
