package contracts

import "time"

// RPC operation names exposed by an agent runtime to the fleet scheduler.
const (
	OpGetStatus            = "getStatus"
	OpTryStartContainer    = "tryStartContainer"
	OpStopContainer        = "stopContainer"
	OpGetRunningContainers = "getRunningContainers"
	OpGetLogs              = "getLogs"
	OpGetDockerEvents      = "getDockerEvents"
	OpStopStream           = "stopStream"
	OpUpdateActiveApp      = "updateActiveApp"
)

// AgentDescription announces an agent and its capacity to the scheduler.
// BootID changes on every agent process start so the scheduler can tell a
// restart apart from a periodic re-announcement.
type AgentDescription struct {
	ID          string            `json:"id"`
	BootID      string            `json:"boot_id,omitempty"`
	Region      string            `json:"region,omitempty"`
	Claims      map[string]string `json:"claims,omitempty"`
	TotalCPU    float64           `json:"total_cpu"`
	TotalMemory int64             `json:"total_memory"`
}

// AgentStatus is the capacity and reservation snapshot returned by getStatus.
type AgentStatus struct {
	AgentID        string            `json:"agent_id"`
	Claims         map[string]string `json:"claims,omitempty"`
	AgentVersion   string            `json:"agent_version"`
	DockerVersion  string            `json:"docker_version"`
	TotalCPU       float64           `json:"total_cpu"`
	ReservedCPU    float64           `json:"reserved_cpu"`
	TotalMemory    int64             `json:"total_memory"`
	ReservedMemory int64             `json:"reserved_memory"`
	Error          string            `json:"error,omitempty"`
}

// ContainerStartParameters is the tryStartContainer request.
type ContainerStartParameters struct {
	Image           string            `json:"image"`
	Name            string            `json:"name"`
	ReservedCPU     float64           `json:"reserved_cpu"`
	ReservedMemory  int64             `json:"reserved_memory"`
	CPULimit        float64           `json:"cpu_limit"`
	MemoryLimit     int64             `json:"memory_limit"`
	Env             map[string]string `json:"env,omitempty"`
	AppDeploymentID string            `json:"app_deployment_id,omitempty"`
	CrashDumps      bool              `json:"crash_dumps,omitempty"`
}

// ContainerStartResponse reports the outcome of tryStartContainer together
// with a usage snapshot taken after the reservation.
type ContainerStartResponse struct {
	Success        bool                  `json:"success"`
	Error          string                `json:"error,omitempty"`
	Container      *ContainerDescription `json:"container,omitempty"`
	TotalCPU       float64               `json:"total_cpu"`
	ReservedCPU    float64               `json:"reserved_cpu"`
	TotalMemory    int64                 `json:"total_memory"`
	ReservedMemory int64                 `json:"reserved_memory"`
}

// ErrReasonNoCapacity is returned by tryStartContainer when admission fails.
// The scheduler treats it as a quiet miss rather than an agent fault.
const ErrReasonNoCapacity = "unableToSatisfyResourceReservation"

type ContainerStopParameters struct {
	ContainerID  string `json:"container_id"`
	GraceSeconds uint   `json:"grace_seconds,omitempty"`
}

type ContainerStopResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ContainerDescription describes one tracked container on an agent.
type ContainerDescription struct {
	ContainerID string    `json:"container_id"`
	Name        string    `json:"name"`
	Image       string    `json:"image"`
	AgentID     string    `json:"agent_id"`
	CreatedAt   time.Time `json:"created_at"`
	CPU         float64   `json:"cpu"`
	Memory      int64     `json:"memory"`
	Port        uint16    `json:"port,omitempty"`
}

// ContainerLogsParameters is the getLogs request. Chunk batches are published
// on StreamSubject, terminated by an empty end-of-stream marker.
type ContainerLogsParameters struct {
	ContainerID   string     `json:"container_id"`
	Since         *time.Time `json:"since,omitempty"`
	Until         *time.Time `json:"until,omitempty"`
	Size          uint       `json:"size,omitempty"`
	Follow        bool       `json:"follow,omitempty"`
	StreamSubject string     `json:"stream_subject"`
}

// LogBatch is one chunk of container log lines.
type LogBatch struct {
	Lines []string `json:"lines"`
}

// EventStreamParameters is the getDockerEvents request.
type EventStreamParameters struct {
	StreamSubject string `json:"stream_subject"`
}

// StopStreamParameters ends a log or event stream the caller no longer
// consumes, so the producer side can stop publishing to its subject.
type StopStreamParameters struct {
	StreamSubject string `json:"stream_subject"`
}

// ContainerStatusUpdate is a capacity/usage delta pushed on the agent's
// event stream whenever a container starts or dies.
type ContainerStatusUpdate struct {
	AgentID        string  `json:"agent_id"`
	ContainerID    string  `json:"container_id,omitempty"`
	Running        bool    `json:"running"`
	TotalCPU       float64 `json:"total_cpu"`
	ReservedCPU    float64 `json:"reserved_cpu"`
	TotalMemory    int64   `json:"total_memory"`
	ReservedMemory int64   `json:"reserved_memory"`
}

// UpdateActiveAppParameters notifies agents that the active deployment changed
// so they can redirect new placements.
type UpdateActiveAppParameters struct {
	DeploymentID string `json:"deployment_id"`
}
