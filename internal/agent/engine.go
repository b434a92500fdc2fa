package agent

import (
	"context"
	"time"
)

// ContainerSpec describes a container to create on the local engine.
type ContainerSpec struct {
	Image  string
	Name   string
	Labels map[string]string
	Env    map[string]string
	// Memory limit in bytes.
	Memory int64
	// CPU time ratio limit (1.0 = one core).
	CPUs float64
	// UDP port bound on the host and exposed to the container.
	PortUDP uint16
	HostIP  string
}

// ContainerSummary is one engine-side container listing entry.
type ContainerSummary struct {
	ID    string
	Name  string
	Image string
}

// Event is one container lifecycle event from the engine's event stream.
type Event struct {
	ContainerID string
	Action      string
	At          time.Time
}

// Engine event actions the runtime reacts to.
const (
	EventActionStart = "start"
	EventActionStop  = "stop"
	EventActionDie   = "die"
)

// LogOptions bound a container log query.
type LogOptions struct {
	Since  *time.Time
	Until  *time.Time
	Tail   uint
	Follow bool
}

// Engine abstracts the local container engine. The production implementation
// drives the docker CLI; tests substitute a fake.
type Engine interface {
	Ping(ctx context.Context) error
	Version(ctx context.Context) (string, error)
	HasImage(ctx context.Context, image string) (bool, error)
	PullImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, graceSeconds uint) error
	KillContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, label string) ([]ContainerSummary, error)
	// Events streams container lifecycle events from since onwards. The
	// returned channel closes when the underlying stream ends or ctx is
	// canceled; callers are expected to resubscribe.
	Events(ctx context.Context, since time.Time) (<-chan Event, error)
	// Logs streams log lines for one container, closed on end or cancel.
	Logs(ctx context.Context, id string, opts LogOptions) (<-chan string, error)
}
