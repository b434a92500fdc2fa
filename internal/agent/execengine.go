package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ExecEngine drives a local docker daemon through the docker CLI.
type ExecEngine struct {
	binary string
}

// NewExecEngine returns an engine backed by the docker binary on PATH.
func NewExecEngine() *ExecEngine {
	return &ExecEngine{binary: "docker"}
}

func (e *ExecEngine) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("docker %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (e *ExecEngine) Ping(ctx context.Context) error {
	_, err := e.run(ctx, "version", "--format", "{{.Server.Version}}")
	return err
}

func (e *ExecEngine) Version(ctx context.Context) (string, error) {
	return e.run(ctx, "version", "--format", "{{.Server.Version}}")
}

func (e *ExecEngine) HasImage(ctx context.Context, image string) (bool, error) {
	cmd := exec.CommandContext(ctx, e.binary, "image", "inspect", "--format", "{{.Id}}", image)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *ExecEngine) PullImage(ctx context.Context, image string) error {
	_, err := e.run(ctx, "pull", image)
	return err
}

func (e *ExecEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"create", "--name", spec.Name, "--dns", "8.8.8.8", "--dns", "8.8.4.4"}
	if spec.Memory > 0 {
		args = append(args, "--memory", strconv.FormatInt(spec.Memory, 10))
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64))
	}
	if spec.PortUDP > 0 {
		port := strconv.Itoa(int(spec.PortUDP))
		binding := port + ":" + port + "/udp"
		if spec.HostIP != "" {
			binding = spec.HostIP + ":" + binding
		}
		args = append(args, "-p", binding)
	}
	for _, key := range sortedKeys(spec.Labels) {
		args = append(args, "--label", key+"="+spec.Labels[key])
	}
	for _, key := range sortedKeys(spec.Env) {
		args = append(args, "--env", key+"="+spec.Env[key])
	}
	args = append(args, spec.Image)

	return e.run(ctx, args...)
}

func (e *ExecEngine) StartContainer(ctx context.Context, id string) error {
	_, err := e.run(ctx, "start", id)
	return err
}

func (e *ExecEngine) StopContainer(ctx context.Context, id string, graceSeconds uint) error {
	_, err := e.run(ctx, "stop", "-t", strconv.FormatUint(uint64(graceSeconds), 10), id)
	return err
}

func (e *ExecEngine) KillContainer(ctx context.Context, id string) error {
	_, err := e.run(ctx, "kill", id)
	return err
}

func (e *ExecEngine) ListContainers(ctx context.Context, label string) ([]ContainerSummary, error) {
	args := []string{"ps", "-a", "--no-trunc", "--format", "{{.ID}}\t{{.Names}}\t{{.Image}}"}
	if label != "" {
		args = append(args, "--filter", "label="+label)
	}
	out, err := e.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var containers []ContainerSummary
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 3 || fields[0] == "" {
			continue
		}
		containers = append(containers, ContainerSummary{ID: fields[0], Name: fields[1], Image: fields[2]})
	}
	return containers, nil
}

type dockerEvent struct {
	Status   string `json:"status"`
	ID       string `json:"id"`
	TimeNano int64  `json:"timeNano"`
}

func (e *ExecEngine) Events(ctx context.Context, since time.Time) (<-chan Event, error) {
	cmd := exec.CommandContext(ctx, e.binary, "events",
		"--filter", "type=container",
		"--since", strconv.FormatInt(since.Unix(), 10),
		"--format", "{{json .}}")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = cmd.Wait() }()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			var raw dockerEvent
			if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
				continue
			}
			ev := Event{ContainerID: raw.ID, Action: raw.Status, At: time.Unix(0, raw.TimeNano)}
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}

func (e *ExecEngine) Logs(ctx context.Context, id string, opts LogOptions) (<-chan string, error) {
	args := []string{"logs", "--timestamps"}
	if opts.Tail > 0 {
		args = append(args, "--tail", strconv.FormatUint(uint64(opts.Tail), 10))
	}
	if opts.Since != nil {
		args = append(args, "--since", opts.Since.Format(time.RFC3339))
	}
	if opts.Until != nil {
		args = append(args, "--until", opts.Until.Format(time.RFC3339))
	}
	if opts.Follow {
		args = append(args, "--follow")
	}
	args = append(args, id)

	cmd := exec.CommandContext(ctx, e.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer func() { _ = cmd.Wait() }()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			case out <- scanner.Text():
			}
		}
	}()
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
