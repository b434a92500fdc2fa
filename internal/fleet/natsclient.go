package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/pkg/bus"
	"github.com/nats-io/nats.go"
)

const streamBuffer = 64

// NATSAgentClient speaks the per-agent request/reply protocol over NATS.
type NATSAgentClient struct {
	nc      *nats.Conn
	agentID string
}

// NewNATSAgentClient returns a client for one agent's RPC subjects.
func NewNATSAgentClient(nc *nats.Conn, agentID string) *NATSAgentClient {
	return &NATSAgentClient{nc: nc, agentID: agentID}
}

func (c *NATSAgentClient) request(ctx context.Context, op string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := c.nc.RequestWithContext(ctx, bus.AgentSubject(c.agentID, op), payload)
	if err != nil {
		return fmt.Errorf("agent %s %s: %w", c.agentID, op, err)
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal(msg.Data, resp)
}

func (c *NATSAgentClient) GetStatus(ctx context.Context) (contracts.AgentStatus, error) {
	var status contracts.AgentStatus
	err := c.request(ctx, contracts.OpGetStatus, struct{}{}, &status)
	return status, err
}

func (c *NATSAgentClient) StartContainer(ctx context.Context, params contracts.ContainerStartParameters) (contracts.ContainerStartResponse, error) {
	var resp contracts.ContainerStartResponse
	err := c.request(ctx, contracts.OpTryStartContainer, params, &resp)
	return resp, err
}

func (c *NATSAgentClient) StopContainer(ctx context.Context, containerID string, graceSeconds uint) error {
	var resp contracts.ContainerStopResponse
	params := contracts.ContainerStopParameters{ContainerID: containerID, GraceSeconds: graceSeconds}
	if err := c.request(ctx, contracts.OpStopContainer, params, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	return nil
}

func (c *NATSAgentClient) RunningContainers(ctx context.Context) ([]contracts.ContainerDescription, error) {
	var containers []contracts.ContainerDescription
	err := c.request(ctx, contracts.OpGetRunningContainers, struct{}{}, &containers)
	return containers, err
}

// StreamEvents subscribes a fresh inbox subject, asks the agent to push
// capacity deltas to it, and decodes until ctx is canceled.
func (c *NATSAgentClient) StreamEvents(ctx context.Context) (<-chan contracts.ContainerStatusUpdate, error) {
	subject := c.nc.NewRespInbox()
	raw, err := bus.SubscribeStream(ctx, c.nc, subject, streamBuffer)
	if err != nil {
		return nil, err
	}
	if err := c.request(ctx, contracts.OpGetDockerEvents, contracts.EventStreamParameters{StreamSubject: subject}, nil); err != nil {
		return nil, err
	}

	out := make(chan contracts.ContainerStatusUpdate, streamBuffer)
	go func() {
		defer close(out)
		defer c.stopStream(subject)
		for data := range raw {
			var update contracts.ContainerStatusUpdate
			if err := json.Unmarshal(data, &update); err != nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- update:
			}
		}
	}()
	return out, nil
}

// StreamLogs asks the agent to publish log batches to a fresh inbox subject
// and decodes them until the end-of-stream marker or cancellation.
func (c *NATSAgentClient) StreamLogs(ctx context.Context, params contracts.ContainerLogsParameters) (<-chan contracts.LogBatch, error) {
	params.StreamSubject = c.nc.NewRespInbox()
	raw, err := bus.SubscribeStream(ctx, c.nc, params.StreamSubject, streamBuffer)
	if err != nil {
		return nil, err
	}
	if err := c.request(ctx, contracts.OpGetLogs, params, nil); err != nil {
		return nil, err
	}

	out := make(chan contracts.LogBatch, streamBuffer)
	go func() {
		defer close(out)
		defer c.stopStream(params.StreamSubject)
		for data := range raw {
			var batch contracts.LogBatch
			if err := json.Unmarshal(data, &batch); err != nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- batch:
			}
		}
	}()
	return out, nil
}

// stopStream tells the agent the consumer is gone. Without it a Follow log
// stream or event fan-out keeps publishing to an inbox nobody reads, since
// NATS publishes to a dead subject never error.
func (c *NATSAgentClient) stopStream(subject string) {
	payload, err := json.Marshal(contracts.StopStreamParameters{StreamSubject: subject})
	if err != nil {
		return
	}
	_ = c.nc.Publish(bus.AgentSubject(c.agentID, contracts.OpStopStream), payload)
}

func (c *NATSAgentClient) NotifyActiveApp(ctx context.Context, deploymentID string) error {
	params := contracts.UpdateActiveAppParameters{DeploymentID: deploymentID}
	payload, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.nc.Publish(bus.AgentSubject(c.agentID, contracts.OpUpdateActiveApp), payload)
}
