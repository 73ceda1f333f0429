package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/t77yq/rolegroup/internal/runner"
)

// Client sends commands to a running group
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewClient creates a client; each request waits at most timeout
func NewClient(nc *nats.Conn, timeout time.Duration) *Client {
	return &Client{nc: nc, timeout: timeout}
}

// Send sends an action to the group and returns its reply. A reply that
// reports an error is returned as ErrCommandFailed.
func (c *Client) Send(ctx context.Context, group, action string) (*Reply, error) {
	data, err := json.Marshal(Command{Action: action})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, ControlSubject(group), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("%s: %w", group, ErrGroupUnreachable)
		}
		return nil, fmt.Errorf("failed to send %s: %w", action, err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	if !reply.OK {
		return &reply, fmt.Errorf("%w: %s", ErrCommandFailed, reply.Error)
	}
	return &reply, nil
}

// Pause pauses the group
func (c *Client) Pause(ctx context.Context, group string) error {
	_, err := c.Send(ctx, group, ActionPause)
	return err
}

// Resume resumes the group
func (c *Client) Resume(ctx context.Context, group string) error {
	_, err := c.Send(ctx, group, ActionResume)
	return err
}

// Stop stops the group
func (c *Client) Stop(ctx context.Context, group string) error {
	_, err := c.Send(ctx, group, ActionStop)
	return err
}

// Status fetches a snapshot of the group
func (c *Client) Status(ctx context.Context, group string) (*runner.Status, error) {
	reply, err := c.Send(ctx, group, ActionStatus)
	if err != nil {
		return nil, err
	}
	return reply.Status, nil
}
