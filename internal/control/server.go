package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/runner"
)

const commandTimeout = 10 * time.Second

// Target is what the command server drives, normally a *runner.Runner
type Target interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (runner.Status, error)
}

// Command is the request body on a control subject
type Command struct {
	Action string `json:"action"`
}

// Reply is the response to a Command
type Reply struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status *runner.Status `json:"status,omitempty"`
}

// CommandServer answers control requests for one group
type CommandServer struct {
	nc     *nats.Conn
	group  string
	target Target
	logger *zap.Logger
	sub    *nats.Subscription
}

// NewCommandServer creates a command server for the group
func NewCommandServer(nc *nats.Conn, group string, target Target, logger *zap.Logger) *CommandServer {
	return &CommandServer{
		nc:     nc,
		group:  group,
		target: target,
		logger: logger.Named("control").With(zap.String("group", group)),
	}
}

// Start subscribes to the group's control subject
func (s *CommandServer) Start() error {
	sub, err := s.nc.Subscribe(ControlSubject(s.group), s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control subject: %w", err)
	}
	s.sub = sub
	s.logger.Info("Command server started", zap.String("subject", sub.Subject))
	return nil
}

// Stop unsubscribes from the control subject
func (s *CommandServer) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
}

func (s *CommandServer) handle(msg *nats.Msg) {
	var cmd Command
	reply := Reply{}
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		reply.Error = fmt.Sprintf("failed to unmarshal command: %v", err)
	} else {
		s.logger.Info("Command received", zap.String("action", cmd.Action))
		reply = s.execute(cmd.Action)
	}

	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to respond", zap.Error(err))
	}
}

func (s *CommandServer) execute(action string) Reply {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch action {
	case ActionPause:
		err = s.target.Pause(ctx)
	case ActionResume:
		err = s.target.Resume(ctx)
	case ActionStop:
		err = s.target.Stop(ctx)
	case ActionStatus:
		var status runner.Status
		status, err = s.target.Status(ctx)
		if err == nil {
			return Reply{OK: true, Status: &status}
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	if err != nil {
		s.logger.Warn("Command failed", zap.String("action", action), zap.Error(err))
		return Reply{Error: err.Error()}
	}
	return Reply{OK: true}
}
