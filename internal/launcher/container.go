package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/group"
	"github.com/t77yq/rolegroup/internal/model"
)

// ContainerScheme selects the container backend: docker://<image>
const ContainerScheme = "docker"

// DockerClient is the part of the docker API the container backend uses
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// NewDockerClient connects to the daemon named by the environment
func NewDockerClient() (*client.Client, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return docker, nil
}

// Container runs roles as docker containers
type Container struct {
	logger *zap.Logger
	docker DockerClient
	logs   *LogManager
	clock  clock.Clock

	mu         sync.Mutex
	containers map[group.ProcessID]*containerEntry
}

// containerEntry tracks one launch from Launch until its exit. An abort that
// arrives before the container is started is remembered and honoured once
// the container exists.
type containerEntry struct {
	containerID string
	started     bool
	aborted     bool
}

// NewContainer creates a container backend
func NewContainer(docker DockerClient, logs *LogManager, clk clock.Clock, logger *zap.Logger) *Container {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Container{
		logger:     logger.Named("container"),
		docker:     docker,
		logs:       logs,
		clock:      clk,
		containers: make(map[group.ProcessID]*containerEntry),
	}
}

// Launch implements Backend
func (c *Container) Launch(ctx context.Context, id group.ProcessID, req group.LaunchRequest, done func(Exit)) {
	started := c.clock.Now()
	entry := &containerEntry{}
	c.mu.Lock()
	c.containers[id] = entry
	c.mu.Unlock()

	go func() {
		value := c.run(ctx, id, req, entry)
		c.mu.Lock()
		delete(c.containers, id)
		c.mu.Unlock()
		done(Exit{
			ID:          id,
			Role:        req.Role,
			Value:       value,
			StartedAt:   started,
			CompletedAt: c.clock.Now(),
		})
	}()
}

func (c *Container) run(ctx context.Context, id group.ProcessID, req group.LaunchRequest, entry *containerEntry) model.Completion {
	image := strings.TrimPrefix(req.Executable, ContainerScheme+"://")
	if req.Forwarding {
		c.logger.Warn("Input forwarding is not supported for containers", zap.String("role", req.Role))
	}

	created, err := c.docker.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        Arguments(req),
		Env:        Environment(req.Env),
		WorkingDir: req.WorkingDir,
		Labels: map[string]string{
			"rolegroup.role":    req.Role,
			"rolegroup.process": string(id),
		},
	}, nil, nil, nil, "")
	if err != nil {
		return fault(fmt.Errorf("failed to create container: %w", err))
	}
	defer c.remove(created.ID)

	c.mu.Lock()
	entry.containerID = created.ID
	aborted := entry.aborted
	c.mu.Unlock()
	if aborted {
		c.logger.Info("Container aborted before start",
			zap.String("role", req.Role),
			zap.String("process_id", string(id)),
			zap.String("container_id", created.ID))
		return fault(errors.New("aborted before start"))
	}

	waitC, errC := c.docker.ContainerWait(ctx, created.ID, container.WaitConditionNextExit)

	if err := c.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fault(fmt.Errorf("failed to start container: %w", err))
	}
	c.mu.Lock()
	entry.started = true
	aborted = entry.aborted
	c.mu.Unlock()
	if aborted {
		// the abort arrived while the container was starting
		if err := c.interrupt(created.ID); err != nil {
			c.logger.Error("Failed to interrupt container", zap.String("container_id", created.ID), zap.Error(err))
		}
	}
	c.logger.Info("Container started",
		zap.String("role", req.Role),
		zap.String("process_id", string(id)),
		zap.String("container_id", created.ID),
		zap.String("image", image))

	var stdout bytes.Buffer
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		c.collect(ctx, created.ID, req.Role, id, &stdout)
	}()

	var value model.Completion
	select {
	case resp := <-waitC:
		value.ExitCode = int(resp.StatusCode)
		if resp.Error != nil {
			value.Fault = resp.Error.Message
		} else if resp.StatusCode != 0 {
			value.Fault = fmt.Sprintf("exit status %d", resp.StatusCode)
		}
	case err := <-errC:
		value = fault(fmt.Errorf("failed to wait for container: %w", err))
	}

	<-copied
	value.Output = outputValue(stdout.Bytes())
	return value
}

// collect splits the multiplexed log stream: stdout is the role's result,
// stderr goes to the role log
func (c *Container) collect(ctx context.Context, containerID, role string, id group.ProcessID, stdout io.Writer) {
	reader, err := c.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		c.logger.Error("Failed to get container logs", zap.String("container_id", containerID), zap.Error(err))
		return
	}
	defer reader.Close()

	var stderr io.WriteCloser = nopWriteCloser{io.Discard}
	if c.logs != nil {
		stderr = c.logs.Writer(role, id, "stderr")
	}
	defer stderr.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil {
		c.logger.Error("Failed to read container logs", zap.String("container_id", containerID), zap.Error(err))
	}
}

// Abort relays an interrupt to the container. A container that is not
// started yet is marked and never started.
func (c *Container) Abort(id group.ProcessID) error {
	c.mu.Lock()
	entry, ok := c.containers[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("abort %s: %w", id, ErrProcessNotFound)
	}
	entry.aborted = true
	started, containerID := entry.started, entry.containerID
	c.mu.Unlock()

	if !started {
		c.logger.Info("Abort pending until the container exists", zap.String("process_id", string(id)))
		return nil
	}
	if err := c.interrupt(containerID); err != nil {
		return err
	}
	c.logger.Info("Container interrupted", zap.String("process_id", string(id)), zap.String("container_id", containerID))
	return nil
}

func (c *Container) interrupt(containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.docker.ContainerKill(ctx, containerID, "SIGINT"); err != nil {
		return fmt.Errorf("failed to interrupt container: %w", err)
	}
	return nil
}

func (c *Container) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		c.logger.Error("Failed to remove container", zap.String("container_id", containerID), zap.Error(err))
	}
}

func fault(err error) model.Completion {
	return model.Completion{ExitCode: -1, Fault: err.Error()}
}
