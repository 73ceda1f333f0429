package launcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/rolegroup/internal/group"
)

type fakeDocker struct {
	mu        sync.Mutex
	created   *container.Config
	killed    []string
	removed   []string
	createErr error
	gate      chan struct{}
	started   bool
	status    int64
	stdout    string
	stderr    string
	exit      chan struct{}
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{exit: make(chan struct{})}
}

func (d *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, _ *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return container.CreateResponse{}, d.createErr
	}
	d.created = config
	return container.CreateResponse{ID: "c1"}, nil
}

func (d *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDocker) isStarted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

func (d *fakeDocker) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitC := make(chan container.WaitResponse, 1)
	go func() {
		<-d.exit
		waitC <- container.WaitResponse{StatusCode: d.status}
	}()
	return waitC, make(chan error)
}

func (d *fakeDocker) ContainerKill(_ context.Context, id, signal string) error {
	d.mu.Lock()
	d.killed = append(d.killed, id+":"+signal)
	d.mu.Unlock()
	d.status = 130
	close(d.exit)
	return nil
}

func (d *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if d.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(d.stdout))
	}
	if d.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(d.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (d *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	d.mu.Lock()
	d.removed = append(d.removed, id)
	d.mu.Unlock()
	return nil
}

func TestContainer_Run(t *testing.T) {
	// Setup
	docker := newFakeDocker()
	docker.stdout = `{"ok": true}` + "\n"
	docker.stderr = "warming up\n"
	close(docker.exit)

	logs, err := NewLogManager(LogConfig{Dir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	c := NewContainer(docker, logs, nil, zaptest.NewLogger(t))

	// Test case 1: the image and the command line are passed through
	exit := launchAndWait(t, c, "p1", group.LaunchRequest{
		Role:       "etl",
		Executable: "docker://busybox:latest",
		Args:       []string{"run"},
		Env:        map[string]string{"MODE": "batch"},
		Anchor:     9,
	})
	require.NotNil(t, docker.created)
	assert.Equal(t, "busybox:latest", docker.created.Image)
	assert.Equal(t, []string{"run", "--group-pid=9", "--role-name=etl"}, []string(docker.created.Cmd))
	assert.Equal(t, []string{"MODE=batch"}, docker.created.Env)
	assert.Equal(t, "etl", docker.created.Labels["rolegroup.role"])

	// Test case 2: stdout is the value, stderr is logged, the container is removed
	assert.False(t, exit.Value.Faulted())
	assert.JSONEq(t, `{"ok": true}`, string(exit.Value.Output))
	assert.Equal(t, []string{"c1"}, docker.removed)

	logs.Flush()
	entries, err := logs.GetLogs("etl", time.Time{}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "warming up", entries[0].Message)
}

func TestContainer_NonZeroStatus(t *testing.T) {
	docker := newFakeDocker()
	docker.status = 2
	close(docker.exit)
	c := NewContainer(docker, nil, nil, zaptest.NewLogger(t))

	exit := launchAndWait(t, c, "p1", group.LaunchRequest{Role: "etl", Executable: "docker://busybox"})

	assert.True(t, exit.Value.Faulted())
	assert.Equal(t, 2, exit.Value.ExitCode)
	assert.Equal(t, "exit status 2", exit.Value.Fault)
}

func TestContainer_CreateFailure(t *testing.T) {
	docker := newFakeDocker()
	docker.createErr = errors.New("no such image")
	c := NewContainer(docker, nil, nil, zaptest.NewLogger(t))

	exit := launchAndWait(t, c, "p1", group.LaunchRequest{Role: "etl", Executable: "docker://missing"})

	assert.True(t, exit.Value.Faulted())
	assert.Contains(t, exit.Value.Fault, "no such image")
	assert.Empty(t, docker.removed)
}

func TestContainer_Abort(t *testing.T) {
	docker := newFakeDocker()
	c := NewContainer(docker, nil, nil, zaptest.NewLogger(t))

	exits := make(chan Exit, 1)
	c.Launch(context.Background(), "p1", group.LaunchRequest{Role: "etl", Executable: "docker://busybox"},
		func(e Exit) { exits <- e })

	require.Eventually(t, docker.isStarted, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Abort("p1"))

	select {
	case exit := <-exits:
		assert.Equal(t, 130, exit.Value.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("container did not exit")
	}
	assert.Equal(t, []string{"c1:SIGINT"}, docker.killed)
}

func TestContainer_AbortDuringCreate(t *testing.T) {
	// Setup
	docker := newFakeDocker()
	docker.gate = make(chan struct{})
	c := NewContainer(docker, nil, nil, zaptest.NewLogger(t))

	exits := make(chan Exit, 1)
	c.Launch(context.Background(), "p1", group.LaunchRequest{Role: "etl", Executable: "docker://busybox"},
		func(e Exit) { exits <- e })

	// Test case 1: the abort is accepted while the container is being created
	require.NoError(t, c.Abort("p1"))
	close(docker.gate)

	// Test case 2: the container is never started and the launch ends with a fault
	select {
	case exit := <-exits:
		assert.True(t, exit.Value.Faulted())
		assert.Equal(t, "aborted before start", exit.Value.Fault)
	case <-time.After(5 * time.Second):
		t.Fatal("aborted launch did not exit")
	}
	assert.False(t, docker.isStarted())
	assert.Empty(t, docker.killed)
	assert.Equal(t, []string{"c1"}, docker.removed)

	// Test case 3: the process is forgotten once it exited
	assert.ErrorIs(t, c.Abort("p1"), ErrProcessNotFound)
}
