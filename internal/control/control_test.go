package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/rolegroup/internal/model"
	"github.com/t77yq/rolegroup/internal/runner"
	"github.com/t77yq/rolegroup/internal/testutil"
)

type fakeTarget struct {
	mu      sync.Mutex
	actions []string
	fail    error
}

func (f *fakeTarget) record(action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return f.fail
}

func (f *fakeTarget) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeTarget) Pause(context.Context) error  { return f.record(ActionPause) }
func (f *fakeTarget) Resume(context.Context) error { return f.record(ActionResume) }
func (f *fakeTarget) Stop(context.Context) error   { return f.record(ActionStop) }

func (f *fakeTarget) Status(context.Context) (runner.Status, error) {
	if err := f.record(ActionStatus); err != nil {
		return runner.Status{}, err
	}
	return runner.Status{Group: "billing", State: "RUNNING", Active: []string{"api"}}, nil
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "groupd.control.billing", ControlSubject("billing"))
	assert.Equal(t, "groupd.event.billing_eu.completed", EventSubject("billing.eu", "completed"))
	assert.Equal(t, "groupd.event.a_b.>", GroupEvents("a b"))
	assert.Equal(t, "groupd.stats._", StatsSubject(""))
	assert.Equal(t, "groupd.alert.g.role_exhausted", AlertSubject("g", "role_exhausted"))
}

func TestCommandServer(t *testing.T) {
	// Setup
	srv := testutil.StartJetStream(t)
	target := &fakeTarget{}
	server := NewCommandServer(srv.Conn, "billing", target, zaptest.NewLogger(t))
	require.NoError(t, server.Start())
	defer server.Stop()

	client := NewClient(srv.Conn, 5*time.Second)
	ctx := context.Background()

	// Test case 1: commands reach the target in order
	require.NoError(t, client.Pause(ctx, "billing"))
	require.NoError(t, client.Resume(ctx, "billing"))
	require.NoError(t, client.Stop(ctx, "billing"))
	assert.Equal(t, []string{ActionPause, ActionResume, ActionStop}, target.actions)

	// Test case 2: status carries the snapshot
	status, err := client.Status(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, []string{"api"}, status.Active)

	// Test case 3: unknown action
	_, err = client.Send(ctx, "billing", "reboot")
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "unknown action")

	// Test case 4: a target error comes back as a failed command
	target.failWith(errors.New("PAUSE in state PAUSED: unexpected event"))
	err = client.Pause(ctx, "billing")
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "unexpected event")
}

func TestClient_Unreachable(t *testing.T) {
	srv := testutil.StartJetStream(t)
	client := NewClient(srv.Conn, time.Second)

	err := client.Stop(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrGroupUnreachable)
}

func TestEventPublisher(t *testing.T) {
	// Setup
	srv := testutil.StartJetStream(t)
	logger := zaptest.NewLogger(t)
	require.NoError(t, SetupStreams(srv.JS, logger))
	require.NoError(t, testutil.WaitForStream(t, srv.JS, EventStream, 5*time.Second))

	publisher := NewEventPublisher(srv.JS, logger)

	// Test case 1: events land on their typed subject
	require.NoError(t, publisher.PublishEvent(&model.GroupEvent{
		Group: "billing", RunID: "r1", Type: model.GroupEventLaunched, Role: "api", State: "RUNNING",
	}))
	require.NoError(t, publisher.PublishEvent(&model.GroupEvent{
		Group: "billing", RunID: "r1", Type: model.GroupEventFinished, State: "FINISHED",
	}))

	msgs, err := testutil.ConsumeMessages(srv.JS, GroupEvents("billing"), 2, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "groupd.event.billing.launched", msgs[0].Subject)

	var ev model.GroupEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
	assert.Equal(t, "api", ev.Role)
	assert.Equal(t, "r1", ev.RunID)

	// Test case 2: setting up the streams again updates them
	require.NoError(t, SetupStreams(srv.JS, logger))
	info, err := srv.JS.StreamInfo(EventStream)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)
}

func TestSubscribeEvents(t *testing.T) {
	// Setup
	srv := testutil.StartJetStream(t)
	logger := zaptest.NewLogger(t)
	require.NoError(t, SetupStreams(srv.JS, logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *model.GroupEvent, 4)
	require.NoError(t, SubscribeEvents(ctx, srv.JS, "billing", func(ev *model.GroupEvent) {
		received <- ev
	}, logger))

	publisher := NewEventPublisher(srv.JS, logger)
	require.NoError(t, publisher.PublishEvent(&model.GroupEvent{Group: "other", Type: model.GroupEventStarted}))
	require.NoError(t, publisher.PublishEvent(&model.GroupEvent{Group: "billing", Type: model.GroupEventExhausted, Role: "worker"}))

	// Test case 1: only the subscribed group is delivered
	select {
	case ev := <-received:
		assert.Equal(t, "billing", ev.Group)
		assert.Equal(t, model.GroupEventExhausted, ev.Type)
		assert.Equal(t, "worker", ev.Role)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Len(t, received, 0)
}
