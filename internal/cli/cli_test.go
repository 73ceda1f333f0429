package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/rolegroup/internal/group"
	"github.com/t77yq/rolegroup/internal/model"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 3, ExitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: 3, Err: errors.New("x")})))
}

func TestWriteResult(t *testing.T) {
	tests := []struct {
		name   string
		result group.Result
		output string
		code   int
	}{
		{
			name:   "ack",
			result: group.Result{Kind: group.ResultAck},
		},
		{
			name:   "main value",
			result: group.Result{Kind: group.ResultMain, Value: &model.Completion{Output: json.RawMessage(`{"n":1}`)}},
			output: "{\"n\":1}\n",
		},
		{
			name:   "main fault keeps the exit code",
			result: group.Result{Kind: group.ResultMain, Value: &model.Completion{ExitCode: 4, Fault: "exit status 4"}},
			code:   4,
		},
		{
			name:   "main fault without exit code",
			result: group.Result{Kind: group.ResultMain, Value: &model.Completion{ExitCode: -1, Fault: "signal: killed"}},
			code:   1,
		},
		{
			name:   "failed",
			result: group.Result{Kind: group.ResultFailed, Err: group.ErrAllRolesRemoved},
			code:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := writeResult(&buf, tt.result)
			assert.Equal(t, tt.output, buf.String())
			assert.Equal(t, tt.code, ExitCode(err))
		})
	}

	t.Run("record", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeResult(&buf, group.Result{
			Kind:   group.ResultRecord,
			Record: &model.GroupRun{ID: "r1", Group: "g", Roles: []string{"a"}},
		}))
		var run model.GroupRun
		require.NoError(t, json.Unmarshal(buf.Bytes(), &run))
		assert.Equal(t, "r1", run.ID)
	})
}

type recordingTarget struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTarget) add(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return nil
}

func (r *recordingTarget) Pause(context.Context) error  { return r.add("pause") }
func (r *recordingTarget) Resume(context.Context) error { return r.add("resume") }
func (r *recordingTarget) Stop(context.Context) error   { return r.add("stop") }

func TestRelay(t *testing.T) {
	target := &recordingTarget{}
	logger := zaptest.NewLogger(t)

	relay(target, syscall.SIGUSR1, logger)
	relay(target, syscall.SIGUSR2, logger)
	relay(target, syscall.SIGINT, logger)
	relay(target, syscall.SIGTERM, logger)

	assert.Equal(t, []string{"pause", "resume", "stop", "stop"}, target.calls)
}

func writeGroupConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
group:
  name: billing
history:
  path: %s
logs:
  dir: %s
roles:
  answer:
    executable: /bin/sh
    args: ["-c", "echo '{\"answer\":42}'"]
  broken:
    executable: /bin/sh
    args: ["-c", "exit 3"]
`, filepath.Join(dir, "history.db"), filepath.Join(dir, "logs"))
	path := filepath.Join(dir, "groupd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRun(t *testing.T) {
	// Setup
	path := writeGroupConfig(t)

	// Test case 1: the main role's value is the output
	out, err := execute(t, "run", "--config", path, "--roles", "answer,broken", "--main-role", "answer")
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":42}`, out)

	// Test case 2: a failing main role sets the exit status
	_, err = execute(t, "run", "--config", path, "--roles", "broken", "--main-role", "broken")
	assert.Equal(t, 3, ExitCode(err))

	// Test case 3: a main role outside the role list is rejected
	_, err = execute(t, "run", "--config", path, "--roles", "answer", "--main-role", "broken")
	assert.Error(t, err)

	// Test case 4: no role left to run
	_, err = execute(t, "run", "--config", path, "--roles", "ghost")
	assert.ErrorIs(t, err, group.ErrAllRolesRemoved)
	assert.Equal(t, 1, ExitCode(err))

	// Test case 5: both finished runs are in the history
	out, err = execute(t, "history", "--config", path, "--json")
	require.NoError(t, err)
	var runs []*model.GroupRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "billing", runs[0].Group)

	// Test case 6: one run with its exits
	out, err = execute(t, "history", "--config", path, runs[1].ID)
	require.NoError(t, err)
	var shown struct {
		ID    string            `json:"id"`
		Exits []*model.RoleExit `json:"exits"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, runs[1].ID, shown.ID)
	assert.NotEmpty(t, shown.Exits)

	// Test case 7: the table lists the runs
	out, err = execute(t, "history", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "RUN ID")
	assert.Contains(t, out, runs[0].ID)
}
