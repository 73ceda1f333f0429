package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/rolegroup/internal/model"
)

func setupHistory(t *testing.T) *SQLiteHistory {
	t.Helper()
	h, err := NewSQLiteHistory(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func sampleRun(id, group string, stopped time.Time) *model.GroupRun {
	return &model.GroupRun{
		ID:      id,
		Group:   group,
		Home:    "/srv/" + group,
		Roles:   []string{"api", "worker"},
		Started: stopped.Add(-time.Minute),
		Stopped: stopped,
		Seconds: 60,
		Completed: map[string]model.Completion{
			"api":    {Output: json.RawMessage(`{"ok":true}`)},
			"worker": {ExitCode: 2, Fault: "exit status 2"},
		},
	}
}

func TestSQLiteHistory_Runs(t *testing.T) {
	// Setup
	h := setupHistory(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, h.StoreRun(ctx, sampleRun("r1", "billing", base)))
	require.NoError(t, h.StoreRun(ctx, sampleRun("r2", "billing", base.Add(time.Hour))))
	require.NoError(t, h.StoreRun(ctx, sampleRun("r3", "search", base.Add(2*time.Hour))))

	// Test case 1: get keeps every field
	run, err := h.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "billing", run.Group)
	assert.Equal(t, "/srv/billing", run.Home)
	assert.Equal(t, []string{"api", "worker"}, run.Roles)
	assert.True(t, run.Stopped.Equal(base))
	assert.Equal(t, 60.0, run.Seconds)
	assert.JSONEq(t, `{"ok":true}`, string(run.Completed["api"].Output))
	assert.Equal(t, "exit status 2", run.Completed["worker"].Fault)

	// Test case 2: unknown run
	_, err = h.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	// Test case 3: list is newest first and filtered by group
	runs, err := h.ListRuns(ctx, "billing", 0, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.Equal(t, "r1", runs[1].ID)

	runs, err = h.ListRuns(ctx, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)

	// Test case 4: counts
	count, err := h.CountRuns(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	count, err = h.CountRuns(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Test case 5: duplicate ids are rejected
	assert.Error(t, h.StoreRun(ctx, sampleRun("r1", "billing", base)))
}

func TestSQLiteHistory_Exits(t *testing.T) {
	// Setup
	h := setupHistory(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	second := &model.RoleExit{
		ID:          "e2",
		RunID:       "r1",
		Role:        "worker",
		ProcessID:   "p2",
		Value:       model.Completion{ExitCode: 1, Fault: "exit status 1"},
		StartedAt:   base,
		CompletedAt: base.Add(5 * time.Second),
		Duration:    5 * time.Second,
	}
	first := &model.RoleExit{
		ID:          "e1",
		RunID:       "r1",
		Role:        "api",
		ProcessID:   "p1",
		Value:       model.Completion{Output: json.RawMessage(`"done"`)},
		StartedAt:   base,
		CompletedAt: base.Add(time.Second),
		Duration:    time.Second,
	}
	other := &model.RoleExit{ID: "e3", RunID: "r2", Role: "api", ProcessID: "p3", StartedAt: base, CompletedAt: base}

	require.NoError(t, h.StoreExit(ctx, second))
	require.NoError(t, h.StoreExit(ctx, first))
	require.NoError(t, h.StoreExit(ctx, other))

	// Test case 1: exits of a run in completion order
	exits, err := h.ListExits(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, exits, 2)
	assert.Equal(t, "e1", exits[0].ID)
	assert.Equal(t, `"done"`, string(exits[0].Value.Output))
	assert.Empty(t, exits[0].Value.Fault)
	assert.Equal(t, time.Second, exits[0].Duration)

	assert.Equal(t, "e2", exits[1].ID)
	assert.Nil(t, exits[1].Value.Output)
	assert.Equal(t, 1, exits[1].Value.ExitCode)
	assert.Equal(t, "exit status 1", exits[1].Value.Fault)
	assert.True(t, exits[1].CompletedAt.Equal(base.Add(5*time.Second)))

	// Test case 2: no exits
	exits, err = h.ListExits(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, exits)
}

func TestSQLiteHistory_DeleteBefore(t *testing.T) {
	// Setup
	h := setupHistory(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, h.StoreRun(ctx, sampleRun("old", "g", base)))
	require.NoError(t, h.StoreRun(ctx, sampleRun("new", "g", base.Add(48*time.Hour))))
	require.NoError(t, h.StoreExit(ctx, &model.RoleExit{
		ID: "e-old", RunID: "old", Role: "api", ProcessID: "p", StartedAt: base, CompletedAt: base,
	}))

	// Test case 1: only the old run and its exit go
	deleted, err := h.DeleteBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = h.GetRun(ctx, "old")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = h.GetRun(ctx, "new")
	assert.NoError(t, err)

	exits, err := h.ListExits(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, exits)
}

func TestSQLiteHistory_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	h, err := NewSQLiteHistory(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, h.StoreRun(ctx, sampleRun("r1", "g", time.Now())))
	require.NoError(t, h.Close())

	h, err = NewSQLiteHistory(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.GetRun(ctx, "r1")
	assert.NoError(t, err)
}
