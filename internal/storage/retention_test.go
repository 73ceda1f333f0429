package storage

import (
	"context"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRetention(t *testing.T) {
	// Setup
	h := setupHistory(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	clk := fakeclock.NewFakeClock(now)

	require.NoError(t, h.StoreRun(ctx, sampleRun("old", "g", now.Add(-40*24*time.Hour))))
	require.NoError(t, h.StoreRun(ctx, sampleRun("recent", "g", now.Add(-time.Hour))))

	r, err := NewRetention(h, "@daily", 30*24*time.Hour, clk, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Test case 1: runs past the retention go
	deleted, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := h.CountRuns(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Test case 2: the schedule starts and stops cleanly
	r.Start()
	r.Stop()
}

func TestRetention_Invalid(t *testing.T) {
	h := setupHistory(t)

	_, err := NewRetention(h, "every tuesday", time.Hour, nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = NewRetention(h, "@daily", 0, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}
