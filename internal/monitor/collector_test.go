package monitor

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/rolegroup/internal/control"
	"github.com/t77yq/rolegroup/internal/group"
	"github.com/t77yq/rolegroup/internal/launcher"
	"github.com/t77yq/rolegroup/internal/model"
	natstest "github.com/t77yq/rolegroup/internal/testutil"
)

type staticProcesses []launcher.RunningProcess

func (s staticProcesses) Processes() []launcher.RunningProcess {
	return s
}

func TestCollector_Collect(t *testing.T) {
	// Setup
	metrics := NewMetrics()
	processes := staticProcesses{
		{ID: group.ProcessID("p1"), Role: "self", PID: int32(os.Getpid())},
		{ID: group.ProcessID("p2"), Role: "gone", PID: 1 << 30},
	}
	c := NewCollector(CollectorConfig{Group: "billing", Interval: time.Second, Metrics: metrics},
		processes, zaptest.NewLogger(t))

	// Test case 1: one sample covers the host and live processes
	stats, err := c.Collect()
	require.NoError(t, err)
	assert.Equal(t, "billing", stats.Group)
	assert.Greater(t, stats.MemoryUsage, 0.0)
	require.Len(t, stats.Processes, 1)
	assert.Equal(t, "self", stats.Processes[0].Role)
	assert.Equal(t, "p1", stats.Processes[0].ProcessID)
	assert.Greater(t, stats.Processes[0].MemoryRSS, uint64(0))

	// Test case 2: the sample is kept and exported
	assert.Same(t, stats, c.Last())
	assert.Equal(t, float64(stats.Processes[0].MemoryRSS),
		testutil.ToFloat64(metrics.processRSS.WithLabelValues("billing", "self")))
}

func TestCollector_Publish(t *testing.T) {
	// Setup
	srv := natstest.StartJetStream(t)
	logger := zaptest.NewLogger(t)
	require.NoError(t, control.SetupStreams(srv.JS, logger))

	clk := fakeclock.NewFakeClock(time.Now())
	c := NewCollector(CollectorConfig{Group: "billing", Interval: 15 * time.Second, Clock: clk, JS: srv.JS},
		staticProcesses{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	// Test case 1: a tick publishes one sample
	clk.WaitForWatcherAndIncrement(15 * time.Second)

	msgs, err := natstest.ConsumeMessages(srv.JS, control.StatsSubject("billing"), 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var stats model.HostStats
	require.NoError(t, json.Unmarshal(msgs[0].Data, &stats))
	assert.Equal(t, "billing", stats.Group)
	assert.Empty(t, stats.Processes)
}
