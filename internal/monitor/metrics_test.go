package monitor

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Roles(t *testing.T) {
	// Setup
	m := NewMetrics()

	// Test case 1: launches and completions by outcome
	m.RoleLaunched("billing", "api")
	m.RoleLaunched("billing", "api")
	m.RoleCompleted("billing", "api", false, 2*time.Second)
	m.RoleCompleted("billing", "api", true, 0)
	m.RoleExhausted("billing", "api")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.launched.WithLabelValues("billing", "api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completed.WithLabelValues("billing", "api", "value")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completed.WithLabelValues("billing", "api", "fault")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exhausted.WithLabelValues("billing", "api")))

	// Test case 2: only runs with a duration are observed
	assert.Equal(t, 1, testutil.CollectAndCount(m.roleRuntime))
}

func TestMetrics_State(t *testing.T) {
	m := NewMetrics()

	m.StateChanged("billing", "RUNNING")
	m.StateChanged("billing", "PAUSED")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("billing", "RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("billing", "PAUSED")))
	assert.Equal(t, len(groupStates), testutil.CollectAndCount(m.state))
}

func TestMetrics_Handler(t *testing.T) {
	// Setup
	m := NewMetrics()
	m.GroupFinished("billing", "RECORD", time.Minute)
	m.ObserveHost("billing", 12.5, 40)
	m.ObserveProcess("billing", "api", 3, 1024)

	// Test case 1: exposition contains the group metrics
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `groupd_group_runs_total{group="billing",result="RECORD"} 1`)
	assert.Contains(t, string(body), `groupd_host_cpu_percent{group="billing"} 12.5`)
	assert.Contains(t, string(body), `groupd_role_memory_rss_bytes{group="billing",role="api"} 1024`)
}
