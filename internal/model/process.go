package model

import (
	"encoding/json"
	"time"
)

// Completion is the value a role process ends with. A process that could not
// be started, exited with a non-zero code or was killed carries a Fault.
type Completion struct {
	Output   json.RawMessage `json:"output,omitempty"`
	ExitCode int             `json:"exit_code"`
	Fault    string          `json:"fault,omitempty"`
}

// Faulted reports whether the completion is a failure value
func (c Completion) Faulted() bool {
	return c.Fault != ""
}

// RoleExit is a historical record of one role process instance
type RoleExit struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Role        string        `json:"role"`
	ProcessID   string        `json:"process_id"`
	Value       Completion    `json:"value"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// ProcessStats represents resource usage of a running role process
type ProcessStats struct {
	Role        string    `json:"role"`
	ProcessID   string    `json:"process_id"`
	PID         int32     `json:"pid"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryRSS   uint64    `json:"memory_rss"`
	CollectedAt time.Time `json:"collected_at"`
}

// HostStats represents host level resource usage sampled next to the group
type HostStats struct {
	Group       string         `json:"group"`
	CPUUsage    float64        `json:"cpu_usage"`
	MemoryUsage float64        `json:"memory_usage"`
	Processes   []ProcessStats `json:"processes,omitempty"`
	CollectedAt time.Time      `json:"collected_at"`
}
