package model

import (
	"time"
)

// GroupRun summarises a whole group run. It is produced once, when the group
// finishes.
type GroupRun struct {
	ID        string                `json:"id"`
	Group     string                `json:"group"`
	Home      string                `json:"home"`
	Roles     []string              `json:"roles"`
	Started   time.Time             `json:"started"`
	Stopped   time.Time             `json:"stopped"`
	Seconds   float64               `json:"seconds"`
	Completed map[string]Completion `json:"completed"`
}

// GroupEventType represents the kind of a group lifecycle event
type GroupEventType string

const (
	GroupEventStarted   GroupEventType = "started"
	GroupEventLaunched  GroupEventType = "launched"
	GroupEventCompleted GroupEventType = "completed"
	GroupEventExhausted GroupEventType = "exhausted"
	GroupEventAbsent    GroupEventType = "absent"
	GroupEventPaused    GroupEventType = "paused"
	GroupEventResumed   GroupEventType = "resumed"
	GroupEventStopping  GroupEventType = "stopping"
	GroupEventFinished  GroupEventType = "finished"
	GroupEventFailed    GroupEventType = "failed"
)

// GroupEvent is published for every significant change in a running group
type GroupEvent struct {
	Group     string         `json:"group"`
	RunID     string         `json:"run_id"`
	Type      GroupEventType `json:"type"`
	Role      string         `json:"role,omitempty"`
	ProcessID string         `json:"process_id,omitempty"`
	State     string         `json:"state"`
	Value     *Completion    `json:"value,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
