// Package control connects a running group to NATS: Pause, Resume, Stop and
// Status commands arrive as core NATS requests, group events, resource
// samples and alerts are published to JetStream.
package control

import (
	"fmt"
	"strings"
)

const (
	EventStream = "GROUP_EVENTS"
	StatsStream = "GROUP_STATS"
	AlertStream = "GROUP_ALERTS"

	subjectPrefix = "groupd"
)

// Command actions understood by the command server
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
	ActionStatus = "status"
)

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// token makes a name safe to use as a single subject token
func token(name string) string {
	if name == "" {
		return "_"
	}
	return tokenReplacer.Replace(name)
}

// ControlSubject is the request subject of a group's command server
func ControlSubject(group string) string {
	return fmt.Sprintf("%s.control.%s", subjectPrefix, token(group))
}

// EventSubject is the subject a group event of the given type is published on
func EventSubject(group, typ string) string {
	return fmt.Sprintf("%s.event.%s.%s", subjectPrefix, token(group), token(typ))
}

// GroupEvents matches every event of a group
func GroupEvents(group string) string {
	return fmt.Sprintf("%s.event.%s.>", subjectPrefix, token(group))
}

// StatsSubject is the subject resource samples of a group are published on
func StatsSubject(group string) string {
	return fmt.Sprintf("%s.stats.%s", subjectPrefix, token(group))
}

// AlertSubject is the subject alerts of a group are published on
func AlertSubject(group, typ string) string {
	return fmt.Sprintf("%s.alert.%s.%s", subjectPrefix, token(group), token(typ))
}
