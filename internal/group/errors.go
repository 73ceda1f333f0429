package group

import "errors"

var (
	// ErrAllRolesRemoved is the fatal result of a group whose every role has
	// disappeared from the registry
	ErrAllRolesRemoved = errors.New("all roles removed")

	// ErrUnexpectedEvent is returned when an event is not valid in the current state
	ErrUnexpectedEvent = errors.New("unexpected event")

	// ErrFinished is returned for any event delivered after the group finished
	ErrFinished = errors.New("group finished")

	// ErrUnknownProcess is returned when a completion names a process the group is not tracking
	ErrUnknownProcess = errors.New("unknown process")
)
