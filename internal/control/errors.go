package control

import "errors"

var (
	// ErrUnknownAction is returned for a command the server does not understand
	ErrUnknownAction = errors.New("unknown action")

	// ErrCommandFailed wraps an error reported back by a group
	ErrCommandFailed = errors.New("command failed")

	// ErrGroupUnreachable is returned when no group answers on its control subject
	ErrGroupUnreachable = errors.New("group is not reachable")
)
