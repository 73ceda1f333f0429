package config

import "errors"

var (
	// ErrInvalidConfig is returned when the configuration fails validation
	ErrInvalidConfig = errors.New("invalid config")
	// ErrRoleNotFound is returned when a referenced role is not part of the group
	ErrRoleNotFound = errors.New("role not found")
)
