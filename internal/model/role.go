package model

import (
	"time"
)

// RetryPolicy describes how many times and with what delays a role is
// restarted after it exits
type RetryPolicy struct {
	FirstSteps  []time.Duration `json:"first_steps,omitempty" mapstructure:"first_steps"`
	RegularStep time.Duration   `json:"regular_step,omitempty" mapstructure:"regular_step"`
	StepLimit   int             `json:"step_limit,omitempty" mapstructure:"step_limit"`
	Randomized  float64         `json:"randomized,omitempty" mapstructure:"randomized"`
	Truncated   time.Duration   `json:"truncated,omitempty" mapstructure:"truncated"`
}

// Specified reports whether the policy carries a step limit or at least one
// backoff step. An unspecified policy defers to the next level of defaults.
func (p RetryPolicy) Specified() bool {
	return p.StepLimit != 0 || len(p.FirstSteps) > 0 || p.RegularStep > 0
}

// NoRetry is the built-in policy used when neither the role nor the home
// specifies one
var NoRetry = RetryPolicy{}

// Role represents a named logical worker supervised by a group
type Role struct {
	Name       string            `json:"name" mapstructure:"-"`
	Executable string            `json:"executable" mapstructure:"executable"`
	Args       []string          `json:"args,omitempty" mapstructure:"args"`
	Env        map[string]string `json:"env,omitempty" mapstructure:"env"`
	WorkingDir string            `json:"working_dir,omitempty" mapstructure:"working_dir"`
	Retry      RetryPolicy       `json:"retry" mapstructure:"retry"`
}
