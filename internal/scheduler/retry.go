package scheduler

import (
	"math/rand"
	"time"

	"github.com/t77yq/rolegroup/internal/model"
)

// Effective selects the retry policy for a role: the role's own policy when
// it is specified, else the home default when that is specified, else no
// retry at all
func Effective(role, home model.RetryPolicy) model.RetryPolicy {
	if role.Specified() {
		return role
	}
	if home.Specified() {
		return home
	}
	return model.NoRetry
}

// RetryCursor walks the sequence of restart delays produced by a retry
// policy. It is a plain value; the attempt count is the only state.
type RetryCursor struct {
	Policy   model.RetryPolicy `json:"policy"`
	Attempt  int               `json:"attempt"`
	Finished bool              `json:"finished"`

	rnd func() float64
}

// NewRetryCursor creates a cursor positioned before the first delay
func NewRetryCursor(policy model.RetryPolicy) *RetryCursor {
	return &RetryCursor{
		Policy: policy,
		rnd:    rand.Float64,
	}
}

// Next returns the next restart delay. The second result is false once the
// policy is exhausted; every later call stays exhausted.
func (c *RetryCursor) Next() (time.Duration, bool) {
	if c.Finished {
		return 0, false
	}

	p := c.Policy
	if p.StepLimit > 0 && c.Attempt >= p.StepLimit {
		c.Finished = true
		return 0, false
	}

	var delay time.Duration
	switch {
	case c.Attempt < len(p.FirstSteps):
		delay = p.FirstSteps[c.Attempt]
	case p.RegularStep > 0 || p.StepLimit > 0:
		delay = p.RegularStep
	default:
		c.Finished = true
		return 0, false
	}
	c.Attempt++

	return c.shape(delay), true
}

// Attempts returns how many delays have been handed out
func (c *RetryCursor) Attempts() int {
	return c.Attempt
}

// shape applies jitter and the truncation cap to a raw step
func (c *RetryCursor) shape(delay time.Duration) time.Duration {
	p := c.Policy
	if p.Randomized > 0 && delay > 0 {
		factor := p.Randomized
		if factor > 1 {
			factor = 1
		}
		rnd := c.rnd
		if rnd == nil {
			rnd = rand.Float64
		}
		jitter := time.Duration(float64(delay) * factor * (rnd()*2 - 1))
		delay += jitter
	}
	if p.Truncated > 0 && delay > p.Truncated {
		delay = p.Truncated
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
