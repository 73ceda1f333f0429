package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/rolegroup/internal/model"
)

func drain(c *RetryCursor, max int) []time.Duration {
	var out []time.Duration
	for i := 0; i < max; i++ {
		d, ok := c.Next()
		if !ok {
			break
		}
		out = append(out, d)
	}
	return out
}

func TestRetryCursor(t *testing.T) {
	tests := []struct {
		name   string
		policy model.RetryPolicy
		want   []time.Duration
	}{
		{
			name:   "no retry",
			policy: model.NoRetry,
			want:   nil,
		},
		{
			name:   "first steps only",
			policy: model.RetryPolicy{FirstSteps: []time.Duration{time.Second, 2 * time.Second}},
			want:   []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name: "first steps then regular up to limit",
			policy: model.RetryPolicy{
				FirstSteps:  []time.Duration{time.Second},
				RegularStep: 5 * time.Second,
				StepLimit:   3,
			},
			want: []time.Duration{time.Second, 5 * time.Second, 5 * time.Second},
		},
		{
			name:   "limit without steps restarts immediately",
			policy: model.RetryPolicy{StepLimit: 2},
			want:   []time.Duration{0, 0},
		},
		{
			name: "limit shorter than first steps",
			policy: model.RetryPolicy{
				FirstSteps: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
				StepLimit:  2,
			},
			want: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name: "truncated",
			policy: model.RetryPolicy{
				FirstSteps: []time.Duration{time.Second, time.Minute},
				Truncated:  10 * time.Second,
			},
			want: []time.Duration{time.Second, 10 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewRetryCursor(tt.policy)
			assert.Equal(t, tt.want, drain(c, 10))
			assert.Equal(t, len(tt.want), c.Attempts())

			// Stays exhausted.
			_, ok := c.Next()
			assert.False(t, ok)
		})
	}
}

func TestRetryCursorUnlimited(t *testing.T) {
	c := NewRetryCursor(model.RetryPolicy{RegularStep: time.Second})
	got := drain(c, 100)
	require.Len(t, got, 100)
	for _, d := range got {
		assert.Equal(t, time.Second, d)
	}
}

func TestRetryCursorRandomized(t *testing.T) {
	c := NewRetryCursor(model.RetryPolicy{
		FirstSteps: []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second},
		Randomized: 0.5,
	})

	values := []float64{0, 1, 0.5}
	c.rnd = func() float64 {
		v := values[0]
		values = values[1:]
		return v
	}

	assert.Equal(t, []time.Duration{5 * time.Second, 15 * time.Second, 10 * time.Second}, drain(c, 10))
}

func TestEffective(t *testing.T) {
	role := model.RetryPolicy{StepLimit: 1}
	home := model.RetryPolicy{FirstSteps: []time.Duration{time.Second}}

	assert.Equal(t, role, Effective(role, home))
	assert.Equal(t, home, Effective(model.RetryPolicy{}, home))
	assert.Equal(t, model.NoRetry, Effective(model.RetryPolicy{}, model.RetryPolicy{}))

	// Jitter alone does not make a policy.
	assert.Equal(t, home, Effective(model.RetryPolicy{Randomized: 0.2}, home))
}
