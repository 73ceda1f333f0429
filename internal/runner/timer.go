package runner

import (
	"time"

	"code.cloudfoundry.org/clock"
)

// groupTimer is the single group wake-up. Every schedule gets a new
// generation so that a tick already queued for an older schedule is ignored.
// It is only touched from the runner loop.
type groupTimer struct {
	clock  clock.Clock
	events chan<- event
	done   <-chan struct{}

	gen  uint64
	stop chan struct{}
}

func newGroupTimer(clk clock.Clock, events chan<- event, done <-chan struct{}) *groupTimer {
	return &groupTimer{clock: clk, events: events, done: done}
}

// Schedule implements group.Timer
func (t *groupTimer) Schedule(at time.Time) {
	t.Cancel()

	t.gen++
	gen := t.gen
	stop := make(chan struct{})
	t.stop = stop

	delay := at.Sub(t.clock.Now())
	if delay < 0 {
		delay = 0
	}
	timer := t.clock.NewTimer(delay)

	go func() {
		defer timer.Stop()
		select {
		case <-timer.C():
		case <-stop:
			return
		case <-t.done:
			return
		}

		select {
		case t.events <- event{kind: evTick, gen: gen}:
		case <-stop:
		case <-t.done:
		}
	}()
}

// Cancel implements group.Timer
func (t *groupTimer) Cancel() {
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}

func (t *groupTimer) current(gen uint64) bool {
	return t.stop != nil && gen == t.gen
}
