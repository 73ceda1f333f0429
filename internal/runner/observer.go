package runner

import (
	"github.com/t77yq/rolegroup/internal/group"
	"github.com/t77yq/rolegroup/internal/model"
)

// observer turns machine notifications into metrics and group events
type observer Runner

func (o *observer) Launched(role string, id group.ProcessID) {
	r := (*Runner)(o)
	if r.deps.Metrics != nil {
		r.deps.Metrics.RoleLaunched(r.config.Name, role)
	}

	ev := r.event(model.GroupEventLaunched)
	ev.Role = role
	ev.ProcessID = string(id)
	r.publish(ev)
}

// Completed publishes the completion. The role metrics are recorded by the
// runner, which holds the exit times.
func (o *observer) Completed(role string, id group.ProcessID, value model.Completion) {
	r := (*Runner)(o)
	ev := r.event(model.GroupEventCompleted)
	ev.Role = role
	ev.ProcessID = string(id)
	ev.Value = &value
	r.publish(ev)
}

func (o *observer) Exhausted(role string, value model.Completion) {
	r := (*Runner)(o)
	if r.deps.Metrics != nil {
		r.deps.Metrics.RoleExhausted(r.config.Name, role)
	}

	ev := r.event(model.GroupEventExhausted)
	ev.Role = role
	ev.Value = &value
	r.publish(ev)
}

func (o *observer) Absent(role string) {
	r := (*Runner)(o)
	ev := r.event(model.GroupEventAbsent)
	ev.Role = role
	r.publish(ev)
}

func (o *observer) Transition(from, to group.State) {
	r := (*Runner)(o)
	if r.deps.Metrics != nil {
		r.deps.Metrics.StateChanged(r.config.Name, to.String())
	}

	var typ model.GroupEventType
	switch {
	case to == group.Finished:
		return
	case to == group.Paused:
		typ = model.GroupEventPaused
	case to == group.Clearing || to == group.Returning:
		typ = model.GroupEventStopping
	case from == group.Paused || (from == group.Exhausted && to == group.Running):
		typ = model.GroupEventResumed
	default:
		return
	}
	r.publish(r.event(typ))
}
