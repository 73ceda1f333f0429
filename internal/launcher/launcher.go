// Package launcher starts role processes for a group and reports their exits.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/t77yq/rolegroup/internal/group"
	"github.com/t77yq/rolegroup/internal/model"
)

var (
	// ErrUnknownScheme is returned for an executable reference no backend serves
	ErrUnknownScheme = errors.New("unknown executable scheme")
	// ErrProcessNotFound is returned when aborting a process that is gone
	ErrProcessNotFound = errors.New("process not found")
)

// Exit reports the end of a role process
type Exit struct {
	ID          group.ProcessID
	Role        string
	Value       model.Completion
	StartedAt   time.Time
	CompletedAt time.Time
}

// Backend starts processes of one kind. Launch never blocks on the process
// and calls done exactly once, always from a goroutine of its own, including
// when the process could not be started.
type Backend interface {
	Launch(ctx context.Context, id group.ProcessID, req group.LaunchRequest, done func(Exit))
	Abort(id group.ProcessID) error
}

// RunningProcess describes a live operating system process
type RunningProcess struct {
	ID   group.ProcessID
	Role string
	PID  int32
}

// Router dispatches launches to a backend by executable scheme. Plain paths
// go to the default backend.
type Router struct {
	clock    clock.Clock
	fallback Backend
	schemes  map[string]Backend

	mu     sync.Mutex
	owners map[group.ProcessID]Backend
}

// NewRouter creates a router with a default backend
func NewRouter(fallback Backend, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Router{
		clock:    clk,
		fallback: fallback,
		schemes:  make(map[string]Backend),
		owners:   make(map[group.ProcessID]Backend),
	}
}

// Handle registers a backend for executables of the form scheme://...
func (r *Router) Handle(scheme string, backend Backend) {
	r.schemes[scheme] = backend
}

// Launch implements Backend
func (r *Router) Launch(ctx context.Context, id group.ProcessID, req group.LaunchRequest, done func(Exit)) {
	backend, err := r.route(req.Executable)
	if err != nil {
		now := r.clock.Now()
		go done(Exit{
			ID:          id,
			Role:        req.Role,
			Value:       model.Completion{ExitCode: -1, Fault: err.Error()},
			StartedAt:   now,
			CompletedAt: now,
		})
		return
	}

	r.mu.Lock()
	r.owners[id] = backend
	r.mu.Unlock()

	backend.Launch(ctx, id, req, func(exit Exit) {
		r.mu.Lock()
		delete(r.owners, id)
		r.mu.Unlock()
		done(exit)
	})
}

// Abort implements Backend
func (r *Router) Abort(id group.ProcessID) error {
	r.mu.Lock()
	backend, ok := r.owners[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("abort %s: %w", id, ErrProcessNotFound)
	}
	return backend.Abort(id)
}

func (r *Router) route(executable string) (Backend, error) {
	scheme, _, found := strings.Cut(executable, "://")
	if !found {
		if r.fallback == nil {
			return nil, fmt.Errorf("%q: %w", executable, ErrUnknownScheme)
		}
		return r.fallback, nil
	}
	backend, ok := r.schemes[scheme]
	if !ok {
		return nil, fmt.Errorf("%q: %w", scheme, ErrUnknownScheme)
	}
	return backend, nil
}

// Arguments builds the child command line: the role's own arguments followed
// by the group flags every child understands.
func Arguments(req group.LaunchRequest) []string {
	args := append([]string(nil), req.Args...)
	args = append(args,
		fmt.Sprintf("--group-pid=%d", req.Anchor),
		fmt.Sprintf("--role-name=%s", req.Role))
	if req.Home != "" {
		args = append(args, fmt.Sprintf("--home-path=%s", req.Home))
	}
	return args
}

// Environment renders the role environment as sorted KEY=VALUE pairs
func Environment(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
