// Package runner hosts a group Machine: it serialises every event into the
// machine on one goroutine and connects it to real processes, a real timer,
// run history and event publishing.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/group"
	"github.com/t77yq/rolegroup/internal/launcher"
	"github.com/t77yq/rolegroup/internal/model"
)

const (
	eventQueueSize = 64
	storeTimeout   = 5 * time.Second
)

// ErrNotRunning is returned for commands sent after the group finished
var ErrNotRunning = errors.New("group is not running")

// History persists role exits and finished runs
type History interface {
	StoreExit(ctx context.Context, exit *model.RoleExit) error
	StoreRun(ctx context.Context, run *model.GroupRun) error
}

// EventPublisher publishes group events
type EventPublisher interface {
	PublishEvent(event *model.GroupEvent) error
}

// Metrics records supervisor activity
type Metrics interface {
	RoleLaunched(group, role string)
	RoleCompleted(group, role string, faulted bool, ran time.Duration)
	RoleExhausted(group, role string)
	StateChanged(group string, state string)
	GroupFinished(group string, result string, ran time.Duration)
}

// Deps carries the collaborators of a Runner
type Deps struct {
	Backend   launcher.Backend
	Registry  group.Registry
	Clock     clock.Clock
	History   History
	Publisher EventPublisher
	Metrics   Metrics
}

// Status is a snapshot of a running group
type Status struct {
	RunID     string               `json:"run_id"`
	Group     string               `json:"group"`
	State     string               `json:"state"`
	Roles     []string             `json:"roles"`
	Active    []string             `json:"active"`
	Pending   map[string]time.Time `json:"pending,omitempty"`
	Exhausted []string             `json:"exhausted,omitempty"`
}

type eventKind int

const (
	evExit eventKind = iota
	evTick
	evPause
	evResume
	evStop
	evStatus
)

func (k eventKind) String() string {
	switch k {
	case evExit:
		return "completed"
	case evTick:
		return "tick"
	case evPause:
		return "pause"
	case evResume:
		return "resume"
	case evStop:
		return "stop"
	case evStatus:
		return "status"
	default:
		return "unknown"
	}
}

type event struct {
	kind   eventKind
	exit   launcher.Exit
	gen    uint64
	reply  chan error
	status chan Status
}

// Runner drives one group run
type Runner struct {
	logger  *zap.Logger
	config  group.Config
	deps    Deps
	clock   clock.Clock
	machine *group.Machine
	timer   *groupTimer

	events chan event
	done   chan struct{}
	result *group.Result

	// procCtx outlives the caller's context so aborts can still reach
	// processes while the group drains
	procCtx    context.Context
	procCancel context.CancelFunc
}

// New creates a runner. A run id is generated when the config has none.
func New(config group.Config, deps Deps, logger *zap.Logger) *Runner {
	if config.RunID == "" {
		config.RunID = uuid.New().String()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewClock()
	}

	r := &Runner{
		logger: logger.Named("runner").With(
			zap.String("group", config.Name),
			zap.String("run_id", config.RunID)),
		config: config,
		deps:   deps,
		clock:  clk,
		events: make(chan event, eventQueueSize),
		done:   make(chan struct{}),
	}
	r.procCtx, r.procCancel = context.WithCancel(context.Background())
	r.timer = newGroupTimer(clk, r.events, r.done)

	r.machine = group.New(config, group.Deps{
		Launcher: (*processes)(r),
		Registry: deps.Registry,
		Timer:    r.timer,
		Clock:    clk,
		Logger:   logger,
		Observer: (*observer)(r),
		OnFinish: r.finished,
	})
	return r
}

// RunID returns the id of this run
func (r *Runner) RunID() string {
	return r.config.RunID
}

// Run starts the roles and blocks until the group finishes. Cancelling ctx
// stops the group; Run still waits for the roles to drain.
func (r *Runner) Run(ctx context.Context, roles string) (group.Result, error) {
	defer r.procCancel()
	defer close(r.done)
	defer r.timer.Cancel()

	r.publish(r.event(model.GroupEventStarted))
	if err := r.machine.Start(roles); err != nil {
		return group.Result{}, fmt.Errorf("failed to start group: %w", err)
	}

	ctxDone := ctx.Done()
	for r.result == nil {
		select {
		case <-ctxDone:
			ctxDone = nil
			r.logger.Info("Context cancelled, stopping group")
			if err := r.machine.Stop(); err != nil && !errors.Is(err, group.ErrUnexpectedEvent) {
				r.logger.Error("Failed to stop group", zap.Error(err))
			}
		case ev := <-r.events:
			r.apply(ev)
		}
	}

	r.drainCommands()
	return *r.result, nil
}

// Pause pauses the group
func (r *Runner) Pause(ctx context.Context) error {
	return r.command(ctx, evPause)
}

// Resume resumes a paused group or revives exhausted roles
func (r *Runner) Resume(ctx context.Context) error {
	return r.command(ctx, evResume)
}

// Stop aborts every role and lets the group drain
func (r *Runner) Stop(ctx context.Context) error {
	return r.command(ctx, evStop)
}

// Status returns a snapshot of the group
func (r *Runner) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := r.post(ctx, event{kind: evStatus, status: reply}); err != nil {
		return Status{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-r.done:
		select {
		case s := <-reply:
			return s, nil
		default:
			return Status{}, ErrNotRunning
		}
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (r *Runner) command(ctx context.Context, kind eventKind) error {
	reply := make(chan error, 1)
	if err := r.post(ctx, event{kind: kind, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		// the command may have been the one that finished the group
		select {
		case err := <-reply:
			return err
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) post(ctx context.Context, ev event) error {
	select {
	case <-r.done:
		return ErrNotRunning
	default:
	}
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) apply(ev event) {
	var err error
	switch ev.kind {
	case evExit:
		r.storeExit(ev.exit)
		err = r.machine.Completed(ev.exit.ID, ev.exit.Value)
		if err == nil && r.deps.Metrics != nil {
			r.deps.Metrics.RoleCompleted(r.config.Name, ev.exit.Role, ev.exit.Value.Faulted(),
				ev.exit.CompletedAt.Sub(ev.exit.StartedAt))
		}
	case evTick:
		if !r.timer.current(ev.gen) {
			r.logger.Debug("Ignoring stale timer", zap.Uint64("generation", ev.gen))
			return
		}
		err = r.machine.Tick()
	case evPause:
		err = r.machine.Pause()
	case evResume:
		err = r.machine.Resume()
	case evStop:
		err = r.machine.Stop()
	case evStatus:
		ev.status <- r.snapshot()
		return
	}

	if err != nil {
		r.logger.Warn("Event rejected", zap.Stringer("event", ev.kind), zap.Error(err))
	}
	if ev.reply != nil {
		ev.reply <- err
	}
}

// drainCommands answers commands queued behind the final event
func (r *Runner) drainCommands() {
	for {
		select {
		case ev := <-r.events:
			if ev.reply != nil {
				ev.reply <- ErrNotRunning
			}
		default:
			return
		}
	}
}

func (r *Runner) snapshot() Status {
	return Status{
		RunID:     r.config.RunID,
		Group:     r.config.Name,
		State:     r.machine.State().String(),
		Roles:     r.machine.Roles(),
		Active:    r.machine.Active(),
		Pending:   r.machine.Pending(),
		Exhausted: r.machine.Exhausted(),
	}
}

// exited is called by the backend from its own goroutine
func (r *Runner) exited(exit launcher.Exit) {
	select {
	case r.events <- event{kind: evExit, exit: exit}:
	case <-r.done:
		r.logger.Warn("Process exited after the group finished",
			zap.String("role", exit.Role),
			zap.String("process_id", string(exit.ID)))
	}
}

func (r *Runner) storeExit(exit launcher.Exit) {
	if r.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	record := &model.RoleExit{
		ID:          uuid.New().String(),
		RunID:       r.config.RunID,
		Role:        exit.Role,
		ProcessID:   string(exit.ID),
		Value:       exit.Value,
		StartedAt:   exit.StartedAt,
		CompletedAt: exit.CompletedAt,
		Duration:    exit.CompletedAt.Sub(exit.StartedAt),
	}
	if err := r.deps.History.StoreExit(ctx, record); err != nil {
		r.logger.Error("Failed to store role exit", zap.String("role", exit.Role), zap.Error(err))
	}
}

func (r *Runner) finished(result group.Result) {
	r.result = &result

	var ran time.Duration
	if result.Record != nil {
		ran = result.Record.Stopped.Sub(result.Record.Started)
		if r.deps.History != nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			if err := r.deps.History.StoreRun(ctx, result.Record); err != nil {
				r.logger.Error("Failed to store group run", zap.Error(err))
			}
			cancel()
		}
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.GroupFinished(r.config.Name, result.Kind.String(), ran)
	}

	ev := r.event(model.GroupEventFinished)
	ev.Value = result.Value
	if result.Kind == group.ResultFailed {
		ev.Type = model.GroupEventFailed
		ev.Error = result.Err.Error()
	}
	r.publish(ev)
}

func (r *Runner) event(typ model.GroupEventType) *model.GroupEvent {
	return &model.GroupEvent{
		Group:     r.config.Name,
		RunID:     r.config.RunID,
		Type:      typ,
		State:     r.machine.State().String(),
		Timestamp: r.clock.Now(),
	}
}

func (r *Runner) publish(ev *model.GroupEvent) {
	if r.deps.Publisher == nil {
		return
	}
	if err := r.deps.Publisher.PublishEvent(ev); err != nil {
		r.logger.Error("Failed to publish group event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// processes adapts the backend to group.Launcher
type processes Runner

func (p *processes) Launch(req group.LaunchRequest) group.ProcessID {
	r := (*Runner)(p)
	id := group.ProcessID(uuid.New().String())
	r.deps.Backend.Launch(r.procCtx, id, req, r.exited)
	return id
}

func (p *processes) Abort(id group.ProcessID) {
	r := (*Runner)(p)
	if err := r.deps.Backend.Abort(id); err != nil {
		r.logger.Warn("Failed to abort process", zap.String("process_id", string(id)), zap.Error(err))
	}
}
