// Package group implements the supervisor of a process group: a set of named
// roles that are started together, restarted according to their retry
// policies, paused, resumed and finally drained.
//
// The Machine processes one event at a time and never blocks. It is not safe
// for concurrent use; callers that receive events on several goroutines must
// funnel them through a single queue (see internal/runner).
package group

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/model"
	"github.com/t77yq/rolegroup/internal/scheduler"
)

// process tracks one live role instance
type process struct {
	role    string
	retry   model.RetryPolicy
	started time.Time
}

// Machine is the group supervisor state machine
type Machine struct {
	config   Config
	launcher Launcher
	registry Registry
	timer    Timer
	clock    clock.Clock
	logger   *zap.Logger
	observer Observer
	onFinish func(Result)

	state   State
	roles   []string
	started time.Time
	result  *Result

	running    map[ProcessID]*process
	returned   map[string]model.Completion
	cursors    map[string]*scheduler.RetryCursor
	due        map[string]time.Time
	deadline   time.Time
	exhausted  map[string]struct{}
	autoResume map[string]struct{}
}

// New creates a machine in the INITIAL state
func New(config Config, deps Deps) *Machine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	var observer Observer = nopObserver{}
	if deps.Observer != nil {
		observer = deps.Observer
	}

	return &Machine{
		config:     config,
		launcher:   deps.Launcher,
		registry:   deps.Registry,
		timer:      deps.Timer,
		clock:      clk,
		logger:     logger.Named("group").With(zap.String("group", config.Name)),
		observer:   observer,
		onFinish:   deps.OnFinish,
		state:      Initial,
		running:    make(map[ProcessID]*process),
		returned:   make(map[string]model.Completion),
		cursors:    make(map[string]*scheduler.RetryCursor),
		due:        make(map[string]time.Time),
		exhausted:  make(map[string]struct{}),
		autoResume: make(map[string]struct{}),
	}
}

// ParseRoles splits a comma separated role list. Blank entries and repeats
// are dropped; order of first appearance is kept.
func ParseRoles(roles string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, name := range strings.Split(roles, roleSeparator) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Start launches every listed role. An empty list completes the group at
// once with an acknowledgement.
func (m *Machine) Start(roles string) error {
	if err := m.expect("Start", Initial); err != nil {
		return err
	}

	m.started = m.clock.Now()
	names := ParseRoles(roles)
	if len(names) == 0 {
		m.logger.Info("No roles to run")
		m.finish(Result{Kind: ResultAck})
		return nil
	}

	m.roles = names
	m.logger.Info("Starting group",
		zap.Strings("roles", names),
		zap.String("main_role", m.config.MainRole))

	if m.restartRoles(names) {
		m.setState(Running)
	}
	return nil
}

// Completed reports the end of a role process
func (m *Machine) Completed(id ProcessID, value model.Completion) error {
	switch m.state {
	case Running, Exhausted:
		return m.completedActive(id, value)
	case Paused:
		return m.completedPaused(id, value)
	case Clearing, Returning:
		return m.completedDraining(id, value)
	default:
		return m.expect("Completed", Running, Paused, Exhausted, Clearing, Returning)
	}
}

// Tick is the group timer firing. Every restart due within the guard window
// is carried out and the timer is re-armed for the next one.
func (m *Machine) Tick() error {
	if err := m.expect("Tick", Running, Exhausted); err != nil {
		return err
	}

	cutoff := m.clock.Now().Add(GuardWindow)
	var expired []string
	for role, at := range m.due {
		if !at.After(cutoff) {
			expired = append(expired, role)
		}
	}
	sort.Strings(expired)
	for _, role := range expired {
		delete(m.due, role)
	}
	m.deadline = time.Time{}

	m.logger.Debug("Restart timer expired",
		zap.Strings("roles", expired),
		zap.Int("remaining", len(m.due)))

	if len(expired) > 0 && !m.restartRoles(expired) {
		return nil
	}
	m.rearm()
	return nil
}

// Pause abandons every pending restart. Roles that were waiting on the timer
// are remembered and restarted on Resume.
func (m *Machine) Pause() error {
	if err := m.expect("Pause", Running); err != nil {
		return err
	}

	for role := range m.due {
		m.autoResume[role] = struct{}{}
	}
	m.abandonRestarts()

	m.logger.Info("Group paused", zap.Strings("auto_resume", keys(m.autoResume)))
	m.setState(Paused)
	return nil
}

// Resume restarts the roles held back by a pause, or revives exhausted roles
func (m *Machine) Resume() error {
	switch m.state {
	case Paused:
		// Pause is only accepted in RUNNING, which never holds exhausted
		// roles, so the auto-resume set is all there is to restart.
		names := keys(m.autoResume)
		m.autoResume = make(map[string]struct{})
		m.logger.Info("Resuming paused group", zap.Strings("roles", names))

		if !m.restartRoles(names) {
			return nil
		}
		m.setState(Running)
		return nil

	case Exhausted:
		names := keys(m.exhausted)
		m.exhausted = make(map[string]struct{})
		m.logger.Info("Reviving exhausted roles", zap.Strings("roles", names))

		if !m.restartRoles(names) {
			return nil
		}
		m.setState(Running)
		return nil

	default:
		return m.expect("Resume", Paused, Exhausted)
	}
}

// Stop aborts every active role. The group finishes at once when nothing is
// active, otherwise it drains.
func (m *Machine) Stop() error {
	if err := m.expect("Stop", Running, Paused, Exhausted); err != nil {
		return err
	}

	m.abandonRestarts()
	m.autoResume = make(map[string]struct{})

	if n := m.abort(); n > 0 {
		m.logger.Info("Stopping group", zap.Int("aborted", n))
		if m.config.MainRole != "" {
			m.setState(Returning)
		} else {
			m.setState(Clearing)
		}
		return nil
	}

	m.finish(Result{Kind: ResultRecord, Record: m.record()})
	return nil
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Result returns the final result, nil while the group is still running
func (m *Machine) Result() *Result {
	return m.result
}

// Roles returns the tracked role names
func (m *Machine) Roles() []string {
	return append([]string(nil), m.roles...)
}

// Active returns the roles with a live process, sorted
func (m *Machine) Active() []string {
	var roles []string
	for _, p := range m.running {
		roles = append(roles, p.role)
	}
	sort.Strings(roles)
	return roles
}

// Pending returns the scheduled restart time of every waiting role
func (m *Machine) Pending() map[string]time.Time {
	due := make(map[string]time.Time, len(m.due))
	for role, at := range m.due {
		due[role] = at
	}
	return due
}

// Deadline returns when the group timer is due; zero when it is not armed
func (m *Machine) Deadline() time.Time {
	return m.deadline
}

// Exhausted returns the roles whose retries ran out, sorted
func (m *Machine) Exhausted() []string {
	return keys(m.exhausted)
}

// AutoResume returns the roles to be restarted on Resume, sorted
func (m *Machine) AutoResume() []string {
	return keys(m.autoResume)
}

// HasCursor reports whether a restart cursor exists for the role
func (m *Machine) HasCursor(role string) bool {
	_, ok := m.cursors[role]
	return ok
}

// Returned returns the most recent completion value of every role
func (m *Machine) Returned() map[string]model.Completion {
	values := make(map[string]model.Completion, len(m.returned))
	for role, v := range m.returned {
		values[role] = v
	}
	return values
}

func (m *Machine) completedActive(id ProcessID, value model.Completion) error {
	p, err := m.take(id, value)
	if err != nil {
		return err
	}

	if delay, ok := m.returnedValue(p, value); ok {
		m.schedule(p.role, delay)
		return nil
	}

	if p.role == m.config.MainRole {
		m.mainReturned()
		return nil
	}
	if m.state == Running {
		m.setState(Exhausted)
	}
	return nil
}

func (m *Machine) completedPaused(id ProcessID, value model.Completion) error {
	p, err := m.take(id, value)
	if err != nil {
		return err
	}

	m.returned[p.role] = value
	m.autoResume[p.role] = struct{}{}

	if p.role == m.config.MainRole {
		m.mainReturned()
	}
	return nil
}

func (m *Machine) completedDraining(id ProcessID, value model.Completion) error {
	p, err := m.take(id, value)
	if err != nil {
		return err
	}

	m.returned[p.role] = value
	if len(m.running) > 0 {
		m.logger.Debug("Waiting for roles", zap.Strings("active", m.Active()))
		return nil
	}

	if m.state == Returning {
		if v, ok := m.returned[m.config.MainRole]; ok {
			m.finish(Result{Kind: ResultMain, Value: &v, Record: m.record()})
			return nil
		}
	}
	m.finish(Result{Kind: ResultRecord, Record: m.record()})
	return nil
}

// take removes a process from the active set
func (m *Machine) take(id ProcessID, value model.Completion) (*process, error) {
	p, ok := m.running[id]
	if !ok {
		m.logger.Warn("Completion from unknown process", zap.String("process_id", string(id)))
		return nil, fmt.Errorf("process %s: %w", id, ErrUnknownProcess)
	}
	delete(m.running, id)

	m.logger.Info("Role completed",
		zap.String("role", p.role),
		zap.String("process_id", string(id)),
		zap.Int("exit_code", value.ExitCode),
		zap.String("fault", value.Fault),
		zap.Duration("ran", m.clock.Since(p.started)))
	m.observer.Completed(p.role, id, value)
	return p, nil
}

// returnedValue records the value and advances the role's retry cursor. The
// second result is false when the role has no retries left.
func (m *Machine) returnedValue(p *process, value model.Completion) (time.Duration, bool) {
	m.returned[p.role] = value

	cursor, ok := m.cursors[p.role]
	if !ok {
		cursor = scheduler.NewRetryCursor(p.retry)
		m.cursors[p.role] = cursor
	}
	if delay, ok := cursor.Next(); ok {
		return delay, true
	}

	m.exhausted[p.role] = struct{}{}
	delete(m.cursors, p.role)
	delete(m.due, p.role)

	if value.Faulted() {
		m.logger.Warn("Role exhausted retries with a fault",
			zap.String("role", p.role),
			zap.Int("attempts", cursor.Attempts()),
			zap.String("fault", value.Fault))
	} else {
		m.logger.Info("Role exhausted retries cleanly",
			zap.String("role", p.role),
			zap.Int("attempts", cursor.Attempts()))
	}
	m.observer.Exhausted(p.role, value)
	return 0, false
}

// mainReturned ends the group after the main role finished for good
func (m *Machine) mainReturned() {
	if len(m.running) > 0 {
		m.abandonRestarts()
		m.autoResume = make(map[string]struct{})
		n := m.abort()
		m.logger.Info("Main role returned, aborting remaining roles", zap.Int("aborted", n))
		m.setState(Returning)
		return
	}

	v := m.returned[m.config.MainRole]
	m.finish(Result{Kind: ResultMain, Value: &v, Record: m.record()})
}

// restartRoles starts a process for each named role. Roles missing from the
// registry are dropped from the group; losing every role is fatal. It
// returns false when the group finished as a result.
func (m *Machine) restartRoles(names []string) bool {
	home := m.registry.DefaultRetry()
	now := m.clock.Now()

	var absent []string
	for _, name := range names {
		role, ok := m.registry.Role(name)
		if !ok {
			m.logger.Warn("Role no longer exists (deleted during pause?)", zap.String("role", name))
			m.observer.Absent(name)
			absent = append(absent, name)
			continue
		}

		retry := scheduler.Effective(role.Retry, home)
		forwarding := m.config.Forwarding && name == m.config.MainRole

		id := m.launcher.Launch(LaunchRequest{
			Role:       name,
			Executable: role.Executable,
			Args:       role.Args,
			Env:        role.Env,
			WorkingDir: role.WorkingDir,
			Home:       m.config.Home,
			Forwarding: forwarding,
			Anchor:     m.config.Anchor,
		})
		m.running[id] = &process{role: name, retry: retry, started: now}

		m.logger.Info("Role started",
			zap.String("role", name),
			zap.String("process_id", string(id)),
			zap.Bool("forwarding", forwarding))
		m.observer.Launched(name, id)
	}

	if len(absent) == 0 {
		return true
	}

	m.roles = without(m.roles, absent)
	if len(m.roles) == 0 {
		m.logger.Error("All roles removed", zap.Strings("absent", absent))
		m.finish(Result{Kind: ResultFailed, Err: ErrAllRolesRemoved})
		return false
	}
	return true
}

// schedule records a pending restart and pulls the timer in when it is sooner
func (m *Machine) schedule(role string, delay time.Duration) {
	at := m.clock.Now().Add(delay)
	m.due[role] = at

	m.logger.Debug("Restart scheduled",
		zap.String("role", role),
		zap.Duration("delay", delay),
		zap.Time("due", at))

	if m.deadline.IsZero() || at.Before(m.deadline) {
		m.deadline = at
		m.timer.Schedule(at)
	}
}

// rearm points the timer at the soonest pending restart, or cancels it
func (m *Machine) rearm() {
	var next time.Time
	for _, at := range m.due {
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}

	m.deadline = next
	if next.IsZero() {
		m.timer.Cancel()
		return
	}
	m.timer.Schedule(next)
}

// abandonRestarts drops the timer, every cursor and every pending restart
func (m *Machine) abandonRestarts() {
	if !m.deadline.IsZero() || len(m.due) > 0 {
		m.timer.Cancel()
	}
	m.deadline = time.Time{}
	m.cursors = make(map[string]*scheduler.RetryCursor)
	m.due = make(map[string]time.Time)
}

// abort asks every active process to stop and returns how many there were
func (m *Machine) abort() int {
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.launcher.Abort(ProcessID(id))
	}
	return len(ids)
}

func (m *Machine) record() *model.GroupRun {
	now := m.clock.Now()
	return &model.GroupRun{
		ID:        m.config.RunID,
		Group:     m.config.Name,
		Home:      m.config.Home,
		Roles:     m.Roles(),
		Started:   m.started,
		Stopped:   now,
		Seconds:   now.Sub(m.started).Seconds(),
		Completed: m.Returned(),
	}
}

func (m *Machine) finish(r Result) {
	m.abandonRestarts()
	m.setState(Finished)
	m.result = &r

	fields := []zap.Field{zap.Stringer("result", r.Kind)}
	if r.Err != nil {
		fields = append(fields, zap.Error(r.Err))
	}
	m.logger.Info("Group finished", fields...)

	if m.onFinish != nil {
		m.onFinish(r)
	}
}

func (m *Machine) setState(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.Debug("State changed", zap.Stringer("from", from), zap.Stringer("to", to))
	m.observer.Transition(from, to)
}

func (m *Machine) expect(event string, states ...State) error {
	if m.state == Finished {
		return fmt.Errorf("%s: %w", event, ErrFinished)
	}
	for _, s := range states {
		if m.state == s {
			return nil
		}
	}
	return fmt.Errorf("%s in state %s: %w", event, m.state, ErrUnexpectedEvent)
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func without(names, drop []string) []string {
	skip := make(map[string]struct{}, len(drop))
	for _, d := range drop {
		skip[d] = struct{}{}
	}
	var out []string
	for _, n := range names {
		if _, ok := skip[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}
