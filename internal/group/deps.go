package group

import (
	"time"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/model"
)

// ProcessID identifies one started role process
type ProcessID string

// LaunchRequest asks the launcher to start one role process
type LaunchRequest struct {
	Role       string
	Executable string
	Args       []string
	Env        map[string]string
	WorkingDir string
	Home       string
	Forwarding bool
	Anchor     int
}

// Launcher starts role processes asynchronously. Every launched process,
// including one that fails to start, is eventually reported back to the
// group as a completion.
type Launcher interface {
	// Launch starts a process for the role and returns its handle
	Launch(req LaunchRequest) ProcessID

	// Abort asks a running process to terminate
	Abort(id ProcessID)
}

// Registry resolves role names to their launch properties
type Registry interface {
	// Role returns the role definition; false when the role no longer exists
	Role(name string) (model.Role, bool)

	// DefaultRetry returns the home level retry policy
	DefaultRetry() model.RetryPolicy
}

// Timer is the single group wake-up. Scheduling replaces any earlier wake-up.
type Timer interface {
	Schedule(at time.Time)
	Cancel()
}

// Observer receives notifications of group activity. All methods are called
// from the goroutine driving the machine.
type Observer interface {
	Launched(role string, id ProcessID)
	Completed(role string, id ProcessID, value model.Completion)
	Exhausted(role string, value model.Completion)
	Absent(role string)
	Transition(from, to State)
}

// Config is the group definition, read-only once the machine is created
type Config struct {
	RunID      string
	Name       string
	Home       string
	MainRole   string
	Forwarding bool
	Anchor     int
}

// Deps carries the collaborators of a Machine
type Deps struct {
	Launcher Launcher
	Registry Registry
	Timer    Timer
	Clock    clock.Clock
	Logger   *zap.Logger
	Observer Observer
	OnFinish func(Result)
}

// ResultKind tells how a group run ended
type ResultKind int

const (
	// ResultAck is the acknowledgement for an empty role list
	ResultAck ResultKind = iota
	// ResultMain carries the main role's own completion value
	ResultMain
	// ResultRecord carries the summary of all roles
	ResultRecord
	// ResultFailed carries a fatal error
	ResultFailed
)

// String returns the string representation of a ResultKind
func (k ResultKind) String() string {
	switch k {
	case ResultAck:
		return "ack"
	case ResultMain:
		return "main"
	case ResultRecord:
		return "record"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the final output of a group
type Result struct {
	Kind   ResultKind
	Value  *model.Completion
	Record *model.GroupRun
	Err    error
}

// nopObserver is used when no observer is configured
type nopObserver struct{}

func (nopObserver) Launched(string, ProcessID)                    {}
func (nopObserver) Completed(string, ProcessID, model.Completion) {}
func (nopObserver) Exhausted(string, model.Completion)            {}
func (nopObserver) Absent(string)                                 {}
func (nopObserver) Transition(State, State)                       {}
