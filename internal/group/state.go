package group

// State is a state of the group machine
type State int

const (
	Initial State = iota
	Running
	Paused
	Exhausted
	Clearing
	Returning
	// Finished is entered once the result has been emitted
	Finished
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Exhausted:
		return "EXHAUSTED"
	case Clearing:
		return "CLEARING"
	case Returning:
		return "RETURNING"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}
