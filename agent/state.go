package agent

import "fmt"

// State is the lifecycle state of an agent.
type State int

const (
	StateIdle State = iota
	StateThinking
	StateExecuting
	StateCommunicating
	StateCoordinating
	StateError
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateThinking:
		return "thinking"
	case StateExecuting:
		return "executing"
	case StateCommunicating:
		return "communicating"
	case StateCoordinating:
		return "coordinating"
	case StateError:
		return "error"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s State) working() bool {
	return s == StateExecuting || s == StateCommunicating || s == StateCoordinating
}

// CanTransition reports whether from -> to is a legal move. Terminated is
// never a legal target here; only Stop reaches it.
func CanTransition(from, to State) bool {
	switch {
	case from == StateTerminated || to == StateTerminated:
		return false
	case to == StateError:
		return true
	case from == StateError:
		return to == StateIdle
	case from == to:
		return true
	case from == StateIdle:
		return to == StateThinking || to.working()
	case from == StateThinking:
		return to == StateIdle || to.working()
	case from.working():
		return to == StateIdle || to == StateThinking || to.working()
	}
	return false
}
