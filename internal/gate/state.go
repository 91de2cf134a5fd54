package gate

import "fmt"

// State is the lifecycle of a stream gate.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// transition validates a move along Stopped -> Starting -> Running ->
// Draining -> Stopped. A failed start returns from Starting to Stopped.
func (s State) transition(to State) (State, error) {
	ok := false
	switch s {
	case StateStopped:
		ok = to == StateStarting
	case StateStarting:
		ok = to == StateRunning || to == StateStopped
	case StateRunning:
		ok = to == StateDraining
	case StateDraining:
		ok = to == StateStopped
	}
	if !ok {
		return s, fmt.Errorf("invalid gate transition %s -> %s", s, to)
	}
	return to, nil
}
