package muxer

import "fmt"

// State is the lifecycle of a muxing session.
type State int

const (
	StateIdle State = iota
	StateAwaitingTracks
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingTracks:
		return "awaiting-tracks"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transition returns the next state or an error if the move skips or
// reverses a step. Idle and AwaitingTracks may go straight to Stopped when a
// session is torn down before it started.
func (s State) transition(to State) (State, error) {
	ok := false
	switch s {
	case StateIdle:
		ok = to == StateAwaitingTracks || to == StateStopped
	case StateAwaitingTracks:
		ok = to == StateStarted || to == StateStopped
	case StateStarted:
		ok = to == StateStopped
	}
	if !ok {
		return s, fmt.Errorf("invalid muxer transition %s -> %s", s, to)
	}
	return to, nil
}
