package transcript

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a [Manager].
type State int

const (
	Idle State = iota
	Negotiating
	Connecting
	Open
	Closed
	Failed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the allowed next states for every state.
var transitions = map[State][]State{
	Idle:        {Negotiating, Closed},
	Negotiating: {Connecting, Failed, Closed},
	Connecting:  {Open, Failed, Closed},
	Open:        {Closed, Failed},
	Closed:      {Negotiating},
	Failed:      {Negotiating, Closed},
}

// CanTransition reports whether the manager may move from one state to another.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}
