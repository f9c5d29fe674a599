package voice

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a [Session].
type State int

const (
	Idle State = iota
	Connecting
	Listening
	Paused
	Failed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Paused:
		return "paused"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the allowed next states for every state. Connecting is
// re-entered from Listening and Paused while a dropped transcription session
// is re-established.
var transitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Listening, Paused, Failed, Idle},
	Listening:  {Paused, Connecting, Failed, Idle},
	Paused:     {Listening, Connecting, Failed, Idle},
	Failed:     {Connecting, Idle},
}

// CanTransition reports whether a session may move from one state to another.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Status texts shown to the user. One is always set.
const (
	StatusReady           = "Ready"
	StatusStarting        = "Starting..."
	StatusCreatingSession = "Creating session..."
	StatusConnecting      = "Connecting..."
	StatusMicrophone      = "Getting microphone..."
	StatusAudioSetup      = "Setting up audio..."
	StatusListening       = "Listening..."
	StatusPaused          = "Paused"
	StatusReconnecting    = "Reconnecting..."
	StatusStopping        = "Stopping..."
	StatusMicError        = "Error - check microphone permissions"
	StatusFailed          = "Failed to start"
)
