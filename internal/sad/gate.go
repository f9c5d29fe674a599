package sad

import (
	"fmt"

	"github.com/MrWong99/avatalk/pkg/audio"
)

// GateMode controls what the capture gate does with frames while the detector
// reports Silent.
type GateMode string

const (
	// GateZero replaces samples with silence while no speech is detected.
	GateZero GateMode = "zero"
	// GateTag passes audio unchanged; consumers read the speaking flag instead.
	GateTag GateMode = "tag"
)

// IsValid reports whether m is a known gate mode.
func (m GateMode) IsValid() bool {
	switch m {
	case GateZero, GateTag:
		return true
	}
	return false
}

// ParseGateMode converts a config string to a GateMode. The empty string maps
// to GateZero.
func ParseGateMode(s string) (GateMode, error) {
	if s == "" {
		return GateZero, nil
	}
	m := GateMode(s)
	if !m.IsValid() {
		return "", fmt.Errorf("sad: unknown gate mode %q", s)
	}
	return m, nil
}

// Apply returns the frame the gate lets through for the given detector state.
// The input frame is never modified.
func (m GateMode) Apply(f audio.Frame, state State) audio.Frame {
	if m == GateTag || state == Speaking {
		return f
	}
	out := f
	out.Samples = make([]float32, len(f.Samples))
	return out
}
