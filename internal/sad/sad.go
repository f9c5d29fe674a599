// Package sad implements an energy-based speech activity detector.
//
// The detector tracks an exponentially smoothed energy level per audio frame and
// applies hysteresis: it opens when the smoothed level rises above the threshold
// and closes only after the level has stayed below 70% of the threshold without
// interruption for at least MinSilence. A single quiet frame never closes it.
// Time is taken from frame timestamps so the detector is fully deterministic.
//
// A Detector is safe for concurrent use; the threshold may be changed from any
// goroutine while frames are being processed.
package sad

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/avatalk/pkg/audio"
)

// Default tuning values.
const (
	DefaultThreshold  = 0.01
	DefaultMinSilence = 500 * time.Millisecond

	// closeRatio is the fraction of the threshold the smoothed energy must fall
	// below before the detector considers closing.
	closeRatio = 0.7

	// smoothing is the weight kept from the previous smoothed value.
	smoothing = 0.9
)

// State is the detector's speech state.
type State int

const (
	// Silent means no speech is in progress.
	Silent State = iota
	// Speaking means speech is in progress.
	Speaking
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Silent:
		return "silent"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EnergyMeasure selects how per-frame energy is computed.
type EnergyMeasure int

const (
	// EnergyRMS uses root mean square amplitude.
	EnergyRMS EnergyMeasure = iota
	// EnergyMeanAbs uses mean absolute amplitude.
	EnergyMeanAbs
)

// Event is the result of processing one frame.
type Event struct {
	State    State
	Changed  bool
	Smoothed float64
	Energy   float64
}

// GateState is a snapshot of the detector's internal state.
type GateState struct {
	Threshold  float64
	Smoothed   float64
	Open       bool
	LastSpeech time.Duration
}

// Config configures a Detector. Zero values fall back to the defaults.
type Config struct {
	Threshold  float64
	MinSilence time.Duration
	Energy     EnergyMeasure
}

// Detector is an energy-based speech activity detector.
type Detector struct {
	mu         sync.Mutex
	cfg        Config
	smoothed   float64
	state      State
	lastSpeech time.Duration
	// belowSince is the timestamp of the first frame of the current run
	// below threshold*closeRatio; valid while quiet is set.
	belowSince time.Duration
	quiet      bool
}

// New creates a Detector.
func New(cfg Config) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MinSilence <= 0 {
		cfg.MinSilence = DefaultMinSilence
	}
	return &Detector{cfg: cfg}
}

// Process updates the detector with one frame and reports the resulting state.
func (d *Detector) Process(f audio.Frame) Event {
	var energy float64
	switch d.cfg.Energy {
	case EnergyMeanAbs:
		energy = audio.MeanAbs(f.Samples)
	default:
		energy = audio.RMS(f.Samples)
	}
	if math.IsNaN(energy) || math.IsInf(energy, 0) {
		energy = 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.smoothed = d.smoothed*smoothing + energy*(1-smoothing)
	threshold := d.cfg.Threshold

	if d.smoothed > threshold {
		d.lastSpeech = f.Timestamp
	}
	if d.smoothed < threshold*closeRatio {
		if !d.quiet {
			d.quiet, d.belowSince = true, f.Timestamp
		}
	} else {
		d.quiet = false
	}

	prev := d.state
	switch d.state {
	case Silent:
		if d.smoothed > threshold {
			d.state = Speaking
		}
	case Speaking:
		if d.quiet && f.Timestamp-d.belowSince >= d.cfg.MinSilence && f.Timestamp-d.lastSpeech >= d.cfg.MinSilence {
			d.state = Silent
		}
	}

	return Event{
		State:    d.state,
		Changed:  d.state != prev,
		Smoothed: d.smoothed,
		Energy:   energy,
	}
}

// SetThreshold changes the open threshold. Non-positive values are ignored.
func (d *Detector) SetThreshold(v float64) {
	if v <= 0 || math.IsNaN(v) {
		return
	}
	d.mu.Lock()
	d.cfg.Threshold = v
	d.mu.Unlock()
}

// Threshold returns the current open threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Threshold
}

// State returns the current speech state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Snapshot returns the detector's gate state.
func (d *Detector) Snapshot() GateState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return GateState{
		Threshold:  d.cfg.Threshold,
		Smoothed:   d.smoothed,
		Open:       d.state == Speaking,
		LastSpeech: d.lastSpeech,
	}
}

// Reset returns the detector to Silent with zero smoothed energy. The
// threshold is kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.smoothed = 0
	d.state = Silent
	d.lastSpeech = 0
	d.quiet = false
	d.belowSince = 0
}
