package capture

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/avatalk/internal/sad"
	"github.com/MrWong99/avatalk/pkg/audio"
)

// Stage transforms one frame. Stages never modify the input slice; they
// return a frame with fresh samples when they change anything.
type Stage interface {
	Process(audio.Frame) audio.Frame
}

// StageFunc adapts a plain function to [Stage].
type StageFunc func(audio.Frame) audio.Frame

// Process implements [Stage].
func (f StageFunc) Process(fr audio.Frame) audio.Frame { return f(fr) }

// Chain composes stages in order. Nil stages are skipped.
func Chain(stages ...Stage) Stage {
	kept := make([]Stage, 0, len(stages))
	for _, s := range stages {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return StageFunc(func(f audio.Frame) audio.Frame {
		for _, s := range kept {
			f = s.Process(f)
		}
		return f
	})
}

// ─── Gain ────────────────────────────────────────────────────────────────────

// GainStage multiplies samples by a runtime-adjustable factor and clamps the
// result to [-1, 1].
type GainStage struct {
	bits atomic.Uint64
}

// NewGain creates a GainStage with the given factor.
func NewGain(g float64) *GainStage {
	s := &GainStage{}
	s.Set(g)
	return s
}

// Set changes the gain. Negative and NaN values are treated as 0.
func (s *GainStage) Set(g float64) {
	if g < 0 || math.IsNaN(g) {
		g = 0
	}
	s.bits.Store(math.Float64bits(g))
}

// Value returns the current gain.
func (s *GainStage) Value() float64 { return math.Float64frombits(s.bits.Load()) }

// Process implements [Stage].
func (s *GainStage) Process(f audio.Frame) audio.Frame {
	g := float32(s.Value())
	if g == 1 {
		return f
	}
	out := f
	out.Samples = make([]float32, len(f.Samples))
	for i, v := range f.Samples {
		out.Samples[i] = max(-1, min(1, v*g))
	}
	return out
}

// ─── Band-pass ───────────────────────────────────────────────────────────────

// biquad is a direct-form-I second order section.
type biquad struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func (q *biquad) step(x float64) float64 {
	y := q.b0*x + q.b1*q.x1 + q.b2*q.x2 - q.a1*q.y1 - q.a2*q.y2
	q.x2, q.x1 = q.x1, x
	q.y2, q.y1 = q.y1, y
	return y
}

// butterworthQ gives a maximally flat pass band.
const butterworthQ = 1 / math.Sqrt2

// Filter sections from the RBJ audio EQ cookbook.
func newHighPass(freq, rate float64) biquad {
	w := 2 * math.Pi * freq / rate
	cosw, alpha := math.Cos(w), math.Sin(w)/(2*butterworthQ)
	a0 := 1 + alpha
	return biquad{
		b0: (1 + cosw) / 2 / a0,
		b1: -(1 + cosw) / a0,
		b2: (1 + cosw) / 2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

func newLowPass(freq, rate float64) biquad {
	w := 2 * math.Pi * freq / rate
	cosw, alpha := math.Cos(w), math.Sin(w)/(2*butterworthQ)
	a0 := 1 + alpha
	return biquad{
		b0: (1 - cosw) / 2 / a0,
		b1: (1 - cosw) / a0,
		b2: (1 - cosw) / 2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

// BandPassStage removes rumble below Low Hz and hiss above High Hz with a
// high-pass followed by a low-pass biquad. A zero bound disables that side.
type BandPassStage struct {
	mu      sync.Mutex
	rate    int
	low     float64
	high    float64
	hp, lp  biquad
	enabled bool
}

// NewBandPass creates a band-pass stage for audio at sampleRate.
func NewBandPass(sampleRate int, low, high float64) *BandPassStage {
	s := &BandPassStage{rate: sampleRate}
	s.Configure(low, high)
	return s
}

// Configure updates the cut-off frequencies and resets filter state. Bounds
// at or above Nyquist are ignored.
func (s *BandPassStage) Configure(low, high float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nyquist := float64(s.rate) / 2
	if low < 0 || low >= nyquist {
		low = 0
	}
	if high < 0 || high >= nyquist {
		high = 0
	}
	s.low, s.high = low, high
	s.hp, s.lp = biquad{}, biquad{}
	if low > 0 {
		s.hp = newHighPass(low, float64(s.rate))
	}
	if high > 0 {
		s.lp = newLowPass(high, float64(s.rate))
	}
	s.enabled = low > 0 || high > 0
}

// Process implements [Stage].
func (s *BandPassStage) Process(f audio.Frame) audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return f
	}
	out := f
	out.Samples = make([]float32, len(f.Samples))
	for i, v := range f.Samples {
		x := float64(v)
		if s.low > 0 {
			x = s.hp.step(x)
		}
		if s.high > 0 {
			x = s.lp.step(x)
		}
		out.Samples[i] = float32(x)
	}
	return out
}

// ─── Gate ────────────────────────────────────────────────────────────────────

// GateStage runs the speech activity detector and applies the configured
// gate mode. The most recent detector event is available through Last.
type GateStage struct {
	detector *sad.Detector
	mode     atomic.Value // sad.GateMode

	mu       sync.Mutex
	last     sad.Event
	onChange func(speaking bool)
}

// NewGate creates a gate driven by detector.
func NewGate(detector *sad.Detector, mode sad.GateMode) *GateStage {
	g := &GateStage{detector: detector}
	g.SetMode(mode)
	return g
}

// SetMode changes the gate mode.
func (g *GateStage) SetMode(m sad.GateMode) {
	if !m.IsValid() {
		m = sad.GateZero
	}
	g.mode.Store(m)
}

// OnChange registers a callback for detector transitions.
func (g *GateStage) OnChange(fn func(speaking bool)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

// Last returns the detector event for the most recently processed frame.
func (g *GateStage) Last() sad.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Process implements [Stage].
func (g *GateStage) Process(f audio.Frame) audio.Frame {
	ev := g.detector.Process(f)

	g.mu.Lock()
	g.last = ev
	cb := g.onChange
	g.mu.Unlock()

	if ev.Changed && cb != nil {
		cb(ev.State == sad.Speaking)
	}
	return g.mode.Load().(sad.GateMode).Apply(f, ev.State)
}
