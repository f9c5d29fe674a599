package lipsync

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyser defaults. They match the browser AnalyserNode the avatar was
// first tuned against, so thresholds in the driver carry over unchanged.
const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.8
	DefaultMinDB     = -100.0
	DefaultMaxDB     = -30.0

	// DefaultSampleRate is the playback rate assumed when none is given.
	DefaultSampleRate = 44100
)

// FrequencySource yields byte-scaled magnitude spectra of whatever audio is
// currently playing.
type FrequencySource interface {
	// FrequencyBinCount is the number of bins ByteFrequencyData fills.
	FrequencyBinCount() int

	// ByteFrequencyData fills dst with bin magnitudes in [0, 255] and
	// returns the number of bins written.
	ByteFrequencyData(dst []byte) int
}

// AnalyserConfig configures an Analyser. Zero values fall back to defaults.
type AnalyserConfig struct {
	// FFTSize must be a power of two; other values are rounded up.
	FFTSize   int
	Smoothing float64
	MinDB     float64
	MaxDB     float64

	// SampleRate of the observed audio. It converts the time since the last
	// observed block into silence.
	SampleRate int
}

// Analyser keeps the most recent FFTSize samples handed to the speaker and
// turns them into a smoothed, dB-scaled spectrum on demand. It implements
// audio.Tap so it can sit on the playback path, and [FrequencySource] for
// the driver. One analyser is shared across all chunks of a reply.
//
// Like a browser analyser whose input went quiet, time that passes without
// observed samples enters the window as silence, so the spectrum decays in
// the gap between chunks instead of freezing on the last block.
type Analyser struct {
	mu       sync.Mutex
	cfg      AnalyserConfig
	now      func() time.Time
	fedUntil time.Time
	fft      *fourier.FFT
	window   []float64
	ring     []float64
	pos      int
	frame    []float64
	coeffs   []complex128
	smoothed []float64
}

// NewAnalyser creates an Analyser.
func NewAnalyser(cfg AnalyserConfig) *Analyser {
	cfg = analyserDefaults(cfg)
	n := cfg.FFTSize
	return &Analyser{
		cfg:      cfg,
		now:      time.Now,
		fft:      fourier.NewFFT(n),
		window:   blackman(n),
		ring:     make([]float64, n),
		frame:    make([]float64, n),
		smoothed: make([]float64, n/2),
	}
}

func analyserDefaults(cfg AnalyserConfig) AnalyserConfig {
	if cfg.FFTSize <= 0 {
		cfg.FFTSize = DefaultFFTSize
	}
	cfg.FFTSize = nextPow2(cfg.FFTSize)
	if cfg.Smoothing <= 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = DefaultSmoothing
	}
	if cfg.MinDB == 0 && cfg.MaxDB == 0 {
		cfg.MinDB, cfg.MaxDB = DefaultMinDB, DefaultMaxDB
	}
	if cfg.MaxDB <= cfg.MinDB {
		cfg.MinDB, cfg.MaxDB = DefaultMinDB, DefaultMaxDB
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	return cfg
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// blackman returns the Blackman window of length n.
func blackman(n int) []float64 {
	const a0, a1, a2 = 0.42, 0.5, 0.08
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}

// Observe appends samples to the analysis window.
func (a *Analyser) Observe(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.fillSilence(now)
	if a.fedUntil.Before(now) {
		a.fedUntil = now
	}
	a.fedUntil = a.fedUntil.Add(a.duration(len(samples)))

	n := len(a.ring)
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	for _, s := range samples {
		a.ring[a.pos] = float64(s)
		a.pos = (a.pos + 1) % n
	}
}

func (a *Analyser) duration(samples int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(a.cfg.SampleRate)
}

// fillSilence writes zeros for the time between the end of the observed
// audio and now. Callers hold a.mu.
func (a *Analyser) fillSilence(now time.Time) {
	if a.fedUntil.IsZero() || !now.After(a.fedUntil) {
		return
	}
	gap := int(now.Sub(a.fedUntil).Seconds() * float64(a.cfg.SampleRate))
	if gap <= 0 {
		return
	}
	a.fedUntil = a.fedUntil.Add(a.duration(gap))
	n := len(a.ring)
	for range min(gap, n) {
		a.ring[a.pos] = 0
		a.pos = (a.pos + 1) % n
	}
}

// FrequencyBinCount implements [FrequencySource].
func (a *Analyser) FrequencyBinCount() int {
	return a.cfg.FFTSize / 2
}

// ByteFrequencyData implements [FrequencySource]. Each call advances the
// time smoothing by one step.
func (a *Analyser) ByteFrequencyData(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fillSilence(a.now())

	n := len(a.ring)
	for i := range n {
		a.frame[i] = a.ring[(a.pos+i)%n] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	tau := a.cfg.Smoothing
	scale := 255 / (a.cfg.MaxDB - a.cfg.MinDB)
	bins := min(len(dst), len(a.smoothed))
	for k := range len(a.smoothed) {
		c := a.coeffs[k]
		mag := math.Hypot(real(c), imag(c)) / float64(n)
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag
		if k >= bins {
			continue
		}
		db := 20 * math.Log10(a.smoothed[k])
		v := math.Floor(scale * (db - a.cfg.MinDB))
		switch {
		case math.IsNaN(v) || v < 0:
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
	return bins
}

// Reset clears the sample window and the smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
	a.fedUntil = time.Time{}
}
