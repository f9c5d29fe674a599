// Package lipsync turns the spectrum of the audio currently playing into
// viseme morph target weights on an [avatar.Scene], or into mouth and head
// motion on an [avatar.FallbackRig] when the scene has no visemes.
//
// The [Driver] samples a [FrequencySource] at a fixed frame rate. The usual
// source is an [Analyser] installed as the playback tap of the speech
// scheduler, so every chunk of a reply feeds the same analyser.
package lipsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/avatalk/pkg/avatar"
)

// DefaultFrameRate is the default number of driver ticks per second.
const DefaultFrameRate = 60

// speakingThreshold is the mean bin amplitude above which the mouth moves.
const speakingThreshold = 0.1

// Frequency band boundaries in analyser bins.
const (
	lowBandEnd  = 10
	midBandEnd  = 30
	highBandEnd = 60
)

// Frame is the result of one driver tick.
type Frame struct {
	// Amplitude is the mean bin magnitude normalised to [0, 1].
	Amplitude float64

	// Speaking reports whether Amplitude crossed the speaking threshold.
	Speaking bool

	// Weights holds the viseme weights applied to the scene. Every name in
	// [avatar.Visemes] is present.
	Weights map[string]float64
}

// Option configures a [Driver].
type Option func(*Driver)

// WithFrameRate sets the tick rate of the loop started by [Driver.Start].
func WithFrameRate(fps int) Option {
	return func(d *Driver) {
		if fps > 0 {
			d.frameRate = fps
		}
	}
}

// WithFallback sets the rig animated when the scene has no viseme targets.
func WithFallback(rig *avatar.FallbackRig) Option {
	return func(d *Driver) { d.rig = rig }
}

// WithFrameHandler registers fn to receive every computed frame. It is
// called on the driver goroutine and must not block.
func WithFrameHandler(fn func(Frame)) Option {
	return func(d *Driver) { d.onFrame = fn }
}

type sourceRef struct{ src FrequencySource }

// Driver animates an avatar from a [FrequencySource].
//
// All methods are safe for concurrent use.
type Driver struct {
	scene     avatar.Scene
	rig       *avatar.FallbackRig
	useMorph  bool
	frameRate int
	onFrame   func(Frame)

	source atomic.Pointer[sourceRef]

	// tickMu serialises ticks so the bin buffer can be reused.
	tickMu sync.Mutex
	bins   []byte

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// New creates a Driver for scene, which may be nil when only a fallback rig
// is animated.
func New(scene avatar.Scene, opts ...Option) *Driver {
	d := &Driver{
		scene:     scene,
		useMorph:  avatar.HasVisemes(scene),
		frameRate: DefaultFrameRate,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// UsesMorphTargets reports whether the driver writes viseme weights to the
// scene rather than animating the fallback rig.
func (d *Driver) UsesMorphTargets() bool { return d.useMorph }

// Start attaches src and starts the tick loop if it is not already running.
// A previously attached source is detached by the swap; ticks running
// concurrently read either the old or the new source, never a mix.
func (d *Driver) Start(src FrequencySource) {
	d.source.Store(&sourceRef{src: src})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.started = time.Now()
	go d.loop(ctx, d.started, d.done)
}

func (d *Driver) loop(ctx context.Context, start time.Time, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(d.frameRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Tick(now.Sub(start))
		}
	}
}

// Running reports whether the tick loop is active.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Tick computes and applies one frame. elapsed is the time since the
// animation started and drives the fallback rig's idle motion.
func (d *Driver) Tick(elapsed time.Duration) Frame {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	var amp float64
	var n int
	if ref := d.source.Load(); ref != nil && ref.src != nil {
		want := max(ref.src.FrequencyBinCount(), 0)
		if cap(d.bins) < want {
			d.bins = make([]byte, want)
		}
		d.bins = d.bins[:want]
		n = min(ref.src.ByteFrequencyData(d.bins), want)
		amp = meanBytes(d.bins[:n]) / 255
	}

	f := computeFrame(d.bins[:n], amp)
	d.apply(f, elapsed)
	if d.onFrame != nil {
		d.onFrame(f)
	}
	return f
}

// computeFrame maps a spectrum to viseme weights.
func computeFrame(bins []byte, amp float64) Frame {
	w := make(map[string]float64, len(avatar.Visemes))
	for _, v := range avatar.Visemes {
		w[v] = 0
	}
	f := Frame{Amplitude: amp, Weights: w}
	if amp <= speakingThreshold {
		w[avatar.VisemeSil] = 1
		return f
	}
	f.Speaking = true

	open := min(amp*2, 1)
	w[avatar.VisemeAA] = open * 0.7
	w[avatar.VisemeE] = open * 0.3

	low := bandMean(bins, 0, lowBandEnd)
	mid := bandMean(bins, lowBandEnd, midBandEnd)
	high := bandMean(bins, midBandEnd, highBandEnd)
	if low > mid {
		w[avatar.VisemeO] = low / 255 * open * 0.5
		w[avatar.VisemeU] = low / 255 * open * 0.3
	}
	if high > mid {
		w[avatar.VisemeI] = high / 255 * open * 0.4
		w[avatar.VisemeE] = high / 255 * open * 0.6
	}
	return f
}

func (d *Driver) apply(f Frame, elapsed time.Duration) {
	if d.useMorph {
		for name, v := range f.Weights {
			d.scene.SetMorphTarget(name, v)
		}
		return
	}
	if d.rig != nil {
		d.rig.Update(f.Amplitude, animationTime(elapsed))
	}
}

// animationTime converts elapsed time to the rig's phase unit of
// centiseconds.
func animationTime(elapsed time.Duration) float64 {
	return float64(elapsed.Milliseconds()) * 0.01
}

// Stop cancels the tick loop, detaches the source, and returns the avatar
// to rest: every viseme at 0 except viseme_sil at 1, and a neutral fallback
// pose. It is safe to call when the driver is not running.
func (d *Driver) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	d.source.Store(nil)
	d.Reset()
}

// Reset puts the avatar in its rest pose without touching the loop.
func (d *Driver) Reset() {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()
	if d.scene != nil {
		for _, v := range avatar.Visemes {
			d.scene.SetMorphTarget(v, 0)
		}
		d.scene.SetMorphTarget(avatar.VisemeSil, 1)
	}
	if d.rig != nil {
		d.rig.Reset()
	}
}

func meanBytes(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	var sum int
	for _, v := range b {
		sum += int(v)
	}
	return float64(sum) / float64(len(b))
}

// bandMean averages bins[lo:hi], clipped to the available bins.
func bandMean(bins []byte, lo, hi int) float64 {
	hi = min(hi, len(bins))
	if lo >= hi {
		return 0
	}
	return meanBytes(bins[lo:hi])
}
