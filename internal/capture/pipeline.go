// Package capture turns microphone audio into encoded PCM frames for the
// transcription session.
//
// A [Pipeline] opens an [audio.InputDevice], slices the incoming stream into
// fixed-size mono frames, runs them through an ordered chain of stages
// (gain, optional band-pass, speech gate) and hands the PCM16 encoding to a
// [Sink]. The device callback never blocks: frames are queued on a bounded
// channel and dropped (and counted) when delivery falls behind. A single
// delivery goroutine preserves capture order.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/sad"
	"github.com/MrWong99/avatalk/pkg/audio"
)

var (
	// ErrDeviceUnavailable is returned by Start when the input device cannot
	// be opened (missing device, permission denied).
	ErrDeviceUnavailable = errors.New("capture: input device unavailable")

	// ErrAlreadyRunning is returned by Start when a capture is already active.
	ErrAlreadyRunning = errors.New("capture: already running")
)

// Sink receives encoded frames in capture order.
type Sink interface {
	Send(audio.EncodedFrame) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(audio.EncodedFrame) error

// Send implements [Sink].
func (f SinkFunc) Send(fr audio.EncodedFrame) error { return f(fr) }

// Config holds pipeline parameters. Zero values fall back to defaults.
type Config struct {
	// SampleRate is the rate frames are produced at. Default 16000.
	SampleRate int
	// FrameSize is the number of samples per frame. Default 4096.
	FrameSize int
	// Gain is the initial input gain. Default 1.
	Gain float64
	// GateThreshold is the initial detector threshold. Default 0.01.
	GateThreshold float64
	// GateMode selects zeroing or tagging. Default zero.
	GateMode sad.GateMode
	// Energy selects the detector energy measure.
	Energy sad.EnergyMeasure
	// MinSilence is the detector hold time. Default 500ms.
	MinSilence time.Duration
	// BandLowHz and BandHighHz configure the optional band-pass. Both zero
	// disables the stage.
	BandLowHz  float64
	BandHighHz float64
	// QueueSize bounds the number of frames waiting for delivery. Default 32.
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 4096
	}
	if c.Gain == 0 {
		c.Gain = 1
	}
	if c.GateThreshold <= 0 {
		c.GateThreshold = sad.DefaultThreshold
	}
	if !c.GateMode.IsValid() {
		c.GateMode = sad.GateZero
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline captures, processes and encodes microphone audio.
type Pipeline struct {
	device  audio.InputDevice
	cfg     Config
	metrics *observe.Metrics

	detector *sad.Detector
	gain     *GainStage
	band     *BandPassStage
	gate     *GateStage
	chain    Stage

	dropped atomic.Int64

	mu  sync.Mutex
	run *run
}

// New creates a Pipeline reading from device.
func New(device audio.InputDevice, cfg Config, opts ...Option) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		device: device,
		cfg:    cfg,
		detector: sad.New(sad.Config{
			Threshold:  cfg.GateThreshold,
			MinSilence: cfg.MinSilence,
			Energy:     cfg.Energy,
		}),
		gain: NewGain(cfg.Gain),
		band: NewBandPass(cfg.SampleRate, cfg.BandLowHz, cfg.BandHighHz),
	}
	p.gate = NewGate(p.detector, cfg.GateMode)
	p.chain = Chain(p.gain, p.band, p.gate)
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Start opens the device and begins delivering frames to sink. It returns an
// error wrapping [ErrDeviceUnavailable] if the device cannot be opened, in
// which case nothing is registered. The capture stops when ctx is cancelled
// or Stop is called.
func (p *Pipeline) Start(ctx context.Context, sink Sink) error {
	if sink == nil {
		return errors.New("capture: sink must not be nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil {
		return ErrAlreadyRunning
	}

	r := &run{
		pipeline: p,
		sink:     sink,
		frames:   make(chan audio.Frame, p.cfg.QueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		buf:      make([]float32, 0, p.cfg.FrameSize),
	}

	p.detector.Reset()
	p.dropped.Store(0)

	stream, err := p.device.Open(ctx, audio.DeviceConfig{
		SampleRate: p.cfg.SampleRate,
		Channels:   1,
	}, r.onData)
	if err != nil {
		return fmt.Errorf("capture: open device: %w: %w", ErrDeviceUnavailable, err)
	}
	r.stream = stream

	r.mu.Lock()
	if f := stream.Format(); f.SampleRate != p.cfg.SampleRate || f.Channels != 1 {
		r.conv = &audio.FormatConverter{Source: f, TargetRate: p.cfg.SampleRate}
	}
	r.ready = true
	r.mu.Unlock()
	p.run = r

	go r.deliver()
	go func() {
		select {
		case <-ctx.Done():
			p.stopRun(r)
		case <-r.stopped:
		}
	}()

	slog.Info("capture started", "format", stream.Format().String(), "frame_size", p.cfg.FrameSize)
	return nil
}

// Stop ends the active capture. It is idempotent and safe to call when no
// capture is running.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	r := p.run
	p.mu.Unlock()
	if r == nil {
		return nil
	}
	return p.stopRun(r)
}

func (p *Pipeline) stopRun(r *run) error {
	err := r.stop()
	p.mu.Lock()
	if p.run == r {
		p.run = nil
	}
	p.mu.Unlock()
	return err
}

// Running reports whether a capture is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run != nil
}

// SetGateThreshold changes the detector threshold; it applies to the next frame.
func (p *Pipeline) SetGateThreshold(v float64) { p.detector.SetThreshold(v) }

// SetGain changes the input gain; it applies to the next frame.
func (p *Pipeline) SetGain(v float64) { p.gain.Set(v) }

// SetGateMode changes the gate mode.
func (p *Pipeline) SetGateMode(m sad.GateMode) { p.gate.SetMode(m) }

// ConfigureBandPass changes the band-pass cut-offs. Zero disables a side.
func (p *Pipeline) ConfigureBandPass(low, high float64) { p.band.Configure(low, high) }

// OnSpeechChange registers a callback invoked from the delivery goroutine on
// every detector transition.
func (p *Pipeline) OnSpeechChange(fn func(speaking bool)) { p.gate.OnChange(fn) }

// Dropped returns the number of frames dropped in the current capture.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

// Gate returns the detector snapshot.
func (p *Pipeline) Gate() sad.GateState { return p.detector.Snapshot() }

// ---- run ----

// run is one Start..Stop capture.
type run struct {
	pipeline *Pipeline
	sink     Sink
	stream   audio.InputStream

	// mu guards the converter, the accumulator and the frames channel
	// against device callbacks racing with Start and stop.
	mu sync.Mutex
	// ready is set once the device format is known. Samples delivered
	// before that, while Open is still running, are discarded.
	ready   bool
	conv    *audio.FormatConverter
	closed  bool
	buf     []float32
	samples int64
	frames  chan audio.Frame

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// onData is the device callback. It must never block.
func (r *run) onData(samples []float32) {
	p := r.pipeline
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.ready {
		return
	}
	if r.conv != nil {
		samples = r.conv.Convert(samples)
	}
	for len(samples) > 0 {
		n := min(p.cfg.FrameSize-len(r.buf), len(samples))
		r.buf = append(r.buf, samples[:n]...)
		samples = samples[n:]
		if len(r.buf) < p.cfg.FrameSize {
			break
		}
		frame := audio.Frame{
			Samples:    r.buf,
			SampleRate: p.cfg.SampleRate,
			Timestamp:  time.Duration(r.samples) * time.Second / time.Duration(p.cfg.SampleRate),
		}
		r.samples += int64(len(r.buf))
		r.buf = make([]float32, 0, p.cfg.FrameSize)

		select {
		case r.frames <- frame:
		default:
			p.dropped.Add(1)
			p.metrics.FramesDropped.Add(context.Background(), 1)
		}
	}
}

// deliver runs the stage chain and forwards encoded frames to the sink.
func (r *run) deliver() {
	defer close(r.done)
	p := r.pipeline
	ctx := context.Background()
	var speaking bool
	for frame := range r.frames {
		out := p.chain.Process(frame)
		enc := audio.EncodedFrame{
			Data:      audio.EncodePCM16(out.Samples),
			Timestamp: out.Timestamp,
			Speaking:  p.gate.Last().State == sad.Speaking,
		}
		if enc.Speaking != speaking {
			speaking = enc.Speaking
			p.metrics.RecordSpeechTransition(ctx, speaking)
		}
		p.metrics.FramesCaptured.Add(ctx, 1)
		if err := r.sink.Send(enc); err != nil {
			slog.Warn("capture: sink rejected frame", "err", err, "timestamp", enc.Timestamp)
		}
	}
}

func (r *run) stop() error {
	r.stopOnce.Do(func() {
		if err := r.stream.Close(); err != nil {
			r.stopErr = fmt.Errorf("capture: close device: %w", err)
		}
		r.mu.Lock()
		r.closed = true
		close(r.frames)
		r.mu.Unlock()
		<-r.done
		close(r.stopped)
		slog.Info("capture stopped", "dropped_frames", r.pipeline.dropped.Load())
	})
	return r.stopErr
}
