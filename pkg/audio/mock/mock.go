// Package mock provides in-memory mock implementations of the [audio.InputDevice],
// [audio.InputStream], [audio.OutputDevice], and [audio.Decoder] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.InputDevice{}
//	stream, _ := dev.Open(ctx, cfg, onData)
//	dev.Emit(make([]float32, 4096)) // drives onData synchronously
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/avatalk/pkg/audio"
)

// ─── InputDevice ──────────────────────────────────────────────────────────────

// OpenCall records a single invocation of [InputDevice.Open].
type OpenCall struct {
	Cfg audio.DeviceConfig
}

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// OpenError, if non-nil, is returned from Open and no callback is kept.
	OpenError error

	// StreamFormat is reported by the returned stream. Defaults to the
	// requested format.
	StreamFormat audio.Format

	// OpenCalls records every call to Open.
	OpenCalls []OpenCall

	onData func([]float32)
	stream *InputStream
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(_ context.Context, cfg audio.DeviceConfig, onData func([]float32)) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Cfg: cfg})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	format := d.StreamFormat
	if format.SampleRate == 0 {
		format = audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	}
	d.onData = onData
	d.stream = &InputStream{format: format, device: d}
	return d.stream, nil
}

// Emit invokes the registered data callback synchronously, as the device's
// capture thread would. It reports false when no stream is open.
func (d *InputDevice) Emit(samples []float32) bool {
	d.mu.Lock()
	cb := d.onData
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(samples)
	return true
}

// HasCallback reports whether a data callback is currently registered.
func (d *InputDevice) HasCallback() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onData != nil
}

// Stream returns the most recently opened stream, or nil.
func (d *InputDevice) Stream() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// Compile-time interface assertion.
var _ audio.InputDevice = (*InputDevice)(nil)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is the stream handed out by [InputDevice.Open].
type InputStream struct {
	mu     sync.Mutex
	format audio.Format
	device *InputDevice

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Close implements [audio.InputStream]. It unregisters the device callback.
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()

	s.device.mu.Lock()
	s.device.onData = nil
	s.device.mu.Unlock()
	return nil
}

// Closed reports whether Close was called at least once.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

var _ audio.InputStream = (*InputStream)(nil)

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// PlayCall records a single invocation of [OutputDevice.Play].
type PlayCall struct {
	Clip    audio.Clip
	Started time.Time
}

// OutputDevice is a mock implementation of [audio.OutputDevice]. Play
// simulates playback by sleeping for PlayDuration (or until ctx is done) and
// forwards the clip's samples to the tap.
type OutputDevice struct {
	mu sync.Mutex

	// PlayDuration is how long each Play call blocks. Zero returns at once.
	PlayDuration time.Duration

	// PlayErrors maps a clip's first sample count to an error returned from
	// Play. Keyed by len(clip.Samples) to keep test setup simple.
	PlayErrors map[int]error

	// PlayCalls records every call to Play in order.
	PlayCalls []PlayCall
}

// Play implements [audio.OutputDevice].
func (o *OutputDevice) Play(ctx context.Context, clip audio.Clip, tap audio.Tap) error {
	o.mu.Lock()
	o.PlayCalls = append(o.PlayCalls, PlayCall{Clip: clip, Started: time.Now()})
	err := o.PlayErrors[len(clip.Samples)]
	d := o.PlayDuration
	o.mu.Unlock()

	if err != nil {
		return err
	}
	if tap != nil {
		tap.Observe(clip.Samples)
	}
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Calls returns a snapshot of PlayCalls.
func (o *OutputDevice) Calls() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PlayCall(nil), o.PlayCalls...)
}

var _ audio.OutputDevice = (*OutputDevice)(nil)

// ─── Decoder ──────────────────────────────────────────────────────────────────

// Decoder is a mock implementation of [audio.Decoder]. By default it returns a
// clip with one sample per input byte at SampleRate.
type Decoder struct {
	mu sync.Mutex

	// SampleRate of returned clips. Defaults to 16000.
	SampleRate int

	// DecodeError, if non-nil, is returned for every input.
	DecodeError error

	// FailOn lists payloads (compared as strings) that fail to decode.
	FailOn map[string]error

	// CallCountDecode records how many times Decode was called.
	CallCountDecode int
}

// Decode implements [audio.Decoder].
func (d *Decoder) Decode(data []byte) (audio.Clip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountDecode++
	if d.DecodeError != nil {
		return audio.Clip{}, d.DecodeError
	}
	if err, ok := d.FailOn[string(data)]; ok {
		return audio.Clip{}, err
	}
	rate := d.SampleRate
	if rate == 0 {
		rate = 16000
	}
	samples := make([]float32, len(data))
	for i, b := range data {
		samples[i] = float32(b) / 255
	}
	return audio.Clip{Samples: samples, SampleRate: rate}, nil
}

// Calls returns the number of Decode calls so far.
func (d *Decoder) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountDecode
}

var _ audio.Decoder = (*Decoder)(nil)
