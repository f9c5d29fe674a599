// Package audio defines the audio primitives shared by the capture and
// playback halves of avatalk: frames, PCM16 encoding, energy measures, format
// conversion, and the device interfaces implemented by platform adapters.
//
// The device abstractions are:
//
//   - [InputDevice] opens a microphone and returns an [InputStream].
//   - [OutputDevice] plays decoded [Clip] values one at a time.
//
// Implementations live in adapter packages (audio/malgo for capture,
// audio/playback for speaker output). The interfaces are intentionally narrow
// so the pipeline can be exercised with the mocks in audio/mock.
package audio

import (
	"context"
	"errors"
)

// ErrNoDevice is returned by [InputDevice.Open] when the platform reports no
// usable capture device.
var ErrNoDevice = errors.New("audio: no input device")

// ErrPermissionDenied is returned by [InputDevice.Open] when the platform
// refuses access to the capture device.
var ErrPermissionDenied = errors.New("audio: input device permission denied")

// DeviceConfig describes the stream requested from an input device.
type DeviceConfig struct {
	// SampleRate in Hz. Devices that cannot honour it may deliver a different
	// rate; the returned [InputStream] reports the actual format.
	SampleRate int

	// Channels requested from the device. 1 for mono capture.
	Channels int

	// PeriodFrames is the preferred number of frames per data callback.
	// Zero lets the backend choose.
	PeriodFrames int
}

// InputStream is an open capture stream. The data callback passed to
// [InputDevice.Open] stops firing once Close returns.
type InputStream interface {
	// Format reports the format the device actually delivers.
	Format() Format

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// InputDevice is the entry point for microphone access.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// Open acquires the device and starts capture. onData receives interleaved
	// float samples on a device-owned goroutine; it must not block and must not
	// retain the slice after returning.
	Open(ctx context.Context, cfg DeviceConfig, onData func(samples []float32)) (InputStream, error)
}

// Tap observes samples as they are handed to the speaker. It is how the
// lip-sync analyser sees what is currently audible.
type Tap interface {
	Observe(samples []float32)
}

// OutputDevice plays decoded clips.
//
// Implementations must be safe for concurrent use, but only one clip plays at
// a time.
type OutputDevice interface {
	// Play blocks until clip has finished playing or ctx is cancelled, in
	// which case playback stops immediately and ctx.Err() is returned. tap may
	// be nil.
	Play(ctx context.Context, clip Clip, tap Tap) error
}

// Decoder turns encoded audio bytes (e.g. MP3) into a playable clip.
type Decoder interface {
	Decode(data []byte) (Clip, error)
}
