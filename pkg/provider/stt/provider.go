// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// Session setup is split in two steps, matching how hosted live-transcription
// services work: Negotiate asks the service for a session over plain HTTP and
// returns a [SessionDescriptor] carrying a one-time socket URL; Dial opens the
// socket and returns a [SessionHandle]. Keeping the steps separate lets callers
// distinguish a rejected session (bad key, quota) from a transport failure.
//
// Once open, a session accepts PCM16LE audio frames and emits [Transcript]
// values on a single ordered channel; partial and final results are told
// apart by IsFinal.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"fmt"
	"time"
)

// StreamConfig describes the audio format and recognition options for a new
// session. Zero values let the provider apply its defaults.
type StreamConfig struct {
	// Encoding is the provider's name for the audio payload format
	// (e.g. "wav/pcm").
	Encoding string

	// SampleRate is the audio sample rate in Hz. Default 16000.
	SampleRate int

	// BitDepth is the sample size in bits. Default 16.
	BitDepth int

	// Channels is the number of audio channels. Default 1.
	Channels int

	// Model selects the recognition model.
	Model string

	// Languages lists the expected spoken languages (ISO 639-1 codes).
	Languages []string

	// CodeSwitching allows the service to switch language mid-stream.
	CodeSwitching bool

	// Endpointing is the silence after which the service closes an utterance.
	Endpointing time.Duration

	// MaxDurationWithoutEndpointing forces an utterance boundary after this long.
	MaxDurationWithoutEndpointing time.Duration

	// AudioEnhancer enables server-side noise reduction.
	AudioEnhancer bool

	// SpeechThreshold is the server-side speech detection sensitivity (0-1).
	SpeechThreshold float64

	// Partials requests interim results in addition to finals.
	Partials bool
}

// SessionDescriptor identifies a negotiated session.
type SessionDescriptor struct {
	// ID is the provider's session identifier.
	ID string

	// URL is the socket endpoint to dial.
	URL string
}

// SessionHandle represents an open streaming session. It is an interface so
// that test code can provide mock implementations without a live provider.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one encoded PCM frame. Frames are forwarded in call
	// order. Calling SendAudio after the session ended returns an error.
	SendAudio(chunk []byte) error

	// Events returns the ordered stream of transcripts. The channel is closed
	// when the session ends for any reason.
	Events() <-chan Transcript

	// Done is closed once the session has ended and Events is closed.
	Done() <-chan struct{}

	// Err reports why the session ended. It is nil while the session is open
	// and after a Close initiated by the caller.
	Err() error

	// Close asks the service to stop politely, then closes the socket and
	// releases all resources. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// Negotiate requests a new session. A rejection by the service is
	// returned as a *[StatusError].
	Negotiate(ctx context.Context, cfg StreamConfig) (SessionDescriptor, error)

	// Dial opens the socket for a negotiated session. The returned handle is
	// ready to accept audio immediately.
	Dial(ctx context.Context, desc SessionDescriptor) (SessionHandle, error)
}

// StatusError is returned by Negotiate when the service answers with a
// non-success HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stt: negotiate: status %d", e.StatusCode)
	}
	return fmt.Sprintf("stt: negotiate: status %d: %s", e.StatusCode, e.Body)
}
