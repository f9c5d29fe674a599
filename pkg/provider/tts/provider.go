// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g. ElevenLabs or a local
// Coqui server) and synthesizes one piece of text per call, returning an
// encoded audio file (MP3 or WAV) that the playback decoder understands.
// Callers that want low latency split long replies into chunks and synthesize
// them concurrently; see internal/speech.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrVoiceNotFound is returned by [ResolveVoice] when no voice matches.
var ErrVoiceNotFound = errors.New("tts: voice not found")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the encoded
	// audio file. An empty text is an error.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// StatusError is returned when the synthesis service answers with a
// non-success HTTP status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}
