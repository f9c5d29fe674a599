package stt

import "time"

// Transcript is one recognition result. Partial and final results share this
// type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0-1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// Language is the detected language, when reported.
	Language string

	// ReceivedAt is when the client received the result.
	ReceivedAt time.Time
}
