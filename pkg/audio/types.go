package audio

import "time"

// Frame is a fixed-size block of mono float samples flowing through the
// capture pipeline. Samples are normalised to [-1.0, 1.0].
type Frame struct {
	// Samples holds mono audio, one value per sample.
	Samples []float32

	// SampleRate in Hz (16000 for everything sent to transcription).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration reports how much audio the frame carries.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Clone returns a copy of f that does not share the sample slice.
func (f Frame) Clone() Frame {
	out := f
	out.Samples = append([]float32(nil), f.Samples...)
	return out
}

// EncodedFrame is the PCM16 little-endian rendition of a [Frame]. Ownership
// of Data passes to whoever receives the frame.
type EncodedFrame struct {
	Data      []byte
	Timestamp time.Duration

	// Speaking is true when the speech detector classified the source frame
	// as speech. Used when the gate tags frames instead of silencing them.
	Speaking bool
}

// Clip is a fully decoded, playable piece of audio.
type Clip struct {
	// Samples is mono audio at SampleRate.
	Samples []float32

	SampleRate int
}

// Duration reports the playing time of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}
