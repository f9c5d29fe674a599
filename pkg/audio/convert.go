package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter turns interleaved float samples from an input device into
// mono samples at the target rate. It logs a warning on the first format
// mismatch. Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Source         Format
	TargetRate     int
	warnedMismatch sync.Once
}

// Convert downmixes and resamples interleaved samples. When the source is
// already mono at the target rate the input slice is returned unchanged.
func (c *FormatConverter) Convert(interleaved []float32) []float32 {
	channels := max(c.Source.Channels, 1)
	if channels == 1 && c.Source.SampleRate == c.TargetRate {
		return interleaved
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", c.Source.String(),
			"to", Format{SampleRate: c.TargetRate, Channels: 1}.String(),
		)
	})

	mono := interleaved
	if channels > 1 {
		mono = Downmix(interleaved, channels)
	}
	return Resample(mono, c.Source.SampleRate, c.TargetRate)
}

// Downmix averages interleaved multi-channel samples into mono.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates are equal or invalid the input is returned
// unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
