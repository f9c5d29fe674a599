// Package playback decodes synthesized speech and renders it to the system
// speaker using github.com/gopxl/beep.
package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/avatalk/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Decoder = (*Decoder)(nil)

// ErrEmptyClip is returned when the encoded payload decodes to zero samples.
var ErrEmptyClip = errors.New("playback: decoded clip is empty")

// resampleQuality is passed to beep.Resample. Values between 3 and 6 are
// reasonable; higher costs more CPU.
const resampleQuality = 4

// Decoder turns synthesized speech into a mono [audio.Clip]. RIFF/WAVE
// payloads are decoded as WAV; everything else is treated as MPEG audio.
// When SampleRate is non-zero the decoded audio is resampled to it.
type Decoder struct {
	SampleRate int
}

// Decode implements [audio.Decoder].
func (d *Decoder) Decode(data []byte) (audio.Clip, error) {
	if len(data) == 0 {
		return audio.Clip{}, ErrEmptyClip
	}

	kind := "mp3"
	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)
	if isWAV(data) {
		kind = "wav"
		streamer, format, err = wav.Decode(bytes.NewReader(data))
	} else {
		streamer, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	}
	if err != nil {
		return audio.Clip{}, fmt.Errorf("playback: decode %s: %w", kind, err)
	}
	defer streamer.Close()

	rate := int(format.SampleRate)
	var src beep.Streamer = streamer
	if d.SampleRate > 0 && d.SampleRate != rate {
		src = beep.Resample(resampleQuality, format.SampleRate, beep.SampleRate(d.SampleRate), streamer)
		rate = d.SampleRate
	}

	samples, err := readMono(src)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("playback: read %s: %w", kind, err)
	}
	if len(samples) == 0 {
		return audio.Clip{}, ErrEmptyClip
	}
	return audio.Clip{Samples: samples, SampleRate: rate}, nil
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// readMono drains s and averages both channels into one.
func readMono(s beep.Streamer) ([]float32, error) {
	buf := make([][2]float64, 1024)
	var out []float32
	for {
		n, ok := s.Stream(buf)
		for i := range n {
			out = append(out, float32((buf[i][0]+buf[i][1])/2))
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return out, err
	}
	return out, nil
}
