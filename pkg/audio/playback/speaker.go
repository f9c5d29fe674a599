package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"

	"github.com/MrWong99/avatalk/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*Speaker)(nil)

// Speaker plays clips on the default output device. The underlying
// beep speaker is process-global; it is initialised lazily on first Play.
type Speaker struct {
	sampleRate beep.SampleRate
	bufferSize time.Duration

	initOnce sync.Once
	initErr  error

	// mu serialises Play so only one clip is rendered at a time.
	mu sync.Mutex
}

// SpeakerOption configures a Speaker.
type SpeakerOption func(*Speaker)

// WithBufferSize sets the speaker buffer length. Smaller values lower
// latency at the cost of underrun risk. Default 100ms.
func WithBufferSize(d time.Duration) SpeakerOption {
	return func(s *Speaker) {
		if d > 0 {
			s.bufferSize = d
		}
	}
}

// NewSpeaker creates a Speaker that renders at sampleRate.
func NewSpeaker(sampleRate int, opts ...SpeakerOption) (*Speaker, error) {
	if sampleRate <= 0 {
		return nil, errors.New("playback: sample rate must be positive")
	}
	s := &Speaker{
		sampleRate: beep.SampleRate(sampleRate),
		bufferSize: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SampleRate returns the output rate clips are rendered at.
func (s *Speaker) SampleRate() int { return int(s.sampleRate) }

// Play implements [audio.OutputDevice]. It blocks until the clip has been
// rendered or ctx is cancelled, in which case playback is cut immediately.
func (s *Speaker) Play(ctx context.Context, clip audio.Clip, tap audio.Tap) error {
	s.initOnce.Do(func() {
		if err := speaker.Init(s.sampleRate, s.sampleRate.N(s.bufferSize)); err != nil {
			s.initErr = fmt.Errorf("playback: init speaker: %w", err)
		}
	})
	if s.initErr != nil {
		return s.initErr
	}
	if len(clip.Samples) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var src beep.Streamer = newClipStreamer(clip.Samples, tap)
	if clip.SampleRate > 0 && beep.SampleRate(clip.SampleRate) != s.sampleRate {
		src = beep.Resample(resampleQuality, beep.SampleRate(clip.SampleRate), s.sampleRate, src)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(src, beep.Callback(func() { close(done) })))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		slog.Debug("playback interrupted", "err", ctx.Err())
		return ctx.Err()
	}
}

// ---- clip streamer ----

// clipStreamer feeds mono samples to beep as dual-channel frames and hands
// every rendered block to tap.
type clipStreamer struct {
	samples []float32
	pos     int
	tap     audio.Tap
	scratch []float32
}

func newClipStreamer(samples []float32, tap audio.Tap) *clipStreamer {
	return &clipStreamer{samples: samples, tap: tap}
}

func (c *clipStreamer) Stream(out [][2]float64) (int, bool) {
	if c.pos >= len(c.samples) {
		return 0, false
	}
	n := min(len(out), len(c.samples)-c.pos)
	block := c.samples[c.pos : c.pos+n]
	for i, v := range block {
		out[i][0] = float64(v)
		out[i][1] = float64(v)
	}
	c.pos += n
	if c.tap != nil {
		c.scratch = append(c.scratch[:0], block...)
		c.tap.Observe(c.scratch)
	}
	return n, true
}

func (c *clipStreamer) Err() error { return nil }
