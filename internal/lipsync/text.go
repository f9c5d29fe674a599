package lipsync

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/avatalk/pkg/avatar"
)

// Text-driven timing.
const (
	wordDuration = 500 * time.Millisecond
	wordPause    = 100 * time.Millisecond

	// envelopeThreshold is the RMS below which an envelope frame is silent.
	envelopeThreshold = 0.01
)

// TimedViseme is a viseme shown at Offset for Duration.
type TimedViseme struct {
	Offset    time.Duration
	Duration  time.Duration
	Viseme    string
	Intensity float64
}

// letterVisemes maps a lower-case letter to its viseme morph target.
var letterVisemes = map[rune]string{
	'a': avatar.VisemeAA,
	'e': avatar.VisemeE,
	'i': avatar.VisemeI,
	'o': avatar.VisemeO,
	'u': avatar.VisemeU,
	'b': avatar.VisemePP, 'm': avatar.VisemePP, 'p': avatar.VisemePP,
	'c': avatar.VisemeKK, 'g': avatar.VisemeKK, 'k': avatar.VisemeKK, 'q': avatar.VisemeKK, 'x': avatar.VisemeKK,
	'd': avatar.VisemeDD, 't': avatar.VisemeDD,
	'f': avatar.VisemeFF, 'v': avatar.VisemeFF,
	'h': avatar.VisemeI, 'y': avatar.VisemeI,
	'l': avatar.VisemeNN, 'n': avatar.VisemeNN,
	'r': avatar.VisemeRR,
	's': avatar.VisemeSil, 'z': avatar.VisemeSil,
	'w': avatar.VisemeU,
}

// VisemeForLetter returns the viseme for a letter. Letters without a
// dedicated shape open the mouth as for "a".
func VisemeForLetter(r rune) string {
	if v, ok := letterVisemes[unicode.ToLower(r)]; ok {
		return v
	}
	return avatar.VisemeAA
}

// TextToVisemes approximates a viseme track for text without audio. Each
// word lasts 500ms split evenly over its letters, followed by a 100ms pause.
// Intensities vary randomly in [0.7, 1).
func TextToVisemes(text string) []TimedViseme {
	var out []TimedViseme
	var at time.Duration
	for _, word := range strings.Fields(strings.ToLower(text)) {
		letters := []rune(word)
		step := wordDuration / time.Duration(len(letters))
		for i, r := range letters {
			out = append(out, TimedViseme{
				Offset:    at + time.Duration(i)*step,
				Duration:  step,
				Viseme:    VisemeForLetter(r),
				Intensity: 0.7 + rand.Float64()*0.3,
			})
		}
		at += wordDuration + wordPause
	}
	return out
}

// EnvelopeFromSamples returns the RMS amplitude of samples per animation
// frame at fps frames per second.
func EnvelopeFromSamples(samples []float32, sampleRate, fps int) []float64 {
	if sampleRate <= 0 || fps <= 0 || len(samples) == 0 {
		return nil
	}
	per := max(sampleRate/fps, 1)
	out := make([]float64, 0, (len(samples)+per-1)/per)
	for start := 0; start < len(samples); start += per {
		frame := samples[start:min(start+per, len(samples))]
		var sum float64
		for _, s := range frame {
			sum += float64(s) * float64(s)
		}
		out = append(out, math.Sqrt(sum/float64(len(frame))))
	}
	return out
}

// EnvelopeVisemes converts an envelope from [EnvelopeFromSamples] into a
// viseme track. Silent frames are omitted; loud frames open wide.
func EnvelopeVisemes(envelope []float64, fps int) []TimedViseme {
	if fps <= 0 {
		return nil
	}
	frame := time.Second / time.Duration(fps)
	var out []TimedViseme
	for i, amp := range envelope {
		if amp <= envelopeThreshold {
			continue
		}
		v := avatar.VisemeE
		if amp > 0.5 {
			v = avatar.VisemeAA
		}
		out = append(out, TimedViseme{
			Offset:    time.Duration(i) * frame,
			Duration:  frame,
			Viseme:    v,
			Intensity: min(amp, 1),
		})
	}
	return out
}

// Play applies a viseme track to the driver's scene in real time and
// returns the avatar to rest when the last viseme has been held for its
// Duration or ctx is cancelled. Gaps between entries show silence.
func (d *Driver) Play(ctx context.Context, track []TimedViseme) error {
	defer d.Reset()
	if d.scene == nil || len(track) == 0 {
		return nil
	}
	start := time.Now()
	var shownUntil time.Duration
	for _, tv := range track {
		if tv.Offset > shownUntil {
			if err := sleepUntil(ctx, start, shownUntil); err != nil {
				return err
			}
			d.setViseme(avatar.VisemeSil, 1)
		}
		if err := sleepUntil(ctx, start, tv.Offset); err != nil {
			return err
		}
		d.setViseme(tv.Viseme, tv.Intensity)
		shownUntil = tv.Offset + tv.Duration
	}
	return sleepUntil(ctx, start, shownUntil)
}

func sleepUntil(ctx context.Context, start time.Time, at time.Duration) error {
	wait := at - time.Since(start)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// setViseme shows a single viseme at weight, clearing the others.
func (d *Driver) setViseme(name string, weight float64) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()
	for _, v := range avatar.Visemes {
		d.scene.SetMorphTarget(v, 0)
	}
	d.scene.SetMorphTarget(name, weight)
}
