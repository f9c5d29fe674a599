// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio for each text, inject per-text
// failures or latency, and verify which texts and voices were requested.
//
// Example:
//
//	p := &mock.Provider{
//	    Delay:            func(text string) time.Duration { return 10 * time.Millisecond },
//	    ListVoicesResult: []tts.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	audio, _ := p.Synthesize(ctx, "Hello.", voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio, if set, produces the audio returned for text. Defaults to
	// returning the text bytes themselves.
	Audio func(text string) []byte

	// Errors maps a text to the error Synthesize returns for it.
	Errors map[string]error

	// SynthesizeErr, if non-nil, is returned for every text.
	SynthesizeErr error

	// Delay, if set, makes Synthesize wait (or until ctx is done) before
	// returning.
	Delay func(text string) time.Duration

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCallCount is the number of times ListVoices was called.
	ListVoicesCallCount int
}

// Synthesize records the call and returns the configured audio or error.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	delay := p.Delay
	err := p.SynthesizeErr
	if e, ok := p.Errors[text]; ok {
		err = e
	}
	audioFn := p.Audio
	p.mu.Unlock()

	if delay != nil {
		if d := delay(text); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if audioFn != nil {
		return audioFn(text), nil
	}
	return []byte(text), nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCallCount++
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return p.ListVoicesResult, nil
}

// Calls returns a snapshot of SynthesizeCalls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCallCount = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
