package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/avatalk/pkg/provider/llm"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

// LLMFallback is an [llm.Provider] backed by a [Group] of chat backends.
type LLMFallback struct {
	*Group[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns a chat provider that prefers primary.
func NewLLMFallback(name string, primary llm.Provider, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{NewGroup("llm", name, primary, cfg)}
}

// Complete asks the first healthy backend. A reply without content counts
// as a failure so a fallback gets to answer.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, f.Group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp == nil || resp.Content == "" {
			return nil, llm.ErrEmptyResponse
		}
		return resp, nil
	})
}

var errEmptyAudio = errors.New("resilience: synthesis returned no audio")

// TTSFallback is a [tts.Provider] backed by a [Group] of synthesis
// services, typically a hosted voice with a local Coqui server behind it.
type TTSFallback struct {
	*Group[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a synthesis provider that prefers primary.
func NewTTSFallback(name string, primary tts.Provider, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{NewGroup("tts", name, primary, cfg)}
}

// Synthesize renders text on the first healthy service. Fallbacks receive
// the same voice; a service that does not know the id uses its own default.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	return Call(ctx, f.Group, func(ctx context.Context, p tts.Provider) ([]byte, error) {
		audio, err := p.Synthesize(ctx, text, voice)
		if err == nil && len(audio) == 0 {
			return nil, errEmptyAudio
		}
		return audio, err
	})
}

// ListVoices returns the voices of the first service that answers.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return Call(ctx, f.Group, func(ctx context.Context, p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
