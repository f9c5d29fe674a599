// Package anyllm serves chat completions through
// github.com/mozilla-ai/any-llm-go, which speaks to hosted backends
// (Anthropic, Gemini, DeepSeek, Mistral, Groq, OpenAI) and local servers
// (Ollama, llama.cpp, llamafile) behind one interface.
//
//	p, err := anyllm.New("anthropic", "", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/avatalk/pkg/provider/llm"
)

// backend describes one any-llm-go provider. model is used when the config
// names none; small fast models keep the avatar's turn latency low.
type backend struct {
	open  func(...anyllmlib.Option) (anyllmlib.Provider, error)
	model string
}

var backends = map[string]backend{
	"openai":    {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) }, model: "gpt-4o-mini"},
	"anthropic": {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) }, model: "claude-3-5-haiku-latest"},
	"gemini":    {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) }, model: "gemini-2.0-flash"},
	"deepseek":  {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) }, model: "deepseek-chat"},
	"mistral":   {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) }, model: "mistral-small-latest"},
	"groq":      {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) }, model: "llama-3.1-8b-instant"},
	"ollama":    {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) }, model: "llama3.2"},
	"llamacpp":  {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) }, model: "local"},
	"llamafile": {open: func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) }, model: "local"},
}

// Names returns the supported backend names in sorted order.
func Names() []string {
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Provider implements [llm.Provider] on top of one any-llm-go backend.
type Provider struct {
	name   string
	client anyllmlib.Provider
	model  string
	maxOut int
}

var _ llm.Provider = (*Provider)(nil)

// New opens the named backend. An empty model selects the backend's
// default. Without an API key option the backend reads its usual
// environment variable (ANTHROPIC_API_KEY, GEMINI_API_KEY, ...).
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown backend %q (have %s)", name, strings.Join(Names(), ", "))
	}
	if model == "" {
		model = b.model
	}
	client, err := b.open(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: open %s: %w", name, err)
	}
	return &Provider{name: name, client: client, model: model, maxOut: outputLimit(model)}, nil
}

// Name returns the backend name.
func (p *Provider) Name() string { return p.name }

// Model returns the model requests are sent to.
func (p *Provider) Model() string { return p.model }

// Complete sends the conversation and returns the first choice.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("anyllm: %s: no messages", p.name)
	}
	out, err := p.client.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", p.name, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s: %w", p.name, llm.ErrEmptyResponse)
	}

	resp := &llm.CompletionResponse{Content: strings.TrimSpace(out.Choices[0].Message.ContentString())}
	if u := out.Usage; u != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return resp, nil
}

// params maps req onto any-llm-go. The system prompt becomes the leading
// message and MaxTokens is clamped to what the model can produce.
func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		n := min(req.MaxTokens, p.maxOut)
		params.MaxTokens = &n
	}
	return params
}

// outputLimits are completion token ceilings by model name prefix, most
// specific first.
var outputLimits = []struct {
	prefix string
	limit  int
}{
	{"gpt-4o", 16_384},
	{"gpt-4", 4_096},
	{"gpt-3.5-turbo", 4_096},
	{"o1-mini", 65_536},
	{"o1", 100_000},
	{"o3", 100_000},
	{"claude-3-opus", 4_096},
	{"claude", 8_192},
	{"gemini", 8_192},
}

const defaultOutputLimit = 4_096

func outputLimit(model string) int {
	model = strings.ToLower(model)
	for _, l := range outputLimits {
		if strings.HasPrefix(model, l.prefix) {
			return l.limit
		}
	}
	return defaultOutputLimit
}
