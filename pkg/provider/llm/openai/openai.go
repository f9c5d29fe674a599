// Package openai answers chat turns with the OpenAI chat completions API, or
// any server that speaks the same protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/avatalk/pkg/provider/llm"
)

// DefaultModel is used when New is given an empty model name.
const DefaultModel = "gpt-4o-mini"

// ErrNoAPIKey is returned by New without credentials.
var ErrNoAPIKey = errors.New("openai: api key required")

// Provider implements [llm.Provider].
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// Option adjusts the SDK client.
type Option func(*[]option.RequestOption)

func with(o option.RequestOption) Option {
	return func(opts *[]option.RequestOption) { *opts = append(*opts, o) }
}

// WithBaseURL points the client at another OpenAI compatible server.
func WithBaseURL(url string) Option { return with(option.WithBaseURL(url)) }

// WithOrganization sends the organization id with every request.
func WithOrganization(org string) Option { return with(option.WithOrganization(org)) }

// WithTimeout bounds every HTTP request.
func WithTimeout(d time.Duration) Option {
	return with(option.WithHTTPClient(&http.Client{Timeout: d}))
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option { return with(option.WithHTTPClient(c)) }

// WithMaxRetries sets how often the SDK retries a failed request. The
// failover layer above already retries elsewhere, so voice setups often
// pass 0 here.
func WithMaxRetries(n int) Option { return with(option.WithMaxRetries(n)) }

// New returns a provider for model, DefaultModel when empty.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if model == "" {
		model = DefaultModel
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Model returns the model requests are sent to.
func (p *Provider) Model() string { return p.model }

// Complete sends the conversation and returns the first choice. A reply cut
// off by the token limit is shortened to its last full sentence so the
// avatar does not stop mid-phrase.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	out, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: complete: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w", llm.ErrEmptyResponse)
	}

	choice := out.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if choice.FinishReason == "length" {
		content = lastSentence(content)
	}
	return &llm.CompletionResponse{
		Content: content,
		Usage: llm.Usage{
			PromptTokens:     int(out.Usage.PromptTokens),
			CompletionTokens: int(out.Usage.CompletionTokens),
			TotalTokens:      int(out.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: no messages")
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		conv, ok := roles[m.Role]
		if !ok {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: message %d: unknown role %q", i, m.Role)
		}
		msgs = append(msgs, conv(m.Content))
	}

	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

var roles = map[string]func(string) oai.ChatCompletionMessageParamUnion{
	llm.RoleSystem:    func(s string) oai.ChatCompletionMessageParamUnion { return oai.SystemMessage(s) },
	llm.RoleUser:      func(s string) oai.ChatCompletionMessageParamUnion { return oai.UserMessage(s) },
	llm.RoleAssistant: func(s string) oai.ChatCompletionMessageParamUnion { return oai.AssistantMessage(s) },
}

// lastSentence drops a trailing unfinished sentence. Text without any
// sentence end is returned unchanged.
func lastSentence(s string) string {
	if i := strings.LastIndexAny(s, ".!?"); i > 0 {
		return s[:i+1]
	}
	return s
}
