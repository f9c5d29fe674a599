// Package chat produces the avatar's replies: it prefixes the conversation
// with the system prompt, adds recent history, calls the configured
// [llm.Provider] and records the exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/pkg/history"
	"github.com/MrWong99/avatalk/pkg/provider/llm"
)

// Defaults.
const (
	DefaultMaxTokens    = 150
	DefaultTemperature  = 0.7
	DefaultHistoryLimit = 20

	// DefaultSystemPrompt is used when no prompt file is configured or it
	// cannot be read.
	DefaultSystemPrompt = "You are a helpful and friendly AI assistant with a warm, conversational personality. Keep responses natural and concise."

	// Apology is the reply returned when the model fails.
	Apology = "I apologize, but I encountered an error. Please try again."

	// EmptyReply is the reply returned when the model answers with nothing.
	EmptyReply = "I apologize, but I could not generate a response."
)

// ErrNoMessages is returned when a reply is requested for an empty
// conversation.
var ErrNoMessages = errors.New("chat: no messages")

// Option configures a [Service].
type Option func(*Service)

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) {
		if p := strings.TrimSpace(prompt); p != "" {
			s.systemPrompt = p
		}
	}
}

// WithHistory enables the conversation log used by [Service.Respond].
func WithHistory(store history.Store, limit int) Option {
	return func(s *Service) {
		s.history = store
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// WithMaxTokens sets the completion length cap.
func WithMaxTokens(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *Service) { s.temperature = t }
}

// WithMetrics records latency and provider counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithProviderName sets the provider label used in metrics.
func WithProviderName(name string) Option {
	return func(s *Service) { s.providerName = name }
}

// Service answers user messages.
type Service struct {
	provider     llm.Provider
	history      history.Store
	historyLimit int
	systemPrompt string
	maxTokens    int
	temperature  float64
	metrics      *observe.Metrics
	providerName string
}

// New creates a Service backed by provider.
func New(provider llm.Provider, opts ...Option) (*Service, error) {
	if provider == nil {
		return nil, errors.New("chat: provider must not be nil")
	}
	s := &Service{
		provider:     provider,
		historyLimit: DefaultHistoryLimit,
		systemPrompt: DefaultSystemPrompt,
		maxTokens:    DefaultMaxTokens,
		temperature:  DefaultTemperature,
		providerName: "llm",
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SystemPrompt returns the prompt sent ahead of every conversation.
func (s *Service) SystemPrompt() string { return s.systemPrompt }

// Reply answers the conversation in messages. On failure it returns
// [Apology] together with the error so callers can still speak something.
func (s *Service) Reply(ctx context.Context, messages []llm.Message) (string, error) {
	if len(messages) == 0 {
		return "", ErrNoMessages
	}
	for _, m := range messages {
		if !llm.ValidRole(m.Role) {
			return "", fmt.Errorf("chat: invalid role %q", m.Role)
		}
	}

	ctx, span := observe.StartSpan(ctx, "chat.reply",
		attribute.String("provider", s.providerName),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()

	start := time.Now()
	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: s.systemPrompt,
		Messages:     messages,
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	})
	if s.metrics != nil {
		s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("provider", s.providerName)))
	}
	if err != nil {
		observe.Fail(span, err)
		if s.metrics != nil {
			s.metrics.RecordProviderRequest(ctx, s.providerName, "llm", "error")
			s.metrics.RecordProviderError(ctx, s.providerName, "llm")
		}
		observe.Logger(ctx).Error("chat completion failed", "provider", s.providerName, "err", err)
		return Apology, fmt.Errorf("chat: reply: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordProviderRequest(ctx, s.providerName, "llm", "ok")
	}
	span.SetAttributes(attribute.Int("tokens", resp.Usage.TotalTokens))

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return EmptyReply, nil
	}
	return reply, nil
}

// Respond answers text in the conversation identified by sessionID, using
// and extending the configured history. Without a history store it behaves
// like a single-turn [Service.Reply]. Failed exchanges are not recorded.
func (s *Service) Respond(ctx context.Context, sessionID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNoMessages
	}

	var messages []llm.Message
	if s.history != nil {
		past, err := s.history.Recent(ctx, sessionID, s.historyLimit)
		if err != nil {
			observe.Logger(ctx).Warn("chat: history unavailable, answering without context",
				"session_id", sessionID, "err", err)
		}
		for _, e := range past {
			messages = append(messages, llm.Message{Role: e.Role, Content: e.Content})
		}
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: text})

	reply, err := s.Reply(ctx, messages)
	if err != nil {
		return reply, err
	}

	if s.history != nil {
		now := time.Now()
		if err := s.history.Append(ctx, sessionID,
			history.Entry{Role: llm.RoleUser, Content: text, CreatedAt: now},
			history.Entry{Role: llm.RoleAssistant, Content: reply, CreatedAt: now},
		); err != nil {
			observe.Logger(ctx).Warn("chat: failed to record exchange", "session_id", sessionID, "err", err)
		}
	}
	return reply, nil
}

// ─── system prompt ───────────────────────────────────────────────────────────

var (
	headingRE   = regexp.MustCompile(`(?m)^#.*$`)
	bulletRE    = regexp.MustCompile(`(?m)^-.*$`)
	boldRE      = regexp.MustCompile(`\*\*(.*?)\*\*`)
	blankLineRE = regexp.MustCompile(`\n\s*\n`)
)

// StripMarkdown flattens a markdown prompt: headings and bullet lines are
// dropped, bold markers removed and blank lines collapsed.
func StripMarkdown(md string) string {
	s := headingRE.ReplaceAllString(md, "")
	s = bulletRE.ReplaceAllString(s, "")
	s = boldRE.ReplaceAllString(s, "$1")
	s = blankLineRE.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// LoadSystemPrompt reads a markdown prompt file and strips its formatting.
func LoadSystemPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("chat: load system prompt: %w", err)
	}
	prompt := StripMarkdown(string(data))
	if prompt == "" {
		return "", fmt.Errorf("chat: load system prompt: %s is empty", path)
	}
	return prompt, nil
}
