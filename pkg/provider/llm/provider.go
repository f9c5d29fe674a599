// Package llm defines the Provider interface for chat completion backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes a single request/response call so the
// chat service can produce the avatar's replies without coupling to any SDK.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the backend answers without any choice.
var ErrEmptyResponse = errors.New("llm: empty response")

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is sent ahead of the conversation as a "system" message.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// the user turn being answered.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero uses the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any chat completion backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
