// Package mock provides a scriptable llm.Provider for tests.
//
// A Provider answers with CompleteResponse, or fails with CompleteErr. Replies
// queues answers for successive calls, and Hold parks calls until the test
// releases them or the caller gives up:
//
//	p := &mock.Provider{Replies: []string{"Hi!", "Bye."}}
//	p.Complete(ctx, req) // "Hi!"
//	p.Complete(ctx, req) // "Bye."
//	p.Complete(ctx, req) // echoes the last user message
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/avatalk/pkg/provider/llm"
)

// CompleteCall records one Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	// Req is a copy; later changes by the caller do not show up here.
	Req llm.CompletionRequest
}

// Provider is a test double for llm.Provider. The zero value echoes the last
// message of every request.
type Provider struct {
	// CompleteResponse is the reply once Replies is exhausted.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr fails every call when set.
	CompleteErr error

	// Replies are consumed one per call before CompleteResponse applies.
	Replies []string

	// Hold, when non-nil, blocks each call until it is closed or the
	// context ends.
	Hold chan struct{}

	mu    sync.Mutex
	calls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and answers as configured.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	req.Messages = slices.Clone(req.Messages)

	p.mu.Lock()
	p.calls = append(p.calls, CompleteCall{Ctx: ctx, Req: req})
	hold := p.Hold
	var scripted *string
	if len(p.Replies) > 0 {
		scripted = &p.Replies[0]
		p.Replies = p.Replies[1:]
	}
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch {
	case p.CompleteErr != nil:
		return nil, p.CompleteErr
	case scripted != nil:
		return &llm.CompletionResponse{Content: *scripted}, nil
	case p.CompleteResponse != nil:
		resp := *p.CompleteResponse
		return &resp, nil
	}
	var echo string
	if n := len(req.Messages); n > 0 {
		echo = req.Messages[n-1].Content
	}
	return &llm.CompletionResponse{Content: echo}, nil
}

// Calls returns the recorded calls in order.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}
