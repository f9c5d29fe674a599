// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller negotiates with the expected
// StreamConfig and to inject negotiation or dial failures. Use Session to
// feed controlled Transcript values, simulate a dropped socket and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	desc, _ := p.Negotiate(ctx, cfg)
//	handle, _ := p.Dial(ctx, desc)
//	sess.Emit(stt.Transcript{Text: "hello", IsFinal: true, Confidence: 0.9})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/avatalk/pkg/provider/stt"
)

// ErrClosed is returned by Session.SendAudio after the session ended.
var ErrClosed = errors.New("mock: session closed")

// NegotiateCall records a single invocation of Provider.Negotiate.
type NegotiateCall struct {
	Cfg stt.StreamConfig
}

// DialCall records a single invocation of Provider.Dial.
type DialCall struct {
	Desc stt.SessionDescriptor
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Descriptor is returned by Negotiate. Defaults to {ID: "mock", URL: "ws://mock"}.
	Descriptor stt.SessionDescriptor

	// Session is the SessionHandle returned by Dial. If nil, Dial returns a new
	// Session.
	Session *Session

	// NegotiateErr, if non-nil, is returned from Negotiate.
	NegotiateErr error

	// DialErr, if non-nil, is returned from Dial.
	DialErr error

	// DialBlock, if non-nil, makes Dial wait until it is closed or ctx is done.
	DialBlock chan struct{}

	// NegotiateCalls records every call to Negotiate.
	NegotiateCalls []NegotiateCall

	// DialCalls records every call to Dial.
	DialCalls []DialCall
}

// Negotiate records the call and returns Descriptor, NegotiateErr.
func (p *Provider) Negotiate(_ context.Context, cfg stt.StreamConfig) (stt.SessionDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.NegotiateCalls = append(p.NegotiateCalls, NegotiateCall{Cfg: cfg})
	if p.NegotiateErr != nil {
		return stt.SessionDescriptor{}, p.NegotiateErr
	}
	if p.Descriptor.URL == "" {
		return stt.SessionDescriptor{ID: "mock", URL: "ws://mock"}, nil
	}
	return p.Descriptor, nil
}

// Dial records the call and returns Session, DialErr.
func (p *Provider) Dial(ctx context.Context, desc stt.SessionDescriptor) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.DialCalls = append(p.DialCalls, DialCall{Desc: desc})
	block := p.DialBlock
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DialErr != nil {
		return nil, p.DialErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Calls returns the number of Negotiate and Dial calls.
func (p *Provider) Calls() (negotiate, dial int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.NegotiateCalls), len(p.DialCalls)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	events chan stt.Transcript
	done   chan struct{}
	err    error
	ended  bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// Sent records every chunk passed to SendAudio in order.
	Sent [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession creates an open Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events: make(chan stt.Transcript, 64),
		done:   make(chan struct{}),
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.Sent = append(s.Sent, append([]byte(nil), chunk...))
	return nil
}

// Events implements stt.SessionHandle.
func (s *Session) Events() <-chan stt.Transcript { return s.events }

// Done implements stt.SessionHandle.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session without an error.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.end(nil)
	return nil
}

// Emit delivers a transcript to the consumer. It reports false if the
// session already ended.
func (s *Session) Emit(t stt.Transcript) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- t
	return true
}

// Fail ends the session as if the socket dropped with err.
func (s *Session) Fail(err error) { s.end(err) }

// SentCount returns the number of recorded SendAudio chunks.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

// Closes returns CloseCallCount.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

func (s *Session) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.events)
	close(s.done)
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
