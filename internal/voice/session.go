// Package voice runs a hands-free conversation: microphone capture feeds a
// live transcription session, complete user turns are answered by the chat
// service, and replies are spoken while the lip-sync driver animates the
// avatar.
//
// A [Session] owns the wiring between those components and an explicit
// lifecycle (see [State] and [CanTransition]). It exposes a user-facing
// status text for every step and re-establishes a dropped transcription
// session with exponential backoff.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/avatalk/internal/capture"
	"github.com/MrWong99/avatalk/internal/lipsync"
	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/transcript"
	"github.com/MrWong99/avatalk/internal/utterance"
	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
)

// ─── component boundaries ────────────────────────────────────────────────────

// Capture is the microphone side. *capture.Pipeline satisfies it.
type Capture interface {
	Start(ctx context.Context, sink capture.Sink) error
	Stop() error
	OnSpeechChange(fn func(speaking bool))
}

// Transcriber is the transcription side. *transcript.Manager satisfies it.
type Transcriber interface {
	Open(ctx context.Context) error
	Send(f audio.EncodedFrame) error
	Close() error
	OnPartial(fn func(stt.Transcript))
	OnFinal(fn func(stt.Transcript))
	OnFailure(fn func(error))
	OnSetup(fn func(transcript.State))
}

// Responder answers a user turn. *chat.Service satisfies it.
type Responder interface {
	Respond(ctx context.Context, sessionID, text string) (string, error)
}

// Speaker plays a reply. *speech.Scheduler satisfies it.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	Stop()
}

// Animator drives the avatar while a reply plays. *lipsync.Driver
// satisfies it.
type Animator interface {
	Start(src lipsync.FrequencySource)
	Stop()
}

// Components are the parts a Session wires together. Animator and Source
// are optional; everything else is required.
type Components struct {
	Capture     Capture
	Transcriber Transcriber
	Buffer      *utterance.Buffer
	Chat        Responder
	Speaker     Speaker
	Animator    Animator
	Source      lipsync.FrequencySource
}

// Config configures a Session.
type Config struct {
	// ID identifies the conversation in the history store. A random id is
	// generated when empty.
	ID string

	// Retry controls (re)connection of the transcription session.
	Retry RetryPolicy

	// ReplyQueue bounds the number of user turns waiting for an answer.
	// Default 4.
	ReplyQueue int
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// ─── session ─────────────────────────────────────────────────────────────────

// Session is one hands-free conversation. Start and Stop may be called
// repeatedly; all methods are safe for concurrent use.
type Session struct {
	c       Components
	cfg     Config
	metrics *observe.Metrics

	mu        sync.Mutex
	state     State
	status    string
	lastErr   error
	cancel    context.CancelFunc
	runCtx    context.Context
	replies   chan string
	wg        sync.WaitGroup
	active    bool
	onStatus  func(State, string)
	onPartial func(string)
	onReply   func(user, reply string)
}

// New creates a Session in state Idle with status "Ready".
func New(c Components, cfg Config, opts ...Option) (*Session, error) {
	var missing []error
	if c.Capture == nil {
		missing = append(missing, errors.New("capture"))
	}
	if c.Transcriber == nil {
		missing = append(missing, errors.New("transcriber"))
	}
	if c.Buffer == nil {
		missing = append(missing, errors.New("utterance buffer"))
	}
	if c.Chat == nil {
		missing = append(missing, errors.New("chat"))
	}
	if c.Speaker == nil {
		missing = append(missing, errors.New("speaker"))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("voice: missing components: %w", errors.Join(missing...))
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.ReplyQueue <= 0 {
		cfg.ReplyQueue = 4
	}
	cfg.Retry = cfg.Retry.withDefaults()

	s := &Session{c: c, cfg: cfg, state: Idle, status: StatusReady}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	c.Transcriber.OnSetup(s.onSetup)
	c.Transcriber.OnPartial(func(t stt.Transcript) { s.emitPartial(t.Text) })
	c.Transcriber.OnFinal(func(t stt.Transcript) { s.c.Buffer.AppendFinal(t.Text) })
	c.Transcriber.OnFailure(s.onDrop)
	c.Capture.OnSpeechChange(s.c.Buffer.NoteSpeaking)
	c.Buffer.OnFlush(s.enqueue)
	return s, nil
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.cfg.ID }

// OnStatus registers a handler for every state or status change.
func (s *Session) OnStatus(fn func(State, string)) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

// OnPartial registers a handler for interim transcripts.
func (s *Session) OnPartial(fn func(string)) {
	s.mu.Lock()
	s.onPartial = fn
	s.mu.Unlock()
}

// OnReply registers a handler called with each user turn and its answer
// before the answer is spoken.
func (s *Session) OnReply(fn func(user, reply string)) {
	s.mu.Lock()
	s.onReply = fn
	s.mu.Unlock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the current state and status text.
func (s *Session) Status() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.status
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// set moves to state to and changes the status text. Nothing changes when
// the transition is not allowed; set reports whether it was.
func (s *Session) set(to State, status string) bool {
	s.mu.Lock()
	if s.state != to && !CanTransition(s.state, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.status = status
	cb := s.onStatus
	s.mu.Unlock()

	slog.Debug("voice: status", "session_id", s.cfg.ID, "state", to, "status", status)
	if cb != nil {
		cb(to, status)
	}
	return true
}

// setStatus changes only the status text.
func (s *Session) setStatus(status string) {
	s.set(s.State(), status)
}

// ErrStopped is returned by Start when Stop was called during setup.
var ErrStopped = errors.New("voice: session stopped")

// Start connects the transcription session, opens the microphone and begins
// listening. It blocks until the session is listening or setup failed. On
// failure the session is in state Failed, its status names the cause, and
// the returned error wraps [capture.ErrDeviceUnavailable],
// [transcript.ErrSessionNegotiation] or [transcript.ErrSocket].
//
// Cancelling ctx aborts setup; once Start returned, only Stop ends the
// session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if !CanTransition(s.state, Connecting) {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("voice: start: session is %s", st)
	}
	runCtx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), s.cfg.ID))
	s.runCtx, s.cancel = runCtx, cancel
	s.lastErr = nil
	s.replies = make(chan string, s.cfg.ReplyQueue)
	replies := s.replies
	s.mu.Unlock()

	stopWatch := context.AfterFunc(ctx, cancel)
	defer stopWatch()

	s.set(Connecting, StatusStarting)
	log := observe.Logger(runCtx)

	err := s.cfg.Retry.retry(runCtx, s.c.Transcriber.Open, func(attempt int, wait time.Duration) {
		s.metrics.RecordReconnect(runCtx, "stt")
		log.Info("voice: retrying transcription session", "attempt", attempt, "backoff", wait)
		s.setStatus(StatusReconnecting)
	})
	if err != nil {
		log.Error("voice: transcription session failed", "err", err)
		return s.failStart(StatusFailed, err)
	}

	s.setStatus(StatusMicrophone)
	if err := s.c.Capture.Start(runCtx, capture.SinkFunc(s.forward)); err != nil {
		status := StatusFailed
		if errors.Is(err, capture.ErrDeviceUnavailable) {
			status = StatusMicError
		}
		log.Error("voice: microphone unavailable", "err", err)
		return s.failStart(status, err)
	}

	s.setStatus(StatusAudioSetup)
	s.mu.Lock()
	if s.cancel == nil || runCtx.Err() != nil {
		s.mu.Unlock()
		return s.failStart(StatusFailed, context.Canceled)
	}
	s.active = true
	s.wg.Add(2)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.c.Buffer.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.respondLoop(runCtx, replies)
	}()
	s.metrics.ActiveSessions.Add(ctx, 1)

	s.set(Listening, StatusListening)
	log.Info("voice session listening")
	return nil
}

// failStart tears down a failed start and enters Failed, unless Stop
// already returned the session to Idle.
func (s *Session) failStart(status string, err error) error {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return fmt.Errorf("voice: start: %w", ErrStopped)
	}
	cancel := s.cancel
	s.cancel = nil
	s.lastErr = err
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = s.c.Capture.Stop()
	_ = s.c.Transcriber.Close()
	s.set(Failed, status)
	return fmt.Errorf("voice: start: %w", err)
}

// onSetup mirrors transcription setup progress while connecting.
func (s *Session) onSetup(st transcript.State) {
	if s.State() != Connecting {
		return
	}
	switch st {
	case transcript.Negotiating:
		s.setStatus(StatusCreatingSession)
	case transcript.Connecting:
		s.setStatus(StatusConnecting)
	}
}

// forward sends a captured frame to the transcription session. Frames are
// discarded while paused or reconnecting.
func (s *Session) forward(f audio.EncodedFrame) error {
	if s.State() != Listening {
		return nil
	}
	err := s.c.Transcriber.Send(f)
	if errors.Is(err, transcript.ErrNotOpen) {
		return nil
	}
	return err
}

// onDrop handles an unexpected end of the transcription session by
// reconnecting in the background.
func (s *Session) onDrop(cause error) {
	s.mu.Lock()
	prev := s.state
	ctx := s.runCtx
	if (prev != Listening && prev != Paused) || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	observe.Logger(ctx).Warn("voice: transcription session dropped, reconnecting", "err", cause)
	s.set(Connecting, StatusReconnecting)

	go func() {
		defer s.wg.Done()
		s.metrics.RecordReconnect(ctx, "stt")
		err := s.cfg.Retry.retry(ctx, s.c.Transcriber.Open, func(int, time.Duration) {
			s.setStatus(StatusReconnecting)
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			_ = s.c.Capture.Stop()
			s.set(Failed, StatusFailed)
			return
		}
		if prev == Paused {
			s.set(Paused, StatusPaused)
			return
		}
		s.set(Listening, StatusListening)
	}()
}

// Pause stops forwarding audio without closing anything.
func (s *Session) Pause() error {
	if s.State() != Listening {
		return fmt.Errorf("voice: pause: session is %s", s.State())
	}
	if !s.set(Paused, StatusPaused) {
		return fmt.Errorf("voice: pause: session is %s", s.State())
	}
	return nil
}

// Resume continues forwarding audio after Pause.
func (s *Session) Resume() error {
	if s.State() != Paused {
		return fmt.Errorf("voice: resume: session is %s", s.State())
	}
	if !s.set(Listening, StatusListening) {
		return fmt.Errorf("voice: resume: session is %s", s.State())
	}
	return nil
}

// Stop ends the conversation: the microphone is released, the
// transcription session closed, playback and animation stopped, and
// pending text discarded. It is idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.cancel = nil
	wasActive := s.active
	s.active = false
	s.mu.Unlock()

	s.setStatus(StatusStopping)
	if cancel != nil {
		cancel()
	}
	errCapture := s.c.Capture.Stop()
	errTranscriber := s.c.Transcriber.Close()
	s.c.Speaker.Stop()
	if s.c.Animator != nil {
		s.c.Animator.Stop()
	}
	s.wg.Wait()
	if dropped := s.c.Buffer.Discard(); dropped != "" {
		slog.Debug("voice: discarded pending utterance", "session_id", s.cfg.ID, "text", dropped)
	}

	if wasActive {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s.set(Idle, StatusReady)
	slog.Info("voice session stopped", "session_id", s.cfg.ID)
	return errors.Join(errCapture, errTranscriber)
}

// Close implements io.Closer.
func (s *Session) Close() error { return s.Stop() }

// ─── replies ─────────────────────────────────────────────────────────────────

// enqueue hands a flushed utterance to the reply loop without blocking the
// buffer.
func (s *Session) enqueue(text string) {
	s.mu.Lock()
	replies := s.replies
	s.mu.Unlock()
	if replies == nil {
		return
	}
	select {
	case replies <- text:
	default:
		slog.Warn("voice: reply queue full, dropping utterance", "session_id", s.cfg.ID, "text", text)
	}
}

// respondLoop answers user turns one at a time so replies never overlap.
func (s *Session) respondLoop(ctx context.Context, in <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-in:
			s.respond(ctx, text)
		}
	}
}

func (s *Session) respond(ctx context.Context, text string) {
	log := slog.With("session_id", s.cfg.ID)
	reply, err := s.c.Chat.Respond(ctx, s.cfg.ID, text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("voice: chat failed", "err", err)
	}
	if reply == "" {
		return
	}

	s.mu.Lock()
	cb := s.onReply
	s.mu.Unlock()
	if cb != nil {
		cb(text, reply)
	}

	if s.c.Animator != nil && s.c.Source != nil {
		resetSource(s.c.Source)
		s.c.Animator.Start(s.c.Source)
		defer func() {
			s.c.Animator.Stop()
			resetSource(s.c.Source)
		}()
	}
	if err := s.c.Speaker.Speak(ctx, reply); err != nil && ctx.Err() == nil {
		log.Warn("voice: speaking reply failed", "err", err)
	}
}

// resetSource clears a source that keeps spectrum history, so a reply never
// starts or ends with the tail of the previous one.
func resetSource(src lipsync.FrequencySource) {
	if r, ok := src.(interface{ Reset() }); ok {
		r.Reset()
	}
}

func (s *Session) emitPartial(text string) {
	s.mu.Lock()
	cb := s.onPartial
	s.mu.Unlock()
	if cb != nil {
		cb(text)
	}
}
