package voice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/avatalk/internal/capture"
	"github.com/MrWong99/avatalk/internal/lipsync"
	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/transcript"
	"github.com/MrWong99/avatalk/internal/utterance"
	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
)

// ─── fakes ────────────────────────────────────────────────────────────────────

type fakeCapture struct {
	mu       sync.Mutex
	startErr error
	sink     capture.Sink
	onChange func(bool)
	starts   int
	stops    int
}

func (c *fakeCapture) Start(_ context.Context, sink capture.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.sink = sink
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.sink = nil
	return nil
}

func (c *fakeCapture) OnSpeechChange(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *fakeCapture) push(data byte) error {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink == nil {
		return errors.New("not capturing")
	}
	return sink.Send(audio.EncodedFrame{Data: []byte{data}})
}

func (c *fakeCapture) counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

type fakeTranscriber struct {
	mu        sync.Mutex
	openErrs  []error // consumed one per Open; nil entries succeed
	failAll   error   // returned by every Open once openErrs is used up
	open      bool
	opens     int
	closes    int
	sent      []byte
	onPartial func(stt.Transcript)
	onFinal   func(stt.Transcript)
	onFailure func(error)
	onSetup   func(transcript.State)
}

func (f *fakeTranscriber) Open(ctx context.Context) error {
	f.mu.Lock()
	f.opens++
	var err error
	if len(f.openErrs) > 0 {
		err, f.openErrs = f.openErrs[0], f.openErrs[1:]
	} else {
		err = f.failAll
	}
	setup := f.onSetup
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if setup != nil {
		setup(transcript.Negotiating)
		setup(transcript.Connecting)
		setup(transcript.Open)
	}
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeTranscriber) Send(fr audio.EncodedFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return transcript.ErrNotOpen
	}
	f.sent = append(f.sent, fr.Data...)
	return nil
}

func (f *fakeTranscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.open = false
	return nil
}

func (f *fakeTranscriber) OnPartial(fn func(stt.Transcript)) {
	f.mu.Lock()
	f.onPartial = fn
	f.mu.Unlock()
}
func (f *fakeTranscriber) OnFinal(fn func(stt.Transcript)) {
	f.mu.Lock()
	f.onFinal = fn
	f.mu.Unlock()
}
func (f *fakeTranscriber) OnFailure(fn func(error)) { f.mu.Lock(); f.onFailure = fn; f.mu.Unlock() }
func (f *fakeTranscriber) OnSetup(fn func(transcript.State)) {
	f.mu.Lock()
	f.onSetup = fn
	f.mu.Unlock()
}

func (f *fakeTranscriber) final(text string) {
	f.mu.Lock()
	cb := f.onFinal
	f.mu.Unlock()
	cb(stt.Transcript{Text: text, IsFinal: true, Confidence: 1})
}

func (f *fakeTranscriber) partial(text string) {
	f.mu.Lock()
	cb := f.onPartial
	f.mu.Unlock()
	cb(stt.Transcript{Text: text, Confidence: 1})
}

func (f *fakeTranscriber) drop(err error) {
	f.mu.Lock()
	f.open = false
	cb := f.onFailure
	f.mu.Unlock()
	cb(err)
}

func (f *fakeTranscriber) stats() (opens, closes int, sent []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes, slices.Clone(f.sent)
}

type fakeChat struct {
	mu    sync.Mutex
	err   error
	turns []string
}

func (c *fakeChat) Respond(_ context.Context, _ string, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, text)
	if c.err != nil {
		return "sorry", c.err
	}
	return "reply to: " + text, nil
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
	stops  int
}

func (s *fakeSpeaker) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *fakeSpeaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *fakeSpeaker) said() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.spoken)
}

type fakeAnimator struct {
	mu            sync.Mutex
	starts, stops int
}

func (a *fakeAnimator) Start(lipsync.FrequencySource) { a.mu.Lock(); a.starts++; a.mu.Unlock() }
func (a *fakeAnimator) Stop()                         { a.mu.Lock(); a.stops++; a.mu.Unlock() }

// fakeSource is a silent spectrum that counts resets.
type fakeSource struct {
	mu     sync.Mutex
	resets int
}

func (f *fakeSource) FrequencyBinCount() int         { return 4 }
func (f *fakeSource) ByteFrequencyData(b []byte) int { clear(b); return len(b) }
func (f *fakeSource) Reset()                         { f.mu.Lock(); f.resets++; f.mu.Unlock() }

func (f *fakeSource) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type statusLog struct {
	mu       sync.Mutex
	statuses []string
}

func (l *statusLog) record(_ State, status string) {
	l.mu.Lock()
	l.statuses = append(l.statuses, status)
	l.mu.Unlock()
}

func (l *statusLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.statuses)
}

type rig struct {
	capture     *fakeCapture
	transcriber *fakeTranscriber
	chat        *fakeChat
	speaker     *fakeSpeaker
	animator    *fakeAnimator
	source      *fakeSource
	buffer      *utterance.Buffer
	log         *statusLog
	session     *Session
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newRig(t *testing.T, tr *fakeTranscriber) *rig {
	t.Helper()
	if tr == nil {
		tr = &fakeTranscriber{}
	}
	m := testMetrics(t)
	r := &rig{
		capture:     &fakeCapture{},
		transcriber: tr,
		chat:        &fakeChat{},
		speaker:     &fakeSpeaker{},
		animator:    &fakeAnimator{},
		source:      &fakeSource{},
		log:         &statusLog{},
		buffer: utterance.New(utterance.Config{
			SilenceWindow: 50 * time.Millisecond,
			TickInterval:  5 * time.Millisecond,
		}, utterance.WithMetrics(m)),
	}
	s, err := New(Components{
		Capture:     r.capture,
		Transcriber: r.transcriber,
		Buffer:      r.buffer,
		Chat:        r.chat,
		Speaker:     r.speaker,
		Animator:    r.animator,
		Source:      r.source,
	}, Config{
		ID:    "test-session",
		Retry: RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond},
	}, WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.OnStatus(r.log.record)
	r.session = s
	t.Cleanup(func() { _ = s.Stop() })
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── state table ─────────────────────────────────────────────────────────────

func TestCanTransition(t *testing.T) {
	all := []State{Idle, Connecting, Listening, Paused, Failed}
	allowed := map[[2]State]bool{
		{Idle, Connecting}:      true,
		{Connecting, Listening}: true,
		{Connecting, Paused}:    true,
		{Connecting, Failed}:    true,
		{Connecting, Idle}:      true,
		{Listening, Paused}:     true,
		{Listening, Connecting}: true,
		{Listening, Failed}:     true,
		{Listening, Idle}:       true,
		{Paused, Listening}:     true,
		{Paused, Connecting}:    true,
		{Paused, Failed}:        true,
		{Paused, Idle}:          true,
		{Failed, Connecting}:    true,
		{Failed, Idle}:          true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStateString(t *testing.T) {
	if Listening.String() != "listening" || State(42).String() != "State(42)" {
		t.Errorf("unexpected strings %q %q", Listening, State(42))
	}
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func TestNew_MissingComponents(t *testing.T) {
	_, err := New(Components{Capture: &fakeCapture{}}, Config{})
	if err == nil {
		t.Fatal("expected error for missing components")
	}
}

func TestNew_GeneratesID(t *testing.T) {
	s, err := New(Components{
		Capture:     &fakeCapture{},
		Transcriber: &fakeTranscriber{},
		Buffer:      utterance.New(utterance.Config{}, utterance.WithMetrics(testMetrics(t))),
		Chat:        &fakeChat{},
		Speaker:     &fakeSpeaker{},
	}, Config{}, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.ID() == "" {
		t.Error("empty session id")
	}
	if st, status := s.Status(); st != Idle || status != StatusReady {
		t.Errorf("initial status = %s %q", st, status)
	}
}

func TestStart_StatusSequence(t *testing.T) {
	r := newRig(t, nil)
	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.session.State() != Listening {
		t.Fatalf("state = %s", r.session.State())
	}
	if err := r.session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{
		StatusStarting, StatusCreatingSession, StatusConnecting, StatusMicrophone,
		StatusAudioSetup, StatusListening, StatusStopping, StatusReady,
	}
	if got := r.log.list(); !slices.Equal(got, want) {
		t.Errorf("statuses = %q\nwant       %q", got, want)
	}
	if st, status := r.session.Status(); st != Idle || status != StatusReady {
		t.Errorf("after Stop = %s %q", st, status)
	}
}

func TestStart_Twice(t *testing.T) {
	r := newRig(t, nil)
	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.session.Start(t.Context()); err == nil {
		t.Error("second Start should fail while listening")
	}
}

func TestStart_DeviceUnavailable(t *testing.T) {
	r := newRig(t, nil)
	r.capture.startErr = fmt.Errorf("capture: open device: %w: %w", capture.ErrDeviceUnavailable, errors.New("permission denied"))

	err := r.session.Start(t.Context())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if st, status := r.session.Status(); st != Failed || status != StatusMicError {
		t.Errorf("status = %s %q", st, status)
	}
	if _, closes, _ := r.transcriber.stats(); closes == 0 {
		t.Error("transcription session left open")
	}
	if !errors.Is(r.session.Err(), capture.ErrDeviceUnavailable) {
		t.Errorf("Err() = %v", r.session.Err())
	}
}

func TestStart_RetriesThenSucceeds(t *testing.T) {
	sockErr := fmt.Errorf("transcript: dial: %w", transcript.ErrSocket)
	r := newRig(t, &fakeTranscriber{openErrs: []error{sockErr, nil}})

	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if opens, _, _ := r.transcriber.stats(); opens != 2 {
		t.Errorf("opens = %d, want 2", opens)
	}
	if !slices.Contains(r.log.list(), StatusReconnecting) {
		t.Errorf("statuses %q lack %q", r.log.list(), StatusReconnecting)
	}
}

func TestStart_RetriesExhausted(t *testing.T) {
	r := newRig(t, &fakeTranscriber{failAll: fmt.Errorf("transcript: dial: %w", transcript.ErrSocket)})

	err := r.session.Start(t.Context())
	if !errors.Is(err, transcript.ErrSocket) {
		t.Fatalf("err = %v, want ErrSocket", err)
	}
	if opens, _, _ := r.transcriber.stats(); opens != 3 {
		t.Errorf("opens = %d, want 1 + 2 retries", opens)
	}
	if st, status := r.session.Status(); st != Failed || status != StatusFailed {
		t.Errorf("status = %s %q", st, status)
	}
	if starts, _ := r.capture.counts(); starts != 0 {
		t.Error("microphone opened without a transcription session")
	}

	// A failed session can be started again.
	r.transcriber.mu.Lock()
	r.transcriber.failAll = nil
	r.transcriber.mu.Unlock()
	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestStart_PermanentRejectionNotRetried(t *testing.T) {
	rejected := &transcript.NegotiationError{StatusCode: 401, Err: errors.New("invalid key")}
	r := newRig(t, &fakeTranscriber{failAll: rejected})

	err := r.session.Start(t.Context())
	if !errors.Is(err, transcript.ErrSessionNegotiation) {
		t.Fatalf("err = %v", err)
	}
	if opens, _, _ := r.transcriber.stats(); opens != 1 {
		t.Errorf("opens = %d, want 1", opens)
	}
}

func TestStart_CancelledContext(t *testing.T) {
	r := newRig(t, &fakeTranscriber{failAll: fmt.Errorf("x: %w", transcript.ErrSocket)})
	r.session.cfg.Retry = RetryPolicy{MaxRetries: 5, Backoff: time.Second, MaxBackoff: time.Second}

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	if err := r.session.Start(ctx); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation did not abort the backoff")
	}
}

func TestStop_Idempotent(t *testing.T) {
	r := newRig(t, nil)
	if err := r.session.Stop(); err != nil {
		t.Fatalf("Stop on idle: %v", err)
	}
	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.transcriber.final("unfinished")
	_ = r.session.Stop()
	_ = r.session.Stop()
	if r.buffer.Pending() != "" {
		t.Error("pending text kept after Stop")
	}
	if _, stops := r.capture.counts(); stops == 0 {
		t.Error("microphone not released")
	}
	if r.speaker.stops == 0 || r.animator.stops == 0 {
		t.Error("playback or animation not stopped")
	}
}

// ─── audio and conversation ──────────────────────────────────────────────────

func TestForward_PausedDropsFrames(t *testing.T) {
	r := newRig(t, nil)
	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = r.capture.push(1)
	if err := r.session.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	_ = r.capture.push(2)
	if err := r.session.Pause(); err == nil {
		t.Error("second Pause should fail")
	}
	if err := r.session.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	_ = r.capture.push(3)

	if _, _, sent := r.transcriber.stats(); !slices.Equal(sent, []byte{1, 3}) {
		t.Errorf("sent = %v, want [1 3]", sent)
	}
	if err := r.session.Resume(); err == nil {
		t.Error("Resume while listening should fail")
	}
}

func TestConversation_FinalsAnsweredAndSpoken(t *testing.T) {
	r := newRig(t, nil)
	var mu sync.Mutex
	var replies []string
	r.session.OnReply(func(user, reply string) {
		mu.Lock()
		replies = append(replies, user+" => "+reply)
		mu.Unlock()
	})
	var partials []string
	r.session.OnPartial(func(text string) {
		mu.Lock()
		partials = append(partials, text)
		mu.Unlock()
	})

	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.transcriber.partial("what is")
	r.transcriber.final("what is")
	r.transcriber.final("the time")

	waitFor(t, "reply spoken", func() bool { return len(r.speaker.said()) == 1 })
	if got := r.speaker.said()[0]; got != "reply to: what is the time" {
		t.Errorf("spoken = %q", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(replies) != 1 || replies[0] != "what is the time => reply to: what is the time" {
		t.Errorf("replies = %q", replies)
	}
	if len(partials) != 1 || partials[0] != "what is" {
		t.Errorf("partials = %q", partials)
	}
	r.animator.mu.Lock()
	defer r.animator.mu.Unlock()
	if r.animator.starts != 1 || r.animator.stops != 1 {
		t.Errorf("animator starts/stops = %d/%d", r.animator.starts, r.animator.stops)
	}
}

func TestConversation_SourceResetAroundReply(t *testing.T) {
	r := newRig(t, nil)
	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.transcriber.final("hello")
	waitFor(t, "reply spoken", func() bool { return len(r.speaker.said()) == 1 })
	waitFor(t, "source reset after reply", func() bool { return r.source.resetCount() == 2 })

	r.transcriber.final("again")
	waitFor(t, "second reply spoken", func() bool { return len(r.speaker.said()) == 2 })
	waitFor(t, "source reset around second reply", func() bool { return r.source.resetCount() == 4 })
}

func TestConversation_NotFlushedWhileUserSpeaks(t *testing.T) {
	r := newRig(t, nil)
	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.capture.mu.Lock()
	onChange := r.capture.onChange
	r.capture.mu.Unlock()

	onChange(true)
	r.transcriber.final("still talking")
	time.Sleep(150 * time.Millisecond)
	if len(r.speaker.said()) != 0 {
		t.Fatal("answered while the user was speaking")
	}
	onChange(false)
	waitFor(t, "reply after speech ended", func() bool { return len(r.speaker.said()) == 1 })
}

func TestConversation_ChatFailureSpeaksApology(t *testing.T) {
	r := newRig(t, nil)
	r.chat.err = errors.New("model down")
	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.transcriber.final("hello")
	waitFor(t, "apology spoken", func() bool { return len(r.speaker.said()) == 1 })
	if r.speaker.said()[0] != "sorry" {
		t.Errorf("spoken = %q", r.speaker.said()[0])
	}
}

// ─── reconnection ────────────────────────────────────────────────────────────

func TestDrop_Reconnects(t *testing.T) {
	r := newRig(t, nil)
	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.transcriber.mu.Lock()
	r.transcriber.openErrs = []error{fmt.Errorf("x: %w", transcript.ErrSocket)}
	r.transcriber.mu.Unlock()

	r.transcriber.drop(fmt.Errorf("transcript: %w", transcript.ErrSocket))

	waitFor(t, "listening again", func() bool {
		opens, _, _ := r.transcriber.stats()
		return r.session.State() == Listening && opens == 3
	})
	if !slices.Contains(r.log.list(), StatusReconnecting) {
		t.Errorf("statuses %q lack %q", r.log.list(), StatusReconnecting)
	}
	if err := r.capture.push(7); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, _, sent := r.transcriber.stats(); !slices.Contains(sent, 7) {
		t.Error("frames not forwarded after reconnect")
	}
}

func TestDrop_WhilePausedStaysPaused(t *testing.T) {
	r := newRig(t, nil)
	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = r.session.Pause()
	r.transcriber.drop(errors.New("closed"))
	waitFor(t, "paused again", func() bool {
		st, status := r.session.Status()
		return st == Paused && status == StatusPaused
	})
}

func TestDrop_ReconnectFails(t *testing.T) {
	r := newRig(t, nil)
	if err := r.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.transcriber.mu.Lock()
	r.transcriber.failAll = fmt.Errorf("x: %w", transcript.ErrSocket)
	r.transcriber.mu.Unlock()

	r.transcriber.drop(errors.New("gone"))
	waitFor(t, "failed", func() bool { return r.session.State() == Failed })

	if _, status := r.session.Status(); status != StatusFailed {
		t.Errorf("status = %q", status)
	}
	if !errors.Is(r.session.Err(), transcript.ErrSocket) {
		t.Errorf("Err() = %v", r.session.Err())
	}
	if _, stops := r.capture.counts(); stops == 0 {
		t.Error("microphone not released after persistent failure")
	}
}

func TestDrop_IgnoredWhenIdle(t *testing.T) {
	r := newRig(t, nil)
	r.transcriber.drop(errors.New("late"))
	if r.session.State() != Idle {
		t.Errorf("state = %s", r.session.State())
	}
}

func TestPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&transcript.NegotiationError{StatusCode: 401}, true},
		{&transcript.NegotiationError{StatusCode: 422}, true},
		{&transcript.NegotiationError{StatusCode: 429}, false},
		{&transcript.NegotiationError{StatusCode: 503}, false},
		{&transcript.NegotiationError{}, false},
		{transcript.ErrSocket, false},
	}
	for _, tt := range tests {
		if got := permanent(tt.err); got != tt.want {
			t.Errorf("permanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
