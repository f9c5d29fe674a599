package speech

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/pkg/audio"
	audiomock "github.com/MrWong99/avatalk/pkg/audio/mock"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
	ttsmock "github.com/MrWong99/avatalk/pkg/provider/tts/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// fastConfig disables the pauses so tests run quickly and always chunks.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Gap = -1
	cfg.InterBatchDelay = -1
	cfg.MinTextLength = 1
	cfg.MaxSentencesPerChunk = 1
	return cfg
}

type events struct {
	mu       sync.Mutex
	started  []int
	ended    []int
	errs     []error
	complete int
}

func (e *events) attach(s *Scheduler) {
	s.OnChunkStart(func(c Chunk) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.started = append(e.started, c.Index)
	})
	s.OnChunkEnd(func(c Chunk) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.ended = append(e.ended, c.Index)
	})
	s.OnError(func(err error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.errs = append(e.errs, err)
	})
	s.OnComplete(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.complete++
	})
}

func (e *events) snapshot() (started, ended []int, errs []error, complete int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.started), slices.Clone(e.ended), slices.Clone(e.errs), e.complete
}

func newScheduler(t *testing.T, p tts.Provider, out audio.OutputDevice, dec audio.Decoder, cfg Config) (*Scheduler, *events) {
	t.Helper()
	if dec == nil {
		dec = &audiomock.Decoder{}
	}
	s := New(p, dec, out, cfg, WithMetrics(testMetrics(t)))
	ev := &events{}
	ev.attach(s)
	return s, ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sentences(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("Chunk %d.", i)
	}
	return strings.Join(parts, " ")
}

// ─── Speak ────────────────────────────────────────────────────────────────────

func TestSpeak_ExamplePlaysInIndexOrder(t *testing.T) {
	p := &ttsmock.Provider{
		Delay: func(text string) time.Duration {
			if strings.HasPrefix(text, "Hello") {
				return 80 * time.Millisecond
			}
			return 0
		},
	}
	cfg := fastConfig()
	cfg.MaxSentencesPerChunk = 2
	s, ev := newScheduler(t, p, &audiomock.OutputDevice{}, nil, cfg)

	if err := s.Speak(t.Context(), "Hello there. How are you today? I am fine."); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	started, ended, errs, complete := ev.snapshot()
	if !slices.Equal(started, []int{0, 1}) {
		t.Errorf("started = %v, want [0 1]", started)
	}
	if !slices.Equal(ended, []int{0, 1}) {
		t.Errorf("ended = %v, want [0 1]", ended)
	}
	if len(errs) != 0 {
		t.Errorf("errors = %v", errs)
	}
	if complete != 1 {
		t.Errorf("OnComplete fired %d times, want 1", complete)
	}
}

func TestSpeak_OrderUnderRandomDelays(t *testing.T) {
	for run := range 5 {
		t.Run(fmt.Sprintf("run %d", run), func(t *testing.T) {
			p := &ttsmock.Provider{
				Delay: func(string) time.Duration {
					return time.Duration(rand.IntN(30)) * time.Millisecond
				},
			}
			out := &audiomock.OutputDevice{PlayDuration: time.Millisecond}
			s, ev := newScheduler(t, p, out, nil, fastConfig())

			if err := s.Speak(t.Context(), sentences(8)); err != nil {
				t.Fatalf("Speak: %v", err)
			}
			started, _, _, _ := ev.snapshot()
			if !slices.Equal(started, []int{0, 1, 2, 3, 4, 5, 6, 7}) {
				t.Errorf("started = %v, want ascending 0..7", started)
			}
			if got := len(out.Calls()); got != 8 {
				t.Errorf("Play called %d times, want 8", got)
			}
		})
	}
}

func TestSpeak_ShortTextIsOneChunk(t *testing.T) {
	p := &ttsmock.Provider{}
	cfg := fastConfig()
	cfg.MinTextLength = DefaultMinTextLength
	s, ev := newScheduler(t, p, &audiomock.OutputDevice{}, nil, cfg)

	if err := s.Speak(t.Context(), "Hi. How are you? Fine."); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	calls := p.Calls()
	if len(calls) != 1 || calls[0].Text != "Hi. How are you? Fine." {
		t.Errorf("synthesis calls = %+v, want one call with the whole text", calls)
	}
	started, _, _, _ := ev.snapshot()
	if !slices.Equal(started, []int{0}) {
		t.Errorf("started = %v", started)
	}
}

func TestSpeak_EmptyTextCompletesOnce(t *testing.T) {
	out := &audiomock.OutputDevice{}
	s, ev := newScheduler(t, &ttsmock.Provider{}, out, nil, fastConfig())

	if err := s.Speak(t.Context(), "   "); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	_, _, _, complete := ev.snapshot()
	if complete != 1 {
		t.Errorf("OnComplete fired %d times, want 1", complete)
	}
	if len(out.Calls()) != 0 {
		t.Error("nothing should have played")
	}
}

func TestSpeak_SkipsFailedSynthesis(t *testing.T) {
	p := &ttsmock.Provider{Errors: map[string]error{"Chunk 1.": errors.New("boom")}}
	s, ev := newScheduler(t, p, &audiomock.OutputDevice{}, nil, fastConfig())

	if err := s.Speak(t.Context(), sentences(3)); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	started, _, errs, complete := ev.snapshot()
	if !slices.Equal(started, []int{0, 2}) {
		t.Errorf("started = %v, want [0 2]", started)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrSynthesis) {
		t.Errorf("errors = %v, want one ErrSynthesis", errs)
	}
	if complete != 1 {
		t.Errorf("OnComplete fired %d times, want 1", complete)
	}
}

func TestSpeak_AllFail(t *testing.T) {
	p := &ttsmock.Provider{SynthesizeErr: errors.New("down")}
	s, ev := newScheduler(t, p, &audiomock.OutputDevice{}, nil, fastConfig())

	err := s.Speak(t.Context(), sentences(2))
	if !errors.Is(err, ErrNoPlayableChunks) {
		t.Fatalf("Speak err = %v, want ErrNoPlayableChunks", err)
	}
	_, _, _, complete := ev.snapshot()
	if complete != 1 {
		t.Errorf("OnComplete fired %d times, want 1", complete)
	}
}

func TestSpeak_PlaybackFailureContinues(t *testing.T) {
	dec := &audiomock.Decoder{FailOn: map[string]error{"Chunk 0.": errors.New("bad mp3")}}
	s, ev := newScheduler(t, &ttsmock.Provider{}, &audiomock.OutputDevice{}, dec, fastConfig())

	if err := s.Speak(t.Context(), sentences(3)); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	started, _, errs, _ := ev.snapshot()
	if !slices.Equal(started, []int{1, 2}) {
		t.Errorf("started = %v, want [1 2]", started)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrPlayback) {
		t.Errorf("errors = %v, want one ErrPlayback", errs)
	}
}

func TestSpeak_OutputErrorContinues(t *testing.T) {
	// The mock decoder yields one sample per byte; "Chunk 1." is 8 bytes.
	out := &audiomock.OutputDevice{PlayErrors: map[int]error{len("Chunk 1."): errors.New("device lost")}}
	s, ev := newScheduler(t, &ttsmock.Provider{}, out, nil, fastConfig())

	if err := s.Speak(t.Context(), "Chunk 1. Chunk 22."); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	_, ended, errs, _ := ev.snapshot()
	if !slices.Equal(ended, []int{1}) {
		t.Errorf("ended = %v, want [1]", ended)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrPlayback) {
		t.Errorf("errors = %v, want one ErrPlayback", errs)
	}
}

func TestSpeak_Gap(t *testing.T) {
	out := &audiomock.OutputDevice{}
	cfg := fastConfig()
	cfg.Gap = 60 * time.Millisecond
	s, _ := newScheduler(t, &ttsmock.Provider{}, out, nil, cfg)

	if err := s.Speak(t.Context(), sentences(2)); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	calls := out.Calls()
	if len(calls) != 2 {
		t.Fatalf("Play called %d times, want 2", len(calls))
	}
	if d := calls[1].Started.Sub(calls[0].Started); d < 50*time.Millisecond {
		t.Errorf("gap between chunks = %v, want >= ~60ms", d)
	}
}

func TestSpeak_Tap(t *testing.T) {
	var seen atomic.Int64
	tap := tapFunc(func(s []float32) { seen.Add(int64(len(s))) })
	s := New(&ttsmock.Provider{}, &audiomock.Decoder{}, &audiomock.OutputDevice{}, fastConfig(),
		WithMetrics(testMetrics(t)), WithTap(tap))

	if err := s.Speak(t.Context(), "Ab. Cd."); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got := seen.Load(); got != int64(len("Ab.")+len("Cd.")) {
		t.Errorf("tap saw %d samples, want %d", got, len("Ab.")+len("Cd."))
	}
}

type tapFunc func([]float32)

func (f tapFunc) Observe(s []float32) { f(s) }

// ─── Stop ─────────────────────────────────────────────────────────────────────

func TestStop_HaltsAndAbandons(t *testing.T) {
	out := &audiomock.OutputDevice{PlayDuration: 5 * time.Second}
	s, ev := newScheduler(t, &ttsmock.Provider{}, out, nil, fastConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Speak(context.Background(), sentences(4)) }()

	waitFor(t, func() bool {
		started, _, _, _ := ev.snapshot()
		return len(started) == 1
	})
	if !s.Speaking() {
		t.Error("Speaking() = false during playback")
	}
	s.Stop()
	s.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Speak after Stop = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Speak did not return after Stop")
	}

	started, ended, _, complete := ev.snapshot()
	if !slices.Equal(started, []int{0}) {
		t.Errorf("started = %v, want [0]", started)
	}
	if len(ended) != 0 {
		t.Errorf("ended = %v, want none", ended)
	}
	if complete != 1 {
		t.Errorf("OnComplete fired %d times, want 1", complete)
	}
	if s.Speaking() {
		t.Error("Speaking() = true after Stop")
	}
}

func TestStop_NoSequenceIsNoop(t *testing.T) {
	s, ev := newScheduler(t, &ttsmock.Provider{}, &audiomock.OutputDevice{}, nil, fastConfig())
	s.Stop()
	_, _, _, complete := ev.snapshot()
	if complete != 0 {
		t.Errorf("OnComplete fired %d times, want 0", complete)
	}
}

func TestSpeak_ContextCancelled(t *testing.T) {
	out := &audiomock.OutputDevice{PlayDuration: 5 * time.Second}
	s, ev := newScheduler(t, &ttsmock.Provider{}, out, nil, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Speak(ctx, sentences(2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Speak err = %v, want DeadlineExceeded", err)
	}
	_, _, _, complete := ev.snapshot()
	if complete != 1 {
		t.Errorf("OnComplete fired %d times, want 1", complete)
	}
}

// ─── Synthesis ────────────────────────────────────────────────────────────────

func TestSynthesizeAll_KeepsIndexes(t *testing.T) {
	p := &ttsmock.Provider{
		Delay: func(text string) time.Duration {
			if text == "a" {
				return 40 * time.Millisecond
			}
			return 0
		},
		Errors: map[string]error{"c": errors.New("nope")},
	}
	s, ev := newScheduler(t, p, nil, nil, fastConfig())

	chunks, err := s.SynthesizeAll(t.Context(), []string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("SynthesizeAll: %v", err)
	}
	var idx []int
	for _, c := range chunks {
		idx = append(idx, c.Index)
		if string(c.Audio) != c.Text {
			t.Errorf("chunk %d audio = %q, want %q", c.Index, c.Audio, c.Text)
		}
	}
	if !slices.Equal(idx, []int{0, 1, 3}) {
		t.Errorf("indexes = %v, want [0 1 3]", idx)
	}
	_, _, errs, _ := ev.snapshot()
	if len(errs) != 1 || !errors.Is(errs[0], ErrSynthesis) {
		t.Errorf("errors = %v", errs)
	}
}

func TestSynthesizeAll_AllFail(t *testing.T) {
	p := &ttsmock.Provider{SynthesizeErr: errors.New("down")}
	s, _ := newScheduler(t, p, nil, nil, fastConfig())
	if _, err := s.SynthesizeAll(t.Context(), []string{"a", "b"}); !errors.Is(err, ErrNoPlayableChunks) {
		t.Errorf("err = %v, want ErrNoPlayableChunks", err)
	}
	if chunks, err := s.SynthesizeAll(t.Context(), nil); err != nil || len(chunks) != 0 {
		t.Errorf("empty input = %v, %v", chunks, err)
	}
}

// concurrencyProvider tracks the peak number of in-flight requests.
type concurrencyProvider struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *concurrencyProvider) Synthesize(ctx context.Context, text string, _ tts.VoiceProfile) ([]byte, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(15 * time.Millisecond)
	return []byte(text), nil
}

func (p *concurrencyProvider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	return nil, nil
}

func TestSynthesizeAll_BoundedConcurrency(t *testing.T) {
	p := &concurrencyProvider{}
	cfg := fastConfig()
	cfg.MaxConcurrency = 2
	s, _ := newScheduler(t, p, nil, nil, cfg)

	chunks, err := s.SynthesizeAll(t.Context(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatalf("SynthesizeAll: %v", err)
	}
	if len(chunks) != 5 {
		t.Errorf("len(chunks) = %d, want 5", len(chunks))
	}
	if peak := p.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestSynthesizeAll_InterBatchDelay(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConcurrency = 2
	cfg.InterBatchDelay = 50 * time.Millisecond
	s, _ := newScheduler(t, &ttsmock.Provider{}, nil, nil, cfg)

	start := time.Now()
	if _, err := s.SynthesizeAll(t.Context(), []string{"a", "b", "c", "d", "e"}); err != nil {
		t.Fatalf("SynthesizeAll: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("three batches took %v, want >= 2 inter-batch delays", elapsed)
	}
}

// flakyProvider fails the first n calls per text.
type flakyProvider struct {
	mu       sync.Mutex
	failures int
	calls    map[string]int
}

func (p *flakyProvider) Synthesize(_ context.Context, text string, _ tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[text]++
	if p.calls[text] <= p.failures {
		return nil, errors.New("transient")
	}
	return []byte(text), nil
}

func (p *flakyProvider) ListVoices(context.Context) ([]tts.VoiceProfile, error) { return nil, nil }

func TestSynthesizeAll_Retry(t *testing.T) {
	p := &flakyProvider{failures: 2}
	cfg := fastConfig()
	cfg.Retry = RetryPolicy{Attempts: 2, Backoff: time.Millisecond}
	s, ev := newScheduler(t, p, nil, nil, cfg)

	chunks, err := s.SynthesizeAll(t.Context(), []string{"x"})
	if err != nil {
		t.Fatalf("SynthesizeAll: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	if p.calls["x"] != 3 {
		t.Errorf("calls = %d, want 3", p.calls["x"])
	}
	if _, _, errs, _ := ev.snapshot(); len(errs) != 0 {
		t.Errorf("errors = %v, want none after successful retry", errs)
	}
}

func TestSynthesizeAll_NoRetryByDefault(t *testing.T) {
	p := &flakyProvider{failures: 1}
	s, _ := newScheduler(t, p, nil, nil, fastConfig())

	if _, err := s.SynthesizeAll(t.Context(), []string{"x"}); !errors.Is(err, ErrNoPlayableChunks) {
		t.Errorf("err = %v, want ErrNoPlayableChunks", err)
	}
	if p.calls["x"] != 1 {
		t.Errorf("calls = %d, want 1", p.calls["x"])
	}
}

// ─── Stream ───────────────────────────────────────────────────────────────────

func TestStream_InOrder(t *testing.T) {
	p := &ttsmock.Provider{
		Delay: func(string) time.Duration { return time.Duration(rand.IntN(20)) * time.Millisecond },
	}
	s, _ := newScheduler(t, p, nil, nil, fastConfig())

	var idx []int
	for c := range s.Stream(t.Context(), sentences(6)) {
		idx = append(idx, c.Index)
	}
	if !slices.Equal(idx, []int{0, 1, 2, 3, 4, 5}) {
		t.Errorf("indexes = %v, want 0..5", idx)
	}
}

func TestStream_DiscardsLateResults(t *testing.T) {
	p := &ttsmock.Provider{Delay: func(string) time.Duration { return 100 * time.Millisecond }}
	s, _ := newScheduler(t, p, nil, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Stream(ctx, sentences(3))
	time.Sleep(20 * time.Millisecond)
	cancel()

	var got []Chunk
	for c := range ch {
		got = append(got, c)
	}
	if len(got) != 0 {
		t.Errorf("received %d chunks after cancellation, want 0", len(got))
	}
}

// ─── Play ─────────────────────────────────────────────────────────────────────

func TestPlay_SortsByIndex(t *testing.T) {
	s, ev := newScheduler(t, &ttsmock.Provider{}, &audiomock.OutputDevice{}, nil, fastConfig())
	chunks := []Chunk{
		{Index: 2, Text: "c", Audio: []byte("c")},
		{Index: 0, Text: "a", Audio: []byte("a")},
		{Index: 1, Text: "b", Audio: []byte("b")},
	}
	if err := s.Play(t.Context(), chunks); err != nil {
		t.Fatalf("Play: %v", err)
	}
	started, _, _, complete := ev.snapshot()
	if !slices.Equal(started, []int{0, 1, 2}) {
		t.Errorf("started = %v, want [0 1 2]", started)
	}
	if complete != 1 {
		t.Errorf("OnComplete fired %d times, want 1", complete)
	}
}

func TestPlay_EmptyListCompletes(t *testing.T) {
	s, ev := newScheduler(t, &ttsmock.Provider{}, &audiomock.OutputDevice{}, nil, fastConfig())
	if err := s.Play(t.Context(), nil); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if _, _, _, complete := ev.snapshot(); complete != 1 {
		t.Errorf("OnComplete fired %d times, want 1", complete)
	}
}

func TestPlay_PreloadDecodesAhead(t *testing.T) {
	dec := &audiomock.Decoder{}
	out := &audiomock.OutputDevice{PlayDuration: 5 * time.Second}
	s, ev := newScheduler(t, &ttsmock.Provider{}, out, dec, fastConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Play(context.Background(), []Chunk{
			{Index: 0, Audio: []byte("a")},
			{Index: 1, Audio: []byte("b")},
			{Index: 2, Audio: []byte("c")},
		})
	}()

	waitFor(t, func() bool {
		started, _, _, _ := ev.snapshot()
		return len(started) == 1
	})
	// Chunk 0 is playing; chunk 1 must already be decoded, chunk 2 not yet.
	waitFor(t, func() bool { return dec.Calls() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := dec.Calls(); got != 2 {
		t.Errorf("decoded %d chunks while the first plays, want 2", got)
	}
	s.Stop()
	<-done
}

func TestPlay_NoPreload(t *testing.T) {
	dec := &audiomock.Decoder{}
	out := &audiomock.OutputDevice{PlayDuration: 5 * time.Second}
	cfg := fastConfig()
	cfg.PreloadNext = false
	s, ev := newScheduler(t, &ttsmock.Provider{}, out, dec, cfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Play(context.Background(), []Chunk{{Index: 0, Audio: []byte("a")}, {Index: 1, Audio: []byte("b")}})
	}()
	waitFor(t, func() bool {
		started, _, _, _ := ev.snapshot()
		return len(started) == 1
	})
	time.Sleep(20 * time.Millisecond)
	if got := dec.Calls(); got != 1 {
		t.Errorf("decoded %d chunks, want 1 without preload", got)
	}
	s.Stop()
	<-done
}

func TestSpeak_NewSequenceStopsPrevious(t *testing.T) {
	out := &audiomock.OutputDevice{PlayDuration: 5 * time.Second}
	s, ev := newScheduler(t, &ttsmock.Provider{}, out, nil, fastConfig())

	first := make(chan error, 1)
	go func() { first <- s.Speak(context.Background(), "First.") }()
	waitFor(t, func() bool {
		started, _, _, _ := ev.snapshot()
		return len(started) == 1
	})

	second := make(chan error, 1)
	go func() { second <- s.Speak(context.Background(), "Second.") }()

	select {
	case err := <-first:
		if err != nil {
			t.Errorf("first Speak = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Speak did not return after a new sequence started")
	}

	waitFor(t, func() bool {
		started, _, _, _ := ev.snapshot()
		return len(started) == 2
	})
	s.Stop()
	if err := <-second; err != nil {
		t.Errorf("second Speak = %v, want nil", err)
	}
	if _, _, _, complete := ev.snapshot(); complete != 2 {
		t.Errorf("OnComplete fired %d times, want 2", complete)
	}
}
