// Package speech turns assistant replies into audible speech with low
// perceived latency.
//
// A reply is split into sentence-bounded chunks that are synthesized
// concurrently in small batches and played strictly in index order, one at a
// time. While chunk i plays, chunk i+1 is already decoded. Stop halts the
// current chunk and abandons the rest; results that arrive afterwards are
// discarded.
package speech

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

// Default tuning values.
const (
	DefaultMaxSentencesPerChunk = 2
	DefaultMaxConcurrency       = 3
	DefaultInterBatchDelay      = 100 * time.Millisecond
	DefaultGap                  = 150 * time.Millisecond
	DefaultMinTextLength        = 100
)

var (
	// ErrSynthesis wraps a single chunk's synthesis failure.
	ErrSynthesis = errors.New("speech: synthesis failed")

	// ErrNoPlayableChunks is returned when every chunk of a reply failed to
	// synthesize.
	ErrNoPlayableChunks = errors.New("speech: no playable chunks")

	// ErrPlayback wraps a single chunk's decode or playback failure.
	ErrPlayback = errors.New("speech: playback failed")
)

// RetryPolicy controls how often a failed chunk is re-requested before it is
// skipped. The zero value never retries.
type RetryPolicy struct {
	// Attempts is the number of retries after the first failure.
	Attempts int
	// Backoff is the wait before the first retry; it doubles on each retry.
	Backoff time.Duration
}

// Config tunes a Scheduler. Zero values fall back to the defaults, except
// Gap and InterBatchDelay where a negative value disables the pause.
type Config struct {
	MaxSentencesPerChunk int
	MaxConcurrency       int
	InterBatchDelay      time.Duration
	Gap                  time.Duration
	PreloadNext          bool

	// MinTextLength is the length below which a reply is spoken as a single
	// chunk.
	MinTextLength int

	Retry RetryPolicy
	Voice tts.VoiceProfile
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxSentencesPerChunk: DefaultMaxSentencesPerChunk,
		MaxConcurrency:       DefaultMaxConcurrency,
		InterBatchDelay:      DefaultInterBatchDelay,
		Gap:                  DefaultGap,
		PreloadNext:          true,
		MinTextLength:        DefaultMinTextLength,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.MaxSentencesPerChunk <= 0 {
		cfg.MaxSentencesPerChunk = DefaultMaxSentencesPerChunk
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.InterBatchDelay == 0 {
		cfg.InterBatchDelay = DefaultInterBatchDelay
	}
	if cfg.Gap == 0 {
		cfg.Gap = DefaultGap
	}
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = DefaultMinTextLength
	}
	if cfg.Retry.Attempts < 0 {
		cfg.Retry.Attempts = 0
	}
	return cfg
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTap sets the tap that sees every sample sent to the output device.
// The lip-sync analyser is attached here.
func WithTap(t audio.Tap) Option {
	return func(s *Scheduler) { s.tap = t }
}

// WithProviderName sets the provider label used in metrics. Default: "tts".
func WithProviderName(name string) Option {
	return func(s *Scheduler) { s.providerName = name }
}

// Scheduler synthesizes and plays replies. All methods are safe for
// concurrent use; a new Speak stops the sequence that is still playing.
type Scheduler struct {
	provider     tts.Provider
	decoder      audio.Decoder
	output       audio.OutputDevice
	tap          audio.Tap
	metrics      *observe.Metrics
	providerName string

	mu           sync.Mutex
	cfg          Config
	stopCurrent  context.CancelFunc
	seq          uint64
	onChunkStart func(Chunk)
	onChunkEnd   func(Chunk)
	onComplete   func()
	onError      func(error)
}

// New creates a Scheduler. output and decoder may be nil when only
// [Scheduler.SynthesizeAll] and [Scheduler.Stream] are used.
func New(provider tts.Provider, decoder audio.Decoder, output audio.OutputDevice, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		provider:     provider,
		decoder:      decoder,
		output:       output,
		cfg:          withDefaults(cfg),
		providerName: "tts",
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ─── Events ───────────────────────────────────────────────────────────────────

// OnChunkStart registers a handler called right before a chunk starts playing.
func (s *Scheduler) OnChunkStart(fn func(Chunk)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChunkStart = fn
}

// OnChunkEnd registers a handler called after a chunk finished playing.
func (s *Scheduler) OnChunkEnd(fn func(Chunk)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChunkEnd = fn
}

// OnComplete registers a handler called exactly once per spoken sequence,
// including sequences that were stopped or had nothing to play.
func (s *Scheduler) OnComplete(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = fn
}

// OnError registers a handler for per-chunk synthesis and playback failures.
func (s *Scheduler) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

func (s *Scheduler) emitStart(c Chunk) {
	s.mu.Lock()
	fn := s.onChunkStart
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (s *Scheduler) emitEnd(c Chunk) {
	s.mu.Lock()
	fn := s.onChunkEnd
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (s *Scheduler) emitComplete() {
	s.mu.Lock()
	fn := s.onComplete
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Scheduler) emitError(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// ─── Configuration ────────────────────────────────────────────────────────────

// Config returns the current configuration.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetVoice changes the voice used for subsequent replies.
func (s *Scheduler) SetVoice(v tts.VoiceProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Voice = v
}

// SetGap changes the pause inserted between chunks. Takes effect before the
// next chunk starts.
func (s *Scheduler) SetGap(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Gap = d
}

// Chunks splits text the way Speak would.
func (s *Scheduler) Chunks(text string) []string {
	cfg := s.Config()
	return splitReply(text, cfg)
}

func splitReply(text string, cfg Config) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) < cfg.MinTextLength {
		return []string{text}
	}
	return SplitIntoChunks(text, cfg.MaxSentencesPerChunk)
}

// ─── Synthesis ────────────────────────────────────────────────────────────────

// SynthesizeAll synthesizes every chunk, MaxConcurrency at a time, pausing
// InterBatchDelay between batches. Failed chunks are reported through
// OnError and left out of the result, which is sorted by index. It returns
// [ErrNoPlayableChunks] when texts is non-empty and nothing succeeded.
func (s *Scheduler) SynthesizeAll(ctx context.Context, texts []string) ([]Chunk, error) {
	var out []Chunk
	for c := range s.synthesize(ctx, texts) {
		out = append(out, c)
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if len(texts) > 0 && len(out) == 0 {
		return nil, ErrNoPlayableChunks
	}
	return out, nil
}

// Stream splits and synthesizes text and emits each playable chunk in index
// order as soon as it and every earlier chunk are settled. The channel is
// closed when all chunks are settled or ctx is done.
func (s *Scheduler) Stream(ctx context.Context, text string) <-chan Chunk {
	return s.synthesize(ctx, s.Chunks(text))
}

// slot is one chunk's synthesis result.
type slot struct {
	done  chan struct{}
	chunk Chunk
	err   error
}

// synthesize runs the batched requests and emits successful chunks in index
// order.
func (s *Scheduler) synthesize(ctx context.Context, texts []string) <-chan Chunk {
	cfg := s.Config()
	out := make(chan Chunk, len(texts))

	slots := make([]*slot, len(texts))
	for i, t := range texts {
		slots[i] = &slot{done: make(chan struct{}), chunk: Chunk{Index: i, Text: t}}
	}

	go func() {
		for start := 0; start < len(slots); start += cfg.MaxConcurrency {
			if start > 0 && !sleepCtx(ctx, cfg.InterBatchDelay) {
				break
			}
			var g errgroup.Group
			for _, sl := range slots[start:min(start+cfg.MaxConcurrency, len(slots))] {
				g.Go(func() error {
					defer close(sl.done)
					sl.chunk.Audio, sl.err = s.synthesizeOne(ctx, sl.chunk, cfg)
					return nil
				})
			}
			_ = g.Wait()
		}
		// Release slots that never started so the emitter can finish.
		for _, sl := range slots {
			select {
			case <-sl.done:
			default:
				sl.err = ctx.Err()
				close(sl.done)
			}
		}
	}()

	go func() {
		defer close(out)
		for _, sl := range slots {
			select {
			case <-sl.done:
			case <-ctx.Done():
				return
			}
			if ctx.Err() != nil {
				return
			}
			if sl.err != nil {
				continue
			}
			select {
			case out <- sl.chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// synthesizeOne requests one chunk, retrying per the policy.
func (s *Scheduler) synthesizeOne(ctx context.Context, c Chunk, cfg Config) (_ []byte, err error) {
	ctx, span := observe.StartSpan(ctx, "speech.synthesize",
		attribute.Int("chunk", c.Index),
		attribute.String("provider", s.providerName),
		attribute.String("voice", cfg.Voice.ID),
	)
	defer func() {
		observe.Fail(span, err)
		span.End()
	}()

	log := observe.Logger(ctx)
	backoff := cfg.Retry.Backoff
	var lastErr error
	for attempt := 0; attempt <= cfg.Retry.Attempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, backoff) {
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		start := time.Now()
		data, err := s.provider.Synthesize(ctx, c.Text, cfg.Voice)
		s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", s.providerName)))
		if ctx.Err() != nil {
			// Late results after cancellation are dropped.
			return nil, ctx.Err()
		}
		if err == nil && len(data) > 0 {
			s.metrics.RecordProviderRequest(ctx, s.providerName, "tts", "ok")
			s.metrics.RecordChunk(ctx, "synthesized")
			return data, nil
		}
		if err == nil {
			err = errors.New("empty audio")
		}
		lastErr = err
		s.metrics.RecordProviderRequest(ctx, s.providerName, "tts", "error")
		s.metrics.RecordProviderError(ctx, s.providerName, "tts")
		log.Warn("speech: chunk synthesis failed",
			"index", c.Index, "attempt", attempt+1, "err", err)
	}

	s.metrics.RecordChunk(ctx, "failed")
	err = fmt.Errorf("%w: chunk %d: %w", ErrSynthesis, c.Index, lastErr)
	s.emitError(err)
	return nil, err
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Speak splits, synthesizes and plays text. Playback starts with the first
// chunk while later chunks are still being synthesized. It blocks until the
// sequence finished, was stopped (nil) or ctx was cancelled (ctx.Err()).
// It returns [ErrNoPlayableChunks] when text was non-empty but no chunk
// could be synthesized.
func (s *Scheduler) Speak(ctx context.Context, text string) error {
	seqCtx, done := s.begin(ctx)
	defer done()

	texts := s.Chunks(text)
	_, available := s.play(seqCtx, s.synthesize(seqCtx, texts))
	if err := ctx.Err(); err != nil {
		return err
	}
	if seqCtx.Err() != nil {
		return nil
	}
	if len(texts) > 0 && available == 0 {
		return ErrNoPlayableChunks
	}
	return nil
}

// Play plays already synthesized chunks in index order.
func (s *Scheduler) Play(ctx context.Context, chunks []Chunk) error {
	seqCtx, done := s.begin(ctx)
	defer done()

	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sortChunks(sorted)

	ch := make(chan Chunk, len(sorted))
	for _, c := range sorted {
		ch <- c
	}
	close(ch)

	s.play(seqCtx, ch)
	return ctx.Err()
}

// Stop halts the chunk that is playing and abandons the rest of the
// sequence. It is a no-op when nothing is playing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCurrent != nil {
		s.stopCurrent()
		s.stopCurrent = nil
	}
}

// Speaking reports whether a sequence is in progress.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCurrent != nil
}

// begin starts a new sequence, stopping the previous one. The returned done
// func must be called exactly once; it fires OnComplete.
func (s *Scheduler) begin(ctx context.Context) (context.Context, func()) {
	seqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.stopCurrent != nil {
		s.stopCurrent()
	}
	s.seq++
	id := s.seq
	s.stopCurrent = cancel
	s.mu.Unlock()

	return seqCtx, func() {
		cancel()
		s.mu.Lock()
		if s.seq == id {
			s.stopCurrent = nil
		}
		s.mu.Unlock()
		s.emitComplete()
	}
}

// decoded is a chunk ready to play.
type decoded struct {
	chunk Chunk
	clip  audio.Clip
	err   error
	ok    bool
}

// fetch takes the next chunk from chunks and decodes it on its own
// goroutine.
func (s *Scheduler) fetch(ctx context.Context, chunks <-chan Chunk) <-chan decoded {
	res := make(chan decoded, 1)
	go func() {
		select {
		case c, ok := <-chunks:
			if !ok {
				res <- decoded{}
				return
			}
			clip, err := s.decoder.Decode(c.Audio)
			res <- decoded{chunk: c, clip: clip, err: err, ok: true}
		case <-ctx.Done():
			res <- decoded{}
		}
	}()
	return res
}

// play renders chunks one at a time in the order received. It returns the
// number of chunks played to the end and the number received.
func (s *Scheduler) play(ctx context.Context, chunks <-chan Chunk) (played, received int) {
	log := observe.Logger(ctx)
	preload := s.Config().PreloadNext
	next := s.fetch(ctx, chunks)
	first := true

	for {
		var d decoded
		select {
		case d = <-next:
		case <-ctx.Done():
			return played, received
		}
		if !d.ok {
			return played, received
		}
		received++
		if preload {
			next = s.fetch(ctx, chunks)
		}

		if err := s.playOne(ctx, d, first); err != nil {
			if ctx.Err() != nil {
				return played, received
			}
			log.Warn("speech: chunk playback failed", "index", d.chunk.Index, "err", err)
			s.metrics.RecordChunk(ctx, "skipped")
			s.emitError(err)
		} else {
			played++
			first = false
		}

		if !preload {
			next = s.fetch(ctx, chunks)
		}
	}
}

func (s *Scheduler) playOne(ctx context.Context, d decoded, first bool) error {
	if d.err != nil {
		return fmt.Errorf("%w: decode chunk %d: %w", ErrPlayback, d.chunk.Index, d.err)
	}
	if !first {
		s.mu.Lock()
		gap := s.cfg.Gap
		s.mu.Unlock()
		if !sleepCtx(ctx, gap) {
			return ctx.Err()
		}
	}

	s.emitStart(d.chunk)
	if err := s.output.Play(ctx, d.clip, s.tap); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: chunk %d: %w", ErrPlayback, d.chunk.Index, err)
	}
	s.metrics.RecordChunk(ctx, "played")
	s.emitEnd(d.chunk)
	return nil
}

// sleepCtx waits d or until ctx is done. It reports whether the full wait
// elapsed. Non-positive durations return immediately.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func sortChunks(cs []Chunk) {
	slices.SortFunc(cs, func(a, b Chunk) int { return a.Index - b.Index })
}
