// Package utterance accumulates final transcript fragments into complete user
// turns.
//
// Fragments are joined as they arrive and flushed as one string once the user
// has been quiet for the silence window, measured both from the last fragment
// and from the last speech activity. Nothing is flushed while the user is
// speaking. The one exception is an idle buffer: text that received no new
// fragment for MaxAge is flushed even if the speaking flag still reads true,
// so a missed speech-end transition cannot hold a turn back forever.
// Transcript handlers and the flush ticker run on different
// goroutines; all state is guarded by a mutex.
package utterance

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/avatalk/internal/observe"
)

// Default tuning values.
const (
	DefaultSilenceWindow = 1200 * time.Millisecond
	DefaultMaxAge        = 15 * time.Second
	DefaultTickInterval  = 250 * time.Millisecond
)

// Config configures a Buffer. Zero values fall back to the defaults.
type Config struct {
	SilenceWindow time.Duration
	MaxAge        time.Duration
	TickInterval  time.Duration
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// Buffer collects final transcripts until the user stops talking.
type Buffer struct {
	metrics *observe.Metrics
	now     func() time.Time

	mu         sync.Mutex
	cfg        Config
	text       strings.Builder
	lastAppend time.Time
	lastSpeech time.Time
	speaking   bool
	onFlush    func(string)
}

// New creates an empty Buffer.
func New(cfg Config, opts ...Option) *Buffer {
	cfg = withDefaults(cfg)
	b := &Buffer{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

func withDefaults(cfg Config) Config {
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = DefaultSilenceWindow
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return cfg
}

// OnFlush registers the handler receiving each complete utterance. It is
// called without the buffer lock held.
func (b *Buffer) OnFlush(fn func(string)) {
	b.mu.Lock()
	b.onFlush = fn
	b.mu.Unlock()
}

// SetSilenceWindow changes the silence window at runtime.
func (b *Buffer) SetSilenceWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.cfg.SilenceWindow = d
	b.mu.Unlock()
}

// AppendFinal adds a final transcript fragment. Fragments are joined with a
// single space unless one side already carries whitespace. Blank text is
// ignored.
func (b *Buffer) AppendFinal(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.text.Len() > 0 {
		prev, _ := utf8.DecodeLastRuneInString(b.text.String())
		next, _ := utf8.DecodeRuneInString(text)
		if !unicode.IsSpace(prev) && !unicode.IsSpace(next) {
			b.text.WriteByte(' ')
		}
	}
	b.text.WriteString(text)
	b.lastAppend = now
}

// NoteSpeaking records a speech activity transition.
func (b *Buffer) NoteSpeaking(speaking bool) {
	now := b.now()
	b.mu.Lock()
	b.speaking = speaking
	b.lastSpeech = now
	b.mu.Unlock()
}

// Pending returns the buffered text without flushing it.
func (b *Buffer) Pending() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}

// Discard drops buffered text without flushing it and returns what was
// dropped.
func (b *Buffer) Discard() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.text.String()
	b.text.Reset()
	b.lastAppend = time.Time{}
	b.speaking = false
	return out
}

// Tick evaluates the flush policy at now and flushes at most once. It
// reports whether a flush happened.
func (b *Buffer) Tick(now time.Time) bool {
	b.mu.Lock()
	if b.text.Len() == 0 {
		b.mu.Unlock()
		return false
	}
	quiet := !b.speaking &&
		now.Sub(b.lastAppend) >= b.cfg.SilenceWindow &&
		now.Sub(b.lastSpeech) >= b.cfg.SilenceWindow
	idle := now.Sub(b.lastAppend) >= b.cfg.MaxAge
	if !quiet && !idle {
		b.mu.Unlock()
		return false
	}
	out := strings.TrimSpace(b.text.String())
	b.text.Reset()
	b.lastAppend = time.Time{}
	cb := b.onFlush
	b.mu.Unlock()

	b.metrics.UtteranceFlushes.Add(context.Background(), 1)
	if cb != nil {
		cb(out)
	}
	return true
}

// Run calls Tick every TickInterval until ctx is cancelled.
func (b *Buffer) Run(ctx context.Context) {
	b.mu.Lock()
	interval := b.cfg.TickInterval
	b.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Tick(b.now())
		}
	}
}
