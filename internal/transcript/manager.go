// Package transcript manages the lifecycle of one live transcription session.
//
// A [Manager] negotiates a session with the configured [stt.Provider], opens
// the socket, forwards encoded capture frames in order, and dispatches the
// transcripts it receives: results below the confidence floor are dropped,
// partials go to the partial handler and finals to the final handler.
//
// Lifecycle: Idle → Negotiating → Connecting → Open → Closed | Failed. An
// unexpected socket closure while Open moves the manager to Failed and calls
// the failure handler exactly once; the manager never reconnects on its own.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
)

// Default tuning values.
const (
	DefaultMinConfidence  = 0.5
	DefaultConnectTimeout = 10 * time.Second
)

var (
	// ErrSessionNegotiation is the sentinel matched by every *NegotiationError.
	ErrSessionNegotiation = errors.New("transcript: session negotiation failed")

	// ErrSocket reports a socket failure: dial error, connect timeout or an
	// unexpected closure of an open session.
	ErrSocket = errors.New("transcript: socket failure")

	// ErrNotOpen is returned by Send when no session is open.
	ErrNotOpen = errors.New("transcript: session not open")

	// ErrBusy is returned by Open when a session is already being set up or open.
	ErrBusy = errors.New("transcript: session already active")

	// ErrAborted is returned by Open when Close was called while connecting.
	ErrAborted = errors.New("transcript: session closed while connecting")
)

// NegotiationError is returned by Open when the service rejects the session.
type NegotiationError struct {
	// StatusCode is the HTTP status of the rejection, or 0 for transport errors.
	StatusCode int
	Err        error
}

func (e *NegotiationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transcript: negotiate: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transcript: negotiate: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *NegotiationError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrSessionNegotiation].
func (e *NegotiationError) Is(target error) bool { return target == ErrSessionNegotiation }

// Config configures a Manager.
type Config struct {
	// Stream is passed to the provider on negotiation.
	Stream stt.StreamConfig

	// MinConfidence drops results with a lower confidence. Default 0.5.
	// Negative disables the filter.
	MinConfidence float64

	// ConnectTimeout bounds the socket dial. Default 10s.
	ConnectTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// WithProviderName sets the provider label used in metrics. Default "stt".
func WithProviderName(name string) Option {
	return func(mg *Manager) { mg.providerName = name }
}

// Manager owns one transcription session at a time.
type Manager struct {
	provider     stt.Provider
	cfg          Config
	metrics      *observe.Metrics
	providerName string

	mu        sync.Mutex
	state     State
	handle    stt.SessionHandle
	onPartial func(stt.Transcript)
	onFinal   func(stt.Transcript)
	onFailure func(error)
	onSetup   func(State)
}

// New creates a Manager in state Idle.
func New(provider stt.Provider, cfg Config, opts ...Option) *Manager {
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	m := &Manager{
		provider:     provider,
		cfg:          cfg,
		providerName: "stt",
		state:        Idle,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// OnPartial registers the handler for interim results.
func (m *Manager) OnPartial(fn func(stt.Transcript)) {
	m.mu.Lock()
	m.onPartial = fn
	m.mu.Unlock()
}

// OnFinal registers the handler for final results.
func (m *Manager) OnFinal(fn func(stt.Transcript)) {
	m.mu.Lock()
	m.onFinal = fn
	m.mu.Unlock()
}

// OnFailure registers the handler called once when an open session drops.
func (m *Manager) OnFailure(fn func(error)) {
	m.mu.Lock()
	m.onFailure = fn
	m.mu.Unlock()
}

// OnSetup registers a handler called as Open moves through Negotiating,
// Connecting and Open. It runs on the goroutine calling Open.
func (m *Manager) OnSetup(fn func(State)) {
	m.mu.Lock()
	m.onSetup = fn
	m.mu.Unlock()
}

func (m *Manager) notifySetup(st State) {
	m.mu.Lock()
	cb := m.onSetup
	m.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to next if the table allows it. Caller holds mu.
func (m *Manager) transition(next State) bool {
	if !CanTransition(m.state, next) {
		return false
	}
	slog.Debug("transcript: state change", "from", m.state, "to", next)
	m.state = next
	return true
}

// Open negotiates and connects a new session. On failure the manager is left
// in state Failed and the error wraps [ErrSessionNegotiation] (as a
// *[NegotiationError]) or [ErrSocket].
func (m *Manager) Open(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "transcript.open", attribute.String("provider", m.providerName))
	defer func() {
		observe.Fail(span, err)
		span.End()
	}()

	m.mu.Lock()
	if !m.transition(Negotiating) {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrBusy, st)
	}
	m.mu.Unlock()
	m.notifySetup(Negotiating)

	start := time.Now()
	desc, err := m.provider.Negotiate(ctx, m.cfg.Stream)
	if err != nil {
		ne := &NegotiationError{Err: err}
		var se *stt.StatusError
		if errors.As(err, &se) {
			ne.StatusCode = se.StatusCode
		}
		m.fail()
		m.metrics.RecordProviderError(ctx, m.providerName, "stt")
		m.metrics.RecordProviderRequest(ctx, m.providerName, "stt", "error")
		return ne
	}

	m.mu.Lock()
	if !m.transition(Connecting) {
		m.mu.Unlock()
		return ErrAborted
	}
	m.mu.Unlock()
	m.notifySetup(Connecting)

	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	h, err := m.provider.Dial(dctx, desc)
	cancel()
	if err != nil {
		m.fail()
		m.metrics.RecordProviderError(ctx, m.providerName, "stt")
		m.metrics.RecordProviderRequest(ctx, m.providerName, "stt", "error")
		return fmt.Errorf("transcript: dial: %w: %w", ErrSocket, err)
	}

	m.mu.Lock()
	if !m.transition(Open) {
		m.mu.Unlock()
		h.Close()
		return ErrAborted
	}
	m.handle = h
	m.mu.Unlock()

	m.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	m.metrics.RecordProviderRequest(ctx, m.providerName, "stt", "ok")
	observe.Logger(ctx).Info("transcript session open", "session", desc.ID, "setup", time.Since(start))
	m.notifySetup(Open)

	go m.consume(h)
	return nil
}

// fail moves to Failed unless Close already moved the manager to Closed.
func (m *Manager) fail() {
	m.mu.Lock()
	m.transition(Failed)
	m.mu.Unlock()
}

// Send forwards one encoded frame. Frames are delivered in call order.
func (m *Manager) Send(f audio.EncodedFrame) error {
	m.mu.Lock()
	if m.state != Open {
		m.mu.Unlock()
		return ErrNotOpen
	}
	h := m.handle
	m.mu.Unlock()
	if err := h.SendAudio(f.Data); err != nil {
		return fmt.Errorf("transcript: send: %w", err)
	}
	return nil
}

// Close stops the session politely and moves to Closed. It is idempotent and
// may be called in any state.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.transition(Closed)
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Close(); err != nil {
		slog.Warn("transcript: close session", "err", err)
	}
	slog.Info("transcript session closed")
	return nil
}

// consume dispatches transcripts until the session ends.
func (m *Manager) consume(h stt.SessionHandle) {
	for t := range h.Events() {
		m.dispatch(t)
	}
	<-h.Done()

	m.mu.Lock()
	if m.handle != h {
		// Closed by the caller.
		m.mu.Unlock()
		return
	}
	m.handle = nil
	m.transition(Failed)
	cb := m.onFailure
	m.mu.Unlock()

	cause := h.Err()
	if cause == nil {
		cause = errors.New("session ended by server")
	}
	err := fmt.Errorf("transcript: %w: %w", ErrSocket, cause)
	slog.Error("transcript session dropped", "err", err)
	m.metrics.RecordProviderError(context.Background(), m.providerName, "stt")
	if cb != nil {
		cb(err)
	}
}

func (m *Manager) dispatch(t stt.Transcript) {
	t.Text = strings.TrimSpace(t.Text)
	if t.Text == "" {
		return
	}
	accepted := m.cfg.MinConfidence <= 0 || t.Confidence >= m.cfg.MinConfidence
	m.metrics.RecordTranscript(context.Background(), t.IsFinal, accepted)
	if !accepted {
		slog.Debug("transcript: dropping low-confidence result", "confidence", t.Confidence, "final", t.IsFinal)
		return
	}

	m.mu.Lock()
	cb := m.onPartial
	if t.IsFinal {
		cb = m.onFinal
	}
	m.mu.Unlock()

	if cb != nil {
		cb(t)
	}
}
