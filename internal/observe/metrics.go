// Package observe provides application-wide observability primitives for
// avatalk: OpenTelemetry metrics, tracing, session-aware structured logging,
// and HTTP middleware that ties them together.
//
// Instruments are created through the OpenTelemetry Metrics API and scraped
// from /metrics once [InitProvider] has installed the Prometheus bridge.
// Components default to the process-wide [DefaultMetrics]; tests pass a
// [NewMetrics] instance backed by a manual reader instead.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every avatalk instrument.
const meterName = "github.com/MrWong99/avatalk"

// Metrics holds the instruments recorded along the avatar pipeline. All
// fields are safe for concurrent use.
type Metrics struct {
	// ─── latency ───

	// STTDuration is the time to negotiate and dial a transcription session.
	STTDuration metric.Float64Histogram
	// LLMDuration is the time to obtain one chat completion.
	LLMDuration metric.Float64Histogram
	// TTSDuration is the time to synthesize one speech chunk.
	TTSDuration metric.Float64Histogram
	// HTTPRequestDuration is the handling time of an API request, labelled
	// with method and route.
	HTTPRequestDuration metric.Float64Histogram

	// ─── providers ───

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter
	// ProviderErrors counts failed provider calls by provider and kind.
	ProviderErrors metric.Int64Counter
	// BreakerTransitions counts circuit breaker state changes by kind,
	// provider and new state.
	BreakerTransitions metric.Int64Counter
	// Failovers counts calls served by a provider other than the primary.
	Failovers metric.Int64Counter

	// ─── capture & transcription ───

	FramesCaptured metric.Int64Counter
	// FramesDropped counts frames discarded because delivery fell behind
	// the device.
	FramesDropped metric.Int64Counter
	// SpeechTransitions counts detector changes, labelled state=speaking or
	// state=silent.
	SpeechTransitions metric.Int64Counter
	// Transcripts counts transcription results by kind (partial, final) and
	// outcome (accepted, filtered).
	Transcripts metric.Int64Counter
	// UtteranceFlushes counts complete user turns handed to the chat stage.
	UtteranceFlushes metric.Int64Counter

	// ─── speech ───

	// Chunks counts speech chunks by outcome: synthesized, failed, played or
	// skipped.
	Chunks metric.Int64Counter

	// ─── sessions ───

	ActiveSessions metric.Int64UpDownCounter
	// Reconnects counts retries of the transcription session setup.
	Reconnects metric.Int64Counter
}

// latencyBuckets are histogram boundaries in seconds. Synthesis and chat
// sit in the upper half, session setup in the lower.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// instruments creates instruments on one meter and collects the first
// failure of each so NewMetrics can report them together.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.check(name, err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.check(name, err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.check(name, err)
	return g
}

func (b *instruments) check(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		STTDuration:         b.latency("avatalk.stt.duration", "Latency of transcription session setup."),
		LLMDuration:         b.latency("avatalk.llm.duration", "Latency of chat completion."),
		TTSDuration:         b.latency("avatalk.tts.duration", "Latency of speech synthesis per chunk."),
		HTTPRequestDuration: b.latency("avatalk.http.request.duration", "HTTP request latency by method and route."),

		ProviderRequests:   b.counter("avatalk.provider.requests", "Provider API requests by provider, kind and status."),
		ProviderErrors:     b.counter("avatalk.provider.errors", "Provider errors by provider and kind."),
		BreakerTransitions: b.counter("avatalk.provider.breaker_transitions", "Circuit breaker state changes by kind, provider and state."),
		Failovers:          b.counter("avatalk.provider.failovers", "Calls served by a fallback provider."),

		FramesCaptured:    b.counter("avatalk.capture.frames", "Audio frames delivered by the capture pipeline."),
		FramesDropped:     b.counter("avatalk.capture.dropped_frames", "Audio frames dropped because delivery fell behind."),
		SpeechTransitions: b.counter("avatalk.capture.speech_transitions", "Speech activity changes by new state."),
		Transcripts:       b.counter("avatalk.transcript.results", "Transcription results by kind and outcome."),
		UtteranceFlushes:  b.counter("avatalk.utterance.flushes", "Buffered utterances flushed to the chat stage."),

		Chunks: b.counter("avatalk.speech.chunks", "Speech chunks by outcome."),

		ActiveSessions: b.gauge("avatalk.active_sessions", "Number of live voice sessions."),
		Reconnects:     b.counter("avatalk.session.reconnects", "Transcription session setup retries."),
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("observe: create instruments: %w", errors.Join(b.errs...))
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instance built on the global
// meter provider. Call [InitProvider] before the first use so the
// instruments reach the Prometheus exporter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status)))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, kind, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		Attr("kind", kind), Attr("provider", provider), Attr("state", state)))
}

// RecordFailover counts one call answered by the fallback provider.
func (m *Metrics) RecordFailover(ctx context.Context, kind, provider string) {
	m.Failovers.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("provider", provider)))
}

// RecordChunk counts one speech chunk outcome.
func (m *Metrics) RecordChunk(ctx context.Context, outcome string) {
	m.Chunks.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordSpeechTransition counts one detector change.
func (m *Metrics) RecordSpeechTransition(ctx context.Context, speaking bool) {
	state := "silent"
	if speaking {
		state = "speaking"
	}
	m.SpeechTransitions.Add(ctx, 1, metric.WithAttributes(Attr("state", state)))
}

// RecordTranscript counts one transcription result.
func (m *Metrics) RecordTranscript(ctx context.Context, final, accepted bool) {
	kind, outcome := "partial", "filtered"
	if final {
		kind = "final"
	}
	if accepted {
		outcome = "accepted"
	}
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("outcome", outcome)))
}

// RecordReconnect counts one retry of the transcription session setup.
func (m *Metrics) RecordReconnect(ctx context.Context, provider string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider)))
}
