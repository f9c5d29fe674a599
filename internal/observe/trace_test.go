package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithSessionID(context.Background(), "sess-42")
	_, span := StartSpan(ctx, "speech.synthesize", attribute.Int("chunk", 3))
	span.End()

	spans := exp.GetSpans().Snapshots()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "speech.synthesize" {
		t.Errorf("span name = %q", spans[0].Name())
	}
	if v, ok := spanAttr(spans[0], "session.id"); !ok || v.AsString() != "sess-42" {
		t.Errorf("session.id = %v (found %v), want sess-42", v.AsString(), ok)
	}
	if v, ok := spanAttr(spans[0], "chunk"); !ok || v.AsInt64() != 3 {
		t.Errorf("chunk = %v (found %v), want 3", v.AsInt64(), ok)
	}
}

func TestStartSpan_NoSession(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSpan(context.Background(), "chat.reply")
	span.End()

	if _, ok := spanAttr(exp.GetSpans().Snapshots()[0], "session.id"); ok {
		t.Error("span carries session.id without a session in the context")
	}
}

func TestFail(t *testing.T) {
	exp := useTestTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	Fail(ok, nil)
	ok.End()
	_, bad := StartSpan(context.Background(), "bad")
	Fail(bad, errors.New("provider down"))
	bad.End()

	spans := exp.GetSpans().Snapshots()
	if got := spans[0].Status().Code; got != codes.Unset {
		t.Errorf("nil error status = %v, want unset", got)
	}
	if got := spans[1].Status(); got.Code != codes.Error || got.Description != "provider down" {
		t.Errorf("failed span status = %+v", got)
	}
	if len(spans[1].Events()) == 0 {
		t.Error("error not recorded as span event")
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	useTestTracer(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "id")
		id := CorrelationID(ctx)
		span.End()
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("CorrelationID = %q, want 32 hex digits", id)
		}
		if seen[id] {
			t.Fatalf("duplicate correlation id %s", id)
		}
		seen[id] = true
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "plain",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id", "session_id"},
		},
		{
			name: "session only",
			ctx: func() (context.Context, func()) {
				return WithSessionID(context.Background(), "abc"), func() {}
			},
			want:    []string{"session_id=abc"},
			notWant: []string{"trace_id"},
		},
		{
			name: "session and span",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(WithSessionID(context.Background(), "abc"), "op")
				return ctx, func() { span.End() }
			},
			want: []string{"session_id=abc", "trace_id=", "span_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			ctx, done := tt.ctx()
			defer done()

			Logger(ctx).Info("hello")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q contains %q", out, w)
				}
			}
		})
	}
}
