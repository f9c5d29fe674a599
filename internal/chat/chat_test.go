package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/pkg/history"
	"github.com/MrWong99/avatalk/pkg/history/memory"
	"github.com/MrWong99/avatalk/pkg/provider/llm"
	llmmock "github.com/MrWong99/avatalk/pkg/provider/llm/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newService(t *testing.T, p llm.Provider, opts ...Option) *Service {
	t.Helper()
	s, err := New(p, append([]Option{WithMetrics(testMetrics(t))}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_NilProvider(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil provider")
	}
}

func TestReply_Request(t *testing.T) {
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  Hello!  "}}
	s := newService(t, p, WithSystemPrompt("Be nice."))

	reply, err := s.Reply(t.Context(), []llm.Message{{Role: llm.RoleUser, Content: "Hi"}})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply != "Hello!" {
		t.Errorf("reply = %q", reply)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt != "Be nice." {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if req.MaxTokens != DefaultMaxTokens || req.Temperature != DefaultTemperature {
		t.Errorf("limits = %d / %v", req.MaxTokens, req.Temperature)
	}
}

func TestReply_ProviderError(t *testing.T) {
	p := &llmmock.Provider{CompleteErr: errors.New("quota")}
	s := newService(t, p)

	reply, err := s.Reply(t.Context(), []llm.Message{{Role: llm.RoleUser, Content: "Hi"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if reply != Apology {
		t.Errorf("reply = %q, want apology", reply)
	}
}

func TestReply_EmptyContent(t *testing.T) {
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "   "}}
	s := newService(t, p)
	reply, err := s.Reply(t.Context(), []llm.Message{{Role: llm.RoleUser, Content: "Hi"}})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply != EmptyReply {
		t.Errorf("reply = %q", reply)
	}
}

func TestReply_Validation(t *testing.T) {
	s := newService(t, &llmmock.Provider{})
	if _, err := s.Reply(t.Context(), nil); !errors.Is(err, ErrNoMessages) {
		t.Errorf("empty: err = %v", err)
	}
	if _, err := s.Reply(t.Context(), []llm.Message{{Role: "tool", Content: "x"}}); err == nil {
		t.Error("expected error for invalid role")
	}
}

func TestRespond_History(t *testing.T) {
	store := memory.New(0)
	_ = store.Append(t.Context(), "s1",
		history.Entry{Role: llm.RoleUser, Content: "My name is Ada."},
		history.Entry{Role: llm.RoleAssistant, Content: "Nice to meet you, Ada."},
	)
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Your name is Ada."}}
	s := newService(t, p, WithHistory(store, 10))

	reply, err := s.Respond(t.Context(), "s1", " What is my name? ")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if reply != "Your name is Ada." {
		t.Errorf("reply = %q", reply)
	}

	msgs := p.Calls()[0].Req.Messages
	if len(msgs) != 3 || msgs[2].Content != "What is my name?" || msgs[0].Content != "My name is Ada." {
		t.Errorf("messages = %+v", msgs)
	}

	log, _ := store.Recent(t.Context(), "s1", 0)
	if len(log) != 4 || log[3].Role != llm.RoleAssistant || log[3].Content != "Your name is Ada." {
		t.Errorf("history = %+v", log)
	}
}

func TestRespond_HistoryLimit(t *testing.T) {
	store := memory.New(0)
	for range 5 {
		_ = store.Append(t.Context(), "s1",
			history.Entry{Role: llm.RoleUser, Content: "q"},
			history.Entry{Role: llm.RoleAssistant, Content: "a"},
		)
	}
	p := &llmmock.Provider{}
	s := newService(t, p, WithHistory(store, 4))
	if _, err := s.Respond(t.Context(), "s1", "next"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got := len(p.Calls()[0].Req.Messages); got != 5 {
		t.Errorf("messages sent = %d, want 4 history + 1", got)
	}
}

func TestRespond_MultiTurn(t *testing.T) {
	store := memory.New(0)
	p := &llmmock.Provider{Replies: []string{"Hi, I am Ava.", "It is sunny."}}
	s := newService(t, p, WithHistory(store, 0))

	for _, q := range []string{"Hello!", "How is the weather?"} {
		if _, err := s.Respond(t.Context(), "s1", q); err != nil {
			t.Fatalf("Respond(%q): %v", q, err)
		}
	}

	second := p.Calls()[1].Req.Messages
	want := []string{"Hello!", "Hi, I am Ava.", "How is the weather?"}
	if len(second) != len(want) {
		t.Fatalf("second request has %d messages, want %d", len(second), len(want))
	}
	for i, w := range want {
		if second[i].Content != w {
			t.Errorf("message %d = %q, want %q", i, second[i].Content, w)
		}
	}
}

func TestReply_CallerCancels(t *testing.T) {
	p := &llmmock.Provider{Hold: make(chan struct{})}
	s := newService(t, p)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := s.Reply(ctx, []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
		done <- err
	}()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRespond_FailureNotRecorded(t *testing.T) {
	store := memory.New(0)
	s := newService(t, &llmmock.Provider{CompleteErr: errors.New("down")}, WithHistory(store, 0))

	reply, err := s.Respond(t.Context(), "s1", "hello")
	if err == nil || reply != Apology {
		t.Fatalf("Respond = %q, %v", reply, err)
	}
	log, _ := store.Recent(t.Context(), "s1", 0)
	if len(log) != 0 {
		t.Errorf("history = %+v, want empty", log)
	}
}

func TestRespond_EmptyText(t *testing.T) {
	s := newService(t, &llmmock.Provider{})
	if _, err := s.Respond(t.Context(), "s1", "   "); !errors.Is(err, ErrNoMessages) {
		t.Errorf("err = %v", err)
	}
}

func TestStripMarkdown(t *testing.T) {
	in := "# Persona\n\nYou are **Nova**, a friendly guide.\n\n- bullet one\n- bullet two\n\n## Style\nSpeak briefly.\n"
	want := "You are Nova, a friendly guide.\nSpeak briefly."
	if got := StripMarkdown(in); got != want {
		t.Errorf("StripMarkdown = %q, want %q", got, want)
	}
}

func TestLoadSystemPrompt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(path, []byte("# Title\nBe **kind**.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadSystemPrompt(path)
	if err != nil {
		t.Fatalf("LoadSystemPrompt: %v", err)
	}
	if got != "Be kind." {
		t.Errorf("prompt = %q", got)
	}

	if _, err := LoadSystemPrompt(filepath.Join(dir, "missing.md")); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(dir, "empty.md")
	_ = os.WriteFile(empty, []byte("# only a heading\n"), 0o644)
	if _, err := LoadSystemPrompt(empty); err == nil {
		t.Error("expected error for prompt without content")
	}
}

func TestWithSystemPrompt_IgnoresBlank(t *testing.T) {
	s := newService(t, &llmmock.Provider{}, WithSystemPrompt("  "))
	if s.SystemPrompt() != DefaultSystemPrompt {
		t.Errorf("prompt = %q", s.SystemPrompt())
	}
}
