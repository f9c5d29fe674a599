package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/avatalk/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: bananas\n", "server.log_level"},
		{"tls half", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"sample rate", "capture:\n  sample_rate: 4000\n", "capture.sample_rate"},
		{"gate threshold", "capture:\n  gate_threshold: 1.5\n", "capture.gate_threshold"},
		{"gate mode", "capture:\n  gate_mode: mute\n", "capture.gate_mode"},
		{"band order", "capture:\n  band_low_hz: 3000\n  band_high_hz: 300\n", "capture.band_low_hz"},
		{"band nyquist", "capture:\n  band_low_hz: 100\n  band_high_hz: 9000\n", "capture.band_high_hz"},
		{"negative gain", "capture:\n  gain: -1\n", "capture.gain"},
		{"confidence", "transcript:\n  min_confidence: 1.2\n", "transcript.min_confidence"},
		{"max age", "utterance:\n  silence_window: 5s\n  max_age: 2s\n", "utterance.max_age"},
		{"retry attempts", "speech:\n  retry_attempts: -1\n", "speech.retry_attempts"},
		{"fft size", "lipsync:\n  fft_size: 300\n", "lipsync.fft_size"},
		{"smoothing", "lipsync:\n  smoothing: 1\n", "lipsync.smoothing"},
		{"frame rate", "lipsync:\n  frame_rate: 500\n", "lipsync.frame_rate"},
		{"temperature", "chat:\n  temperature: 3\n", "chat.temperature"},
		{"backoff", "session:\n  backoff: 10s\n  max_backoff: 1s\n", "session.backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: invalid
capture:
  gate_mode: mute
lipsync:
  fft_size: 100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"server.log_level", "capture.gate_mode", "lipsync.fft_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_NegativePausesAllowed(t *testing.T) {
	t.Parallel()
	yaml := `
speech:
  gap: -1ms
  inter_batch_delay: -1ms
session:
  max_retries: -1
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"stt", "llm", "tts"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  tts:
    name: my-custom-tts
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names should only warn, got: %v", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load(example.yaml) = %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Utterance.SilenceWindow != 1200*time.Millisecond {
		t.Errorf("silence_window = %v, want 1.2s", cfg.Utterance.SilenceWindow)
	}
	if !cfg.Speech.Preload() {
		t.Error("preload_next = false, want true")
	}
	if cfg.Session.AutoStart {
		t.Error("auto_start = true, want false")
	}
}

func TestLoadFromReader_AutoStart(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("session:\n  auto_start: true\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if !cfg.Session.AutoStart {
		t.Error("auto_start not decoded")
	}
}
