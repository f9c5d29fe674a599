package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/avatalk/internal/chat"
	"github.com/MrWong99/avatalk/internal/lipsync"
	"github.com/MrWong99/avatalk/internal/resilience"
	"github.com/MrWong99/avatalk/internal/sad"
	"github.com/MrWong99/avatalk/internal/speech"
	"github.com/MrWong99/avatalk/internal/transcript"
	"github.com/MrWong99/avatalk/internal/utterance"
	"github.com/MrWong99/avatalk/internal/voice"
)

// Environment variables that override credentials from the config file.
const (
	EnvGladiaKey     = "GLADIA_API_KEY"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvElevenLabsKey = "ELEVENLABS_API_KEY"
	EnvPostgresDSN   = "AVATALK_POSTGRES_DSN"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"gladia"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv copies credentials from the environment into cfg. lookup is
// usually [os.LookupEnv]; set but empty variables are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return v, ok && v != ""
	}
	if v, ok := get(EnvGladiaKey); ok && (cfg.Providers.STT.Name == "" || cfg.Providers.STT.Name == "gladia") {
		cfg.Providers.STT.APIKey = v
	}
	if v, ok := get(EnvOpenAIKey); ok && (cfg.Providers.LLM.Name == "" || cfg.Providers.LLM.Name == "openai") {
		cfg.Providers.LLM.APIKey = v
	}
	if v, ok := get(EnvElevenLabsKey); ok && (cfg.Providers.TTS.Name == "" || cfg.Providers.TTS.Name == "elevenlabs") {
		cfg.Providers.TTS.APIKey = v
	}
	if v, ok := get(EnvPostgresDSN); ok {
		cfg.History.PostgresDSN = v
	}
}

// ApplyDefaults fills every unset field with its default. Fields where the
// zero value is meaningful (negative pauses, zero retries) are left alone.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	setDefault(&cfg.Providers.STT.Name, "gladia")
	setDefault(&cfg.Providers.LLM.Name, "openai")
	setDefault(&cfg.Providers.TTS.Name, "elevenlabs")
	b := &cfg.Providers.Breaker
	setDefault(&b.MaxFailures, resilience.DefaultMaxFailures)
	setDefault(&b.Cooldown, resilience.DefaultCooldown)
	setDefault(&b.Probes, resilience.DefaultProbes)

	c := &cfg.Capture
	setDefault(&c.SampleRate, 16000)
	setDefault(&c.FrameSize, 4096)
	setDefault(&c.Gain, 1)
	setDefault(&c.GateThreshold, sad.DefaultThreshold)
	setDefault(&c.GateMode, sad.GateZero)
	setDefault(&c.MinSilence, sad.DefaultMinSilence)

	t := &cfg.Transcript
	setDefault(&t.Language, "en")
	setDefault(&t.MinConfidence, transcript.DefaultMinConfidence)
	setDefault(&t.ConnectTimeout, transcript.DefaultConnectTimeout)

	u := &cfg.Utterance
	setDefault(&u.SilenceWindow, utterance.DefaultSilenceWindow)
	setDefault(&u.MaxAge, utterance.DefaultMaxAge)
	setDefault(&u.TickInterval, utterance.DefaultTickInterval)

	s := &cfg.Speech
	setDefault(&s.MaxSentencesPerChunk, speech.DefaultMaxSentencesPerChunk)
	setDefault(&s.MaxConcurrency, speech.DefaultMaxConcurrency)
	setDefault(&s.InterBatchDelay, speech.DefaultInterBatchDelay)
	setDefault(&s.Gap, speech.DefaultGap)
	setDefault(&s.MinTextLength, speech.DefaultMinTextLength)

	l := &cfg.LipSync
	setDefault(&l.FrameRate, lipsync.DefaultFrameRate)
	setDefault(&l.FFTSize, lipsync.DefaultFFTSize)
	setDefault(&l.Smoothing, lipsync.DefaultSmoothing)

	ch := &cfg.Chat
	setDefault(&ch.MaxTokens, chat.DefaultMaxTokens)
	setDefault(&ch.Temperature, chat.DefaultTemperature)
	setDefault(&cfg.History.MaxMessages, chat.DefaultHistoryLimit)

	ss := &cfg.Session
	setDefault(&ss.MaxRetries, voice.DefaultMaxRetries)
	setDefault(&ss.Backoff, voice.DefaultBackoff)
	setDefault(&ss.MaxBackoff, voice.DefaultMaxBackoff)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Validate expects defaults to have been applied.
func Validate(cfg *Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		bad("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		bad("server.tls requires both cert_file and key_file")
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("tts", cfg.Providers.TTSFallback.Name)
	if cfg.Providers.TTSFallback.Name != "" && cfg.Providers.TTSFallback.Name == cfg.Providers.TTS.Name &&
		cfg.Providers.TTSFallback.BaseURL == cfg.Providers.TTS.BaseURL {
		slog.Warn("providers.tts_fallback is identical to providers.tts; fallback will not help")
	}
	if b := cfg.Providers.Breaker; b.MaxFailures < 1 || b.Probes < 1 || b.Cooldown <= 0 {
		bad("providers.breaker needs max_failures and probes of at least 1 and a positive cooldown")
	}

	// Capture
	c := cfg.Capture
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		bad("capture.sample_rate %d is out of range [8000, 48000]", c.SampleRate)
	}
	if c.FrameSize <= 0 {
		bad("capture.frame_size must be positive")
	}
	if c.Gain < 0 {
		bad("capture.gain %.2f must not be negative", c.Gain)
	}
	if c.GateThreshold <= 0 || c.GateThreshold > 1 {
		bad("capture.gate_threshold %.4f is out of range (0, 1]", c.GateThreshold)
	}
	if !c.GateMode.IsValid() {
		bad("capture.gate_mode %q is invalid; valid values: zero, tag", c.GateMode)
	}
	if c.BandLowHz != 0 || c.BandHighHz != 0 {
		if c.BandLowHz < 0 || c.BandHighHz <= c.BandLowHz {
			bad("capture.band_low_hz %.0f must be below band_high_hz %.0f", c.BandLowHz, c.BandHighHz)
		}
		if nyquist := float64(c.SampleRate) / 2; c.BandHighHz >= nyquist {
			bad("capture.band_high_hz %.0f must be below half the sample rate (%.0f)", c.BandHighHz, nyquist)
		}
	}
	if c.MinSilence < 0 {
		bad("capture.min_silence must not be negative")
	}

	// Transcript
	if cfg.Transcript.MinConfidence > 1 {
		bad("transcript.min_confidence %.2f is above 1", cfg.Transcript.MinConfidence)
	}
	if cfg.Transcript.Endpointing < 0 {
		bad("transcript.endpointing must not be negative")
	}

	// Utterance
	u := cfg.Utterance
	if u.SilenceWindow <= 0 || u.TickInterval <= 0 {
		bad("utterance.silence_window and utterance.tick_interval must be positive")
	}
	if u.MaxAge < u.SilenceWindow {
		bad("utterance.max_age %s is shorter than silence_window %s", u.MaxAge, u.SilenceWindow)
	}

	// Speech
	s := cfg.Speech
	if s.MaxSentencesPerChunk < 1 {
		bad("speech.max_sentences_per_chunk must be at least 1")
	}
	if s.MaxConcurrency < 1 {
		bad("speech.max_concurrency must be at least 1")
	}
	if s.RetryAttempts < 0 || s.RetryBackoff < 0 {
		bad("speech.retry_attempts and speech.retry_backoff must not be negative")
	}
	if s.MinTextLength < 0 {
		bad("speech.min_text_length must not be negative")
	}

	// Lip-sync
	l := cfg.LipSync
	if l.FrameRate < 1 || l.FrameRate > 240 {
		bad("lipsync.frame_rate %d is out of range [1, 240]", l.FrameRate)
	}
	if l.FFTSize < 32 || l.FFTSize > 32768 || l.FFTSize&(l.FFTSize-1) != 0 {
		bad("lipsync.fft_size %d must be a power of two in [32, 32768]", l.FFTSize)
	}
	if l.Smoothing < 0 || l.Smoothing >= 1 {
		bad("lipsync.smoothing %.2f is out of range [0, 1)", l.Smoothing)
	}

	// Chat
	if cfg.Chat.MaxTokens < 1 {
		bad("chat.max_tokens must be at least 1")
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		bad("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature)
	}
	if cfg.History.MaxMessages < 0 {
		bad("history.max_messages must not be negative")
	}
	if cfg.History.PostgresDSN == "" {
		slog.Debug("history.postgres_dsn is empty; conversation history is kept in memory")
	}

	// Session
	ss := cfg.Session
	if ss.Backoff <= 0 || ss.MaxBackoff < ss.Backoff {
		bad("session.backoff %s must be positive and not above max_backoff %s", ss.Backoff, ss.MaxBackoff)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
