// Package app wires all avatalk subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API and blocks, Reload applies hot config
// changes, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithInputDevice, WithOutputDevice, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/avatalk/internal/capture"
	"github.com/MrWong99/avatalk/internal/chat"
	"github.com/MrWong99/avatalk/internal/config"
	"github.com/MrWong99/avatalk/internal/health"
	"github.com/MrWong99/avatalk/internal/httpapi"
	"github.com/MrWong99/avatalk/internal/lipsync"
	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/resilience"
	"github.com/MrWong99/avatalk/internal/speech"
	"github.com/MrWong99/avatalk/internal/transcript"
	"github.com/MrWong99/avatalk/internal/utterance"
	"github.com/MrWong99/avatalk/internal/voice"
	"github.com/MrWong99/avatalk/pkg/audio"
	audiomalgo "github.com/MrWong99/avatalk/pkg/audio/malgo"
	"github.com/MrWong99/avatalk/pkg/audio/playback"
	"github.com/MrWong99/avatalk/pkg/avatar"
	"github.com/MrWong99/avatalk/pkg/history"
	historymem "github.com/MrWong99/avatalk/pkg/history/memory"
	historypg "github.com/MrWong99/avatalk/pkg/history/postgres"
	"github.com/MrWong99/avatalk/pkg/provider/llm"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

// playbackRate is the rate replies are rendered at on the speaker.
const playbackRate = 44100

// memoryHistoryFactor sizes the in-memory history relative to the number of
// messages sent with each request.
const memoryHistoryFactor = 10

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM         llm.Provider
	STT         stt.Provider
	TTS         tts.Provider
	TTSFallback tts.Provider
}

// App owns all subsystem lifetimes and orchestrates the avatar pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar

	// Injectable subsystems.
	history history.Store
	input   audio.InputDevice
	output  audio.OutputDevice
	decoder audio.Decoder
	scene   avatar.Scene

	// Subsystems are initialised in New and torn down in Shutdown.
	llm         *resilience.LLMFallback
	tts         *resilience.TTSFallback
	chat        *chat.Service
	capture     *capture.Pipeline
	transcriber *transcript.Manager
	buffer      *utterance.Buffer
	speech      *speech.Scheduler
	analyser    *lipsync.Analyser
	driver      *lipsync.Driver
	session     *voice.Session
	checks      []health.Checker
	server      *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a conversation store instead of creating one from
// config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// WithInputDevice injects the microphone instead of the miniaudio device.
func WithInputDevice(d audio.InputDevice) Option {
	return func(a *App) { a.input = d }
}

// WithOutputDevice injects the speaker instead of the system output.
func WithOutputDevice(d audio.OutputDevice) Option {
	return func(a *App) { a.output = d }
}

// WithDecoder injects the decoder for synthesized audio.
func WithDecoder(d audio.Decoder) Option {
	return func(a *App) { a.decoder = d }
}

// WithScene injects the avatar scene instead of loading avatar.model.
func WithScene(s avatar.Scene) Option {
	return func(a *App) { a.scene = s }
}

// WithHealthCheck adds a readiness check next to the ones the app derives
// from its own subsystems.
func WithHealthCheck(c health.Checker) Option {
	return func(a *App) { a.checks = append(a.checks, c) }
}

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets Reload change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: history store connection,
// provider failover groups, chat service, microphone pipeline, transcription
// manager, speech scheduler, lip-sync driver, voice session and HTTP server.
// Nothing is started until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: llm, stt and tts providers are required")
	}

	// ── 1. History ───────────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Provider failover + chat ──────────────────────────────────────
	if err := a.initChat(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init chat: %w", err)
	}

	// ── 3. Speech + lip-sync ─────────────────────────────────────────────
	if err := a.initSpeech(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init speech: %w", err)
	}
	if err := a.initLipSync(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init lipsync: %w", err)
	}

	// ── 4. Listening side + voice session ────────────────────────────────
	if err := a.initVoice(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init voice: %w", err)
	}

	// ── 5. HTTP API ──────────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory connects the PostgreSQL store or falls back to memory.
func (a *App) initHistory(ctx context.Context) error {
	if a.history != nil {
		return nil
	}
	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		a.history = historymem.New(a.cfg.History.MaxMessages * memoryHistoryFactor)
		return nil
	}

	store, err := historypg.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.history = store
	a.checks = append(a.checks, health.Optional(health.PingCheck("history", store)))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("conversation history stored in postgres")
	return nil
}

// initChat wraps the providers in failover groups and builds the chat
// service.
func (a *App) initChat() error {
	ps := a.cfg.Providers
	fc := resilience.FallbackConfig{
		Breaker: resilience.BreakerConfig{
			MaxFailures: ps.Breaker.MaxFailures,
			Cooldown:    ps.Breaker.Cooldown,
			Probes:      ps.Breaker.Probes,
		},
		Metrics: a.metrics,
	}
	a.llm = resilience.NewLLMFallback(ps.LLM.Name, a.providers.LLM, fc)
	a.tts = resilience.NewTTSFallback(ps.TTS.Name, a.providers.TTS, fc)
	if a.providers.TTSFallback != nil {
		a.tts.Add(ps.TTSFallback.Name, a.providers.TTSFallback)
	}
	a.checks = append(a.checks,
		health.BreakerCheck("llm", a.llm),
		health.BreakerCheck("tts", a.tts),
	)

	prompt := chat.DefaultSystemPrompt
	if path := a.cfg.Chat.SystemPromptFile; path != "" {
		p, err := chat.LoadSystemPrompt(path)
		if err != nil {
			slog.Warn("system prompt unavailable, using default", "path", path, "err", err)
		} else {
			prompt = p
		}
	}

	svc, err := chat.New(a.llm,
		chat.WithSystemPrompt(prompt),
		chat.WithHistory(a.history, a.cfg.History.MaxMessages),
		chat.WithMaxTokens(a.cfg.Chat.MaxTokens),
		chat.WithTemperature(a.cfg.Chat.Temperature),
		chat.WithMetrics(a.metrics),
		chat.WithProviderName(ps.LLM.Name),
	)
	if err != nil {
		return err
	}
	a.chat = svc
	return nil
}

// initSpeech builds the analyser tap and the speech scheduler.
func (a *App) initSpeech(ctx context.Context) error {
	lc := a.cfg.LipSync
	a.analyser = lipsync.NewAnalyser(lipsync.AnalyserConfig{
		FFTSize:    lc.FFTSize,
		Smoothing:  lc.Smoothing,
		SampleRate: playbackRate,
	})

	if a.output == nil {
		spk, err := playback.NewSpeaker(playbackRate)
		if err != nil {
			return err
		}
		a.output = spk
	}
	if a.decoder == nil {
		a.decoder = &playback.Decoder{SampleRate: playbackRate}
	}

	a.speech = speech.New(a.tts, a.decoder, a.output, a.speechConfig(),
		speech.WithTap(a.analyser),
		speech.WithMetrics(a.metrics),
		speech.WithProviderName(a.cfg.Providers.TTS.Name),
	)
	if q := a.cfg.Speech.Voice; q != "" {
		a.speech.SetVoice(resolveVoice(ctx, a.tts, q))
	}
	return nil
}

// speechConfig maps the speech section onto the scheduler config.
func (a *App) speechConfig() speech.Config {
	sc := a.cfg.Speech
	return speech.Config{
		MaxSentencesPerChunk: sc.MaxSentencesPerChunk,
		MaxConcurrency:       sc.MaxConcurrency,
		InterBatchDelay:      sc.InterBatchDelay,
		Gap:                  sc.Gap,
		PreloadNext:          sc.Preload(),
		MinTextLength:        sc.MinTextLength,
		Retry:                speech.RetryPolicy{Attempts: sc.RetryAttempts, Backoff: sc.RetryBackoff},
	}
}

// initLipSync loads the avatar and builds the driver. A model without
// viseme targets animates the fallback rig instead.
func (a *App) initLipSync() error {
	if a.scene == nil && a.cfg.Avatar.Model != "" {
		m, err := avatar.LoadGLTF(a.cfg.Avatar.Model)
		if err != nil {
			return err
		}
		a.scene = m
	}
	a.driver = lipsync.New(a.scene,
		lipsync.WithFrameRate(a.cfg.LipSync.FrameRate),
		lipsync.WithFallback(avatar.NewFallbackRig()),
	)
	slog.Info("avatar ready", "model", a.cfg.Avatar.Model, "morph_targets", a.driver.UsesMorphTargets())
	return nil
}

// initVoice builds the capture pipeline, transcription manager and
// utterance buffer and joins them in a voice session.
func (a *App) initVoice() error {
	cc := a.cfg.Capture
	if a.input == nil {
		a.input = audiomalgo.New(audiomalgo.WithDeviceName(cc.Device))
	}
	a.capture = capture.New(a.input, capture.Config{
		SampleRate:    cc.SampleRate,
		FrameSize:     cc.FrameSize,
		Gain:          cc.Gain,
		GateThreshold: cc.GateThreshold,
		GateMode:      cc.GateMode,
		MinSilence:    cc.MinSilence,
		BandLowHz:     cc.BandLowHz,
		BandHighHz:    cc.BandHighHz,
	}, capture.WithMetrics(a.metrics))

	tc := a.cfg.Transcript
	a.transcriber = transcript.New(a.providers.STT, transcript.Config{
		Stream: stt.StreamConfig{
			Encoding:    "wav/pcm",
			SampleRate:  cc.SampleRate,
			BitDepth:    16,
			Channels:    1,
			Model:       tc.Model,
			Languages:   []string{tc.Language},
			Endpointing: tc.Endpointing,
			Partials:    true,
		},
		MinConfidence:  tc.MinConfidence,
		ConnectTimeout: tc.ConnectTimeout,
	},
		transcript.WithMetrics(a.metrics),
		transcript.WithProviderName(a.cfg.Providers.STT.Name),
	)

	uc := a.cfg.Utterance
	a.buffer = utterance.New(utterance.Config{
		SilenceWindow: uc.SilenceWindow,
		MaxAge:        uc.MaxAge,
		TickInterval:  uc.TickInterval,
	}, utterance.WithMetrics(a.metrics))

	sc := a.cfg.Session
	sess, err := voice.New(voice.Components{
		Capture:     a.capture,
		Transcriber: a.transcriber,
		Buffer:      a.buffer,
		Chat:        a.chat,
		Speaker:     a.speech,
		Animator:    a.driver,
		Source:      a.analyser,
	}, voice.Config{
		Retry: voice.RetryPolicy{MaxRetries: sc.MaxRetries, Backoff: sc.Backoff, MaxBackoff: sc.MaxBackoff},
	}, voice.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	sess.OnStatus(func(st voice.State, status string) {
		slog.Info("voice status", "state", st, "status", status)
	})
	sess.OnPartial(func(text string) {
		slog.Debug("hearing", "text", text)
	})
	sess.OnReply(func(user, reply string) {
		slog.Info("conversation turn", "user", user, "reply", reply)
	})
	a.session = sess
	a.closers = append([]func() error{sess.Stop}, a.closers...)
	return nil
}

// initServer builds the HTTP server when a listen address is configured.
func (a *App) initServer() {
	if a.cfg.Server.ListenAddr == "" {
		return
	}
	api := httpapi.New(a.chat, a.tts,
		httpapi.WithSpeechConfig(a.speech.Config()),
		httpapi.WithSession(a.session),
		httpapi.WithProviderStatus("llm", a.llm),
		httpapi.WithProviderStatus("tts", a.tts),
		httpapi.WithHealth(health.New(a.checks...)),
		httpapi.WithMetrics(a.metrics),
	)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the hands-free voice session.
func (a *App) Session() *voice.Session { return a.session }

// Handler returns the HTTP API handler, or nil when the API is disabled.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and blocks until ctx is cancelled or the server
// fails. Without an HTTP API, or with session.auto_start, the voice session
// is started right away.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
		go func() {
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			} else {
				err = a.server.Serve(ln)
			}
			if !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("app: http server: %w", err)
			}
		}()
		slog.Info("http api listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	}

	if a.server == nil || a.cfg.Session.AutoStart {
		if err := a.session.Start(ctx); err != nil {
			// The session stays in Failed; it can be restarted through the
			// API when one is running.
			slog.Error("voice session failed to start", "err", err)
			if a.server == nil {
				return fmt.Errorf("app: start voice session: %w", err)
			}
		}
	}

	slog.Info("app running", "session_id", a.session.ID())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new. It is
// meant to be passed to [config.NewWatcher].
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
	}
	if d.GateThresholdChanged {
		a.capture.SetGateThreshold(d.NewGateThreshold)
	}
	if d.GainChanged {
		a.capture.SetGain(d.NewGain)
	}
	if d.GateModeChanged {
		a.capture.SetGateMode(new.Capture.GateMode)
	}
	if d.BandPassChanged {
		a.capture.ConfigureBandPass(new.Capture.BandLowHz, new.Capture.BandHighHz)
	}
	if d.SilenceWindowChanged {
		a.buffer.SetSilenceWindow(d.NewSilenceWindow)
	}
	if d.VoiceChanged {
		v := a.speech.Config().Voice
		if d.NewVoice != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			v = resolveVoice(ctx, a.tts, d.NewVoice)
			cancel()
		}
		a.speech.SetVoice(v)
	}
	a.cfg = new
	slog.Info("configuration applied",
		"log_level", d.LogLevelChanged,
		"gate_threshold", d.GateThresholdChanged,
		"gain", d.GainChanged,
		"gate_mode", d.GateModeChanged,
		"band_pass", d.BandPassChanged,
		"silence_window", d.SilenceWindowChanged,
		"voice", d.VoiceChanged,
	)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the HTTP server first, then the voice
// session, then the remaining closers. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		a.driver.Stop()

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// resolveVoice maps a configured voice id or name to a profile. When the
// voice list cannot be fetched or nothing matches, query is used as a raw id.
func resolveVoice(ctx context.Context, p tts.Provider, query string) tts.VoiceProfile {
	voices, err := p.ListVoices(ctx)
	if err != nil {
		slog.Warn("voice list unavailable, using configured id", "voice", query, "err", err)
		return tts.VoiceProfile{ID: query}
	}
	v, err := tts.ResolveVoice(voices, query)
	if err != nil {
		slog.Warn("voice not found, using configured id", "voice", query)
		return tts.VoiceProfile{ID: query}
	}
	slog.Info("voice selected", "id", v.ID, "name", v.Name)
	return v
}
