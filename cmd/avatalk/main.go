// Command avatalk is the main entry point for the avatalk conversational
// avatar server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/avatalk/internal/app"
	"github.com/MrWong99/avatalk/internal/config"
	"github.com/MrWong99/avatalk/internal/health"
	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/pkg/provider/llm"
	"github.com/MrWong99/avatalk/pkg/provider/llm/anyllm"
	"github.com/MrWong99/avatalk/pkg/provider/llm/openai"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
	"github.com/MrWong99/avatalk/pkg/provider/stt/gladia"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
	"github.com/MrWong99/avatalk/pkg/provider/tts/coqui"
	"github.com/MrWong99/avatalk/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "avatalk: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "avatalk: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("avatalk starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "avatalk"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	// ── Config hot reload ─────────────────────────────────────────────────────
	// The watcher only calls back once Run starts, after the app exists.
	var application *app.App
	appOpts := []app.Option{app.WithLogLevel(&level)}
	var watcher *config.Watcher
	if *watch {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) { application.Reload(old, new) })
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
			watcher = nil
		} else {
			appOpts = append(appOpts, app.WithHealthCheck(health.Optional(health.Checker{
				Name:  "config",
				Check: func(context.Context) error { return watcher.Status().Rejected },
			})))
		}
	}

	application, err = app.New(ctx, cfg, providers, appOpts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if w := watcher; w != nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					w.Trigger()
				}
			}
		}()
		go func() {
			if err := w.Run(ctx); err != nil {
				slog.Warn("config watcher stopped", "err", err)
			}
		}()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// cfg supplies defaults shared with the pipeline, such as the transcription
// language.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other chat backend goes through any-llm-go; "openai" keeps the
	// dedicated client above.
	for _, providerName := range anyllm.Names() {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("gladia", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []gladia.Option
		if entry.Model != "" {
			opts = append(opts, gladia.WithModel(entry.Model))
		}
		lang := optString(entry.Options, "language")
		if lang == "" {
			lang = cfg.Transcript.Language
		}
		if lang != "" {
			opts = append(opts, gladia.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gladia.WithBaseURL(entry.BaseURL))
		}
		return gladia.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if id := optString(entry.Options, "voice_id"); id != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(id))
		}
		if f := optString(entry.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if n, ok := optInt(entry.Options, "latency"); ok {
			opts = append(opts, elevenlabs.WithLatency(n))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if ps.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if ps.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if name := cfg.Providers.TTSFallback.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTSFallback)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown fallback provider, skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts fallback provider %q: %w", name, err)
		} else {
			ps.TTSFallback = p
			slog.Info("provider created", "kind", "tts_fallback", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        avatalk · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("TTS fallback", cfg.Providers.TTSFallback.Name, cfg.Providers.TTSFallback.Model)
	printRow("Avatar", orDefault(cfg.Avatar.Model, "(fallback rig)"))
	printRow("History", historyKind(cfg))
	printRow("Listen addr", orDefault(cfg.Server.ListenAddr, "(API disabled)"))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func historyKind(cfg *config.Config) string {
	if cfg.History.PostgresDSN != "" {
		return "postgres"
	}
	return "memory"
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// optInt reads an integer option. YAML decodes small numbers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
