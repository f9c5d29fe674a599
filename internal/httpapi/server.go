// Package httpapi exposes the avatar's chat, speech and session controls over
// HTTP.
//
// Routes:
//
//   - POST /api/chat: {message, history} → {reply}
//   - POST /api/speech: {text, voiceId} → encoded audio
//   - POST /api/speech-chunked: chunk list as JSON, or server-sent events
//     when the client accepts text/event-stream
//   - GET /api/voices: available synthesis voices
//   - GET /api/status: voice session state and provider health
//   - POST /api/session/{action}: start, pause, resume or stop the session
//   - /healthz, /readyz, /metrics
//
// Every route is wrapped with [observe.Middleware].
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/avatalk/internal/health"
	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/resilience"
	"github.com/MrWong99/avatalk/internal/speech"
	"github.com/MrWong99/avatalk/internal/voice"
	"github.com/MrWong99/avatalk/pkg/provider/llm"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// voiceCacheTTL is how long the provider's voice list is reused before it is
// fetched again.
const voiceCacheTTL = 5 * time.Minute

// Chatter produces replies. It is satisfied by *chat.Service.
type Chatter interface {
	Reply(ctx context.Context, messages []llm.Message) (string, error)
}

// Session is the hands-free voice session controlled through the API. It is
// satisfied by *voice.Session.
type Session interface {
	ID() string
	Status() (voice.State, string)
	Start(ctx context.Context) error
	Pause() error
	Resume() error
	Stop() error
}

// ProviderStatus is satisfied by the provider fallback groups.
type ProviderStatus interface {
	Status() []resilience.ProviderStatus
}

// Option configures a [Server].
type Option func(*Server)

// WithSpeechConfig sets the chunking and concurrency settings used by
// /api/speech-chunked. Default: [speech.DefaultConfig].
func WithSpeechConfig(cfg speech.Config) Option {
	return func(s *Server) { s.speech = cfg }
}

// WithSession enables /api/status session fields and /api/session/{action}.
func WithSession(sess Session) Option {
	return func(s *Server) { s.session = sess }
}

// WithProviderStatus adds a provider group to /api/status under kind
// (e.g. "llm", "tts").
func WithProviderStatus(kind string, p ProviderStatus) Option {
	return func(s *Server) { s.providers[kind] = p }
}

// WithHealth sets the handler serving /healthz and /readyz. Default: a
// handler without readiness checks.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics overrides the metrics instance used by the request middleware.
// Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler overrides the /metrics handler. Default:
// [promhttp.Handler], which serves the registry the OpenTelemetry Prometheus
// exporter writes to.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// Server holds the HTTP handlers. Create it with [New] and mount
// [Server.Handler].
type Server struct {
	chat           Chatter
	tts            tts.Provider
	speech         speech.Config
	session        Session
	providers      map[string]ProviderStatus
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler

	voiceFetch   singleflight.Group
	voiceMu      sync.Mutex
	voices       []tts.VoiceProfile
	voicesLoaded time.Time
}

// New creates a Server answering chat requests with chat and synthesizing
// speech with provider.
func New(chat Chatter, provider tts.Provider, opts ...Option) *Server {
	s := &Server{
		chat:      chat,
		tts:       provider,
		speech:    speech.DefaultConfig(),
		providers: make(map[string]ProviderStatus),
	}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	return s
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/speech", s.handleSpeech)
	mux.HandleFunc("POST /api/speech-chunked", s.handleSpeechChunked)
	mux.HandleFunc("GET /api/voices", s.handleVoices)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/session/{action}", s.handleSession)
	s.health.Register(mux)
	mux.Handle("GET /metrics", s.metricsHandler)
	return observe.Middleware(s.metrics)(mux)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
	// Reply carries the spoken fallback when chat generation failed.
	Reply string `json:"reply,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
