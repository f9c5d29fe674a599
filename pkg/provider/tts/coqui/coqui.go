// Package coqui synthesizes speech with a self-hosted Coqui TTS server. It is
// usually configured as the local fallback behind a hosted voice so the
// avatar keeps talking while the network provider is down.
//
// Two server flavours are supported. [APIModeStandard] talks to the stock
// tts-server image (GET /api/tts, voices from GET /details); [APIModeXTTS]
// talks to the XTTS v2 API server (POST /tts_to_audio/, voices from GET
// /studio_speakers). Both answer with WAV files, which are checked with the
// beep WAV decoder before they are handed to playback.
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// errBodyLimit caps how much of an error response is kept.
	errBodyLimit = 512
)

var (
	// ErrNoVoice is returned in XTTS mode, where every request needs a
	// reference speaker.
	ErrNoVoice = errors.New("coqui: xtts needs a voice id")
	// ErrBadAudio is returned when the server answers with something that
	// is not a playable WAV file.
	ErrBadAudio = errors.New("coqui: response is not playable audio")
)

// APIMode selects the server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// IsValid reports whether m is a known API mode.
func (m APIMode) IsValid() bool {
	_, ok := apis[m]
	return ok
}

// api is one server flavour.
type api interface {
	synthesis(ctx context.Context, base, text, voice, lang string) (*http.Request, error)
	voicesPath() string
	voices(body io.Reader) ([]tts.VoiceProfile, error)
	needsVoice() bool
}

var apis = map[APIMode]api{
	APIModeStandard: standardAPI{},
	APIModeXTTS:     xttsAPI{},
}

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent with every request.
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithTimeout bounds each request to the server.
func WithTimeout(d time.Duration) Option { return func(p *Provider) { p.client.Timeout = d } }

// WithAPIMode selects the server flavour. Default: [APIModeStandard].
func WithAPIMode(m APIMode) Option { return func(p *Provider) { p.mode = m } }

// WithHTTPClient replaces the HTTP client. A timeout set with WithTimeout
// afterwards applies to it.
func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.client = c } }

// Provider implements [tts.Provider]. It is safe for concurrent use.
type Provider struct {
	base     string
	language string
	mode     APIMode
	api      api
	client   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New returns a provider for the server at base, e.g. http://localhost:5002.
func New(base string, opts ...Option) (*Provider, error) {
	if base == "" {
		return nil, errors.New("coqui: server url required")
	}
	p := &Provider{
		base:     strings.TrimRight(base, "/"),
		language: defaultLanguage,
		mode:     APIModeStandard,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	a, ok := apis[p.mode]
	if !ok {
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
	}
	p.api = a
	return p, nil
}

// Synthesize renders text and returns the server's WAV file.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("coqui: empty text")
	}
	if voice.ID == "" && p.api.needsVoice() {
		return nil, ErrNoVoice
	}

	req, err := p.api.synthesis(ctx, p.base, text, voice.ID, p.language)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	if err := checkWAV(body); err != nil {
		return nil, err
	}
	return body, nil
}

// ListVoices returns the speakers the server offers, sorted by id. A
// single-speaker model is listed as one voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+p.api.voicesPath(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	voices, err := p.api.voices(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("coqui: decode %s: %w", p.api.voicesPath(), err)
	}
	slices.SortFunc(voices, func(a, b tts.VoiceProfile) int { return strings.Compare(a.ID, b.ID) })
	return voices, nil
}

// do sends req and returns the body of a 200 response. Other statuses
// become a [tts.StatusError].
func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, &tts.StatusError{
			Provider:   "coqui",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		})
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read %s: %w", req.URL.Path, err)
	}
	return body, nil
}

// checkWAV decodes the header of data and makes sure it carries samples.
func checkWAV(data []byte) error {
	s, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadAudio, err)
	}
	defer s.Close()
	if format.SampleRate <= 0 || s.Len() == 0 {
		return fmt.Errorf("%w: no samples", ErrBadAudio)
	}
	return nil
}

// ─── standard server ───

type standardAPI struct{}

func (standardAPI) needsVoice() bool   { return false }
func (standardAPI) voicesPath() string { return "/details" }

func (standardAPI) synthesis(ctx context.Context, base, text, voice, lang string) (*http.Request, error) {
	q := url.Values{"text": {text}}
	if voice != "" {
		q.Set("speaker_id", voice)
	}
	if lang != "" {
		q.Set("language_id", lang)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tts?"+q.Encode(), nil)
}

func (standardAPI) voices(body io.Reader) ([]tts.VoiceProfile, error) {
	var details struct {
		ModelName string   `json:"model_name"`
		Speakers  []string `json:"speakers"`
	}
	if err := json.NewDecoder(body).Decode(&details); err != nil {
		return nil, err
	}
	if len(details.Speakers) == 0 {
		name := cmp.Or(details.ModelName, "default")
		return []tts.VoiceProfile{voice(name, "single-speaker", name)}, nil
	}
	out := make([]tts.VoiceProfile, 0, len(details.Speakers))
	for _, s := range details.Speakers {
		out = append(out, voice(s, "speaker", details.ModelName))
	}
	return out, nil
}

// ─── XTTS server ───

type xttsAPI struct{}

func (xttsAPI) needsVoice() bool   { return true }
func (xttsAPI) voicesPath() string { return "/studio_speakers" }

// xttsRequest is the body of POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

func (xttsAPI) synthesis(ctx context.Context, base, text, voice, lang string) (*http.Request, error) {
	data, err := json.Marshal(xttsRequest{Text: text, SpeakerWav: voice, Language: lang})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tts_to_audio/", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (xttsAPI) voices(body io.Reader) ([]tts.VoiceProfile, error) {
	var speakers map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&speakers); err != nil {
		return nil, err
	}
	out := make([]tts.VoiceProfile, 0, len(speakers))
	for name := range speakers {
		out = append(out, voice(name, "studio", ""))
	}
	return out, nil
}

func voice(id, kind, model string) tts.VoiceProfile {
	meta := map[string]string{"type": kind}
	if model != "" {
		meta["model_name"] = model
	}
	return tts.VoiceProfile{ID: id, Name: id, Provider: "coqui", Metadata: meta}
}
