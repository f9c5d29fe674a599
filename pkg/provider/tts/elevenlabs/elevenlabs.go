// Package elevenlabs synthesizes speech with the ElevenLabs REST API and
// returns MPEG audio for the playback decoder.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_multilingual_v2"
	defaultFormat  = "mp3_44100_128"
	defaultTimeout = 30 * time.Second

	// DefaultVoiceID is used when a synthesis request carries no voice.
	DefaultVoiceID = "Nq705LUoPRICK1U4GVme"

	errBodyLimit = 512
)

var (
	ErrNoAPIKey = errors.New("elevenlabs: api key required")
	// ErrBadAudio is returned when a 200 response does not start like an
	// MPEG stream.
	ErrBadAudio = errors.New("elevenlabs: response is not mpeg audio")
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model id, e.g. "eleven_flash_v2_5".
func WithModel(model string) Option { return func(p *Provider) { p.model = model } }

// WithBaseURL points the provider at another API host.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.base = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.client = c } }

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option { return func(p *Provider) { p.client.Timeout = d } }

// WithVoiceSettings sets the settings used when a voice profile carries none.
func WithVoiceSettings(s tts.VoiceSettings) Option { return func(p *Provider) { p.settings = s } }

// WithDefaultVoice sets the voice used when a request carries no voice id.
func WithDefaultVoice(id string) Option { return func(p *Provider) { p.voice = id } }

// WithOutputFormat selects one of the mp3_* output formats, e.g.
// "mp3_22050_32" for low bandwidth.
func WithOutputFormat(f string) Option { return func(p *Provider) { p.format = f } }

// WithLatency trades quality for time to first byte, 0 (off) to 4 (max).
func WithLatency(level int) Option { return func(p *Provider) { p.latency = level } }

// Provider implements [tts.Provider]. It is safe for concurrent use.
type Provider struct {
	key      string
	base     string
	model    string
	voice    string
	format   string
	latency  int
	settings tts.VoiceSettings
	client   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New returns a provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	p := &Provider{
		key:      apiKey,
		base:     defaultBaseURL,
		model:    defaultModel,
		voice:    DefaultVoiceID,
		format:   defaultFormat,
		settings: tts.DefaultVoiceSettings,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if !strings.HasPrefix(p.format, "mp3_") {
		return nil, fmt.Errorf("elevenlabs: output format %q is not mp3", p.format)
	}
	if p.latency < 0 || p.latency > 4 {
		return nil, fmt.Errorf("elevenlabs: latency %d out of range [0, 4]", p.latency)
	}
	return p, nil
}

// ─── synthesis ───

// synthesisRequest is the body of POST /v1/text-to-speech/{voice}.
type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// Synthesize renders text and returns the MP3 payload. The profile's
// settings win over the provider's.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("elevenlabs: empty text")
	}
	s := p.settings
	if voice.Settings != nil {
		s = *voice.Settings
	}
	body, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: p.model,
		VoiceSettings: voiceSettings{
			Stability:       s.Stability,
			SimilarityBoost: s.SimilarityBoost,
			Style:           s.Style,
			UseSpeakerBoost: s.SpeakerBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.synthesisURL(voice.ID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	audio, err := p.do(req)
	if err != nil {
		return nil, err
	}
	if !isMPEG(audio) {
		return nil, ErrBadAudio
	}
	return audio, nil
}

func (p *Provider) synthesisURL(voiceID string) string {
	if voiceID == "" {
		voiceID = p.voice
	}
	q := url.Values{"output_format": {p.format}}
	if p.latency > 0 {
		q.Set("optimize_streaming_latency", strconv.Itoa(p.latency))
	}
	return p.base + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "?" + q.Encode()
}

// isMPEG reports whether data starts with an ID3 tag or an MPEG frame sync.
func isMPEG(data []byte) bool {
	if len(data) >= 3 && string(data[:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

// ─── voices ───

type voiceEntry struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns the voices the API key can use, sorted by name.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	var list struct {
		Voices []voiceEntry `json:"voices"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}
	out := make([]tts.VoiceProfile, 0, len(list.Voices))
	for _, v := range list.Voices {
		out = append(out, v.profile())
	}
	slices.SortStableFunc(out, func(a, b tts.VoiceProfile) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// profile copies the labels into the metadata and adds the category.
func (v voiceEntry) profile() tts.VoiceProfile {
	meta := make(map[string]string, len(v.Labels)+1)
	for k, val := range v.Labels {
		meta[k] = val
	}
	if v.Category != "" {
		meta["category"] = v.Category
	}
	return tts.VoiceProfile{ID: v.VoiceID, Name: v.Name, Provider: "elevenlabs", Metadata: meta}
}

// do authenticates and sends req and returns the body of a 200 response.
// Other statuses become a [tts.StatusError].
func (p *Provider) do(req *http.Request) ([]byte, error) {
	req.Header.Set("xi-api-key", p.key)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return nil, fmt.Errorf("elevenlabs: %s %s: %w", req.Method, req.URL.Path, &tts.StatusError{
			Provider:   "elevenlabs",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		})
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read %s: %w", req.URL.Path, err)
	}
	return body, nil
}
