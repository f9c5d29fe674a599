// Package gladia provides a Gladia-backed STT provider using the Gladia v2
// live transcription API. It implements the stt.Provider interface.
//
// A session is negotiated with POST /v2/live, which returns a one-time
// WebSocket URL. Audio is streamed as binary PCM16LE frames; transcripts
// arrive as JSON text frames.
package gladia

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatalk/pkg/provider/stt"
)

const (
	defaultBaseURL    = "https://api.gladia.io"
	defaultModel      = "solaria-1"
	defaultLanguage   = "en"
	defaultEncoding   = "wav/pcm"
	defaultSampleRate = 16000
	defaultBitDepth   = 16

	// stopTimeout bounds the polite stop message written on Close.
	stopTimeout = 2 * time.Second

	// maxErrorBody caps how much of a rejection body is kept.
	maxErrorBody = 4 << 10
)

// ErrSessionClosed is returned by SendAudio after the session ended.
var ErrSessionClosed = errors.New("gladia: session is closed")

// Option is a functional option for configuring the Gladia Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (scheme and host).
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets the HTTP client used for negotiation.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithModel sets the default recognition model (e.g. "solaria-1").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default recognition language (ISO 639-1).
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// Provider implements stt.Provider backed by the Gladia live API.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// New creates a new Gladia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gladia: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		language:   defaultLanguage,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- negotiation ----

type languageConfig struct {
	Languages     []string `json:"languages"`
	CodeSwitching bool     `json:"code_switching"`
}

type preProcessing struct {
	AudioEnhancer   bool    `json:"audio_enhancer"`
	SpeechThreshold float64 `json:"speech_threshold"`
}

type messagesConfig struct {
	ReceivePartialTranscripts bool `json:"receive_partial_transcripts"`
	ReceiveFinalTranscripts   bool `json:"receive_final_transcripts"`
}

// liveRequest is the body of POST /v2/live.
type liveRequest struct {
	Encoding                          string         `json:"encoding"`
	SampleRate                        int            `json:"sample_rate"`
	BitDepth                          int            `json:"bit_depth"`
	Channels                          int            `json:"channels"`
	Model                             string         `json:"model"`
	LanguageConfig                    languageConfig `json:"language_config"`
	Endpointing                       float64        `json:"endpointing,omitempty"`
	MaximumDurationWithoutEndpointing float64        `json:"maximum_duration_without_endpointing,omitempty"`
	PreProcessing                     preProcessing  `json:"pre_processing"`
	MessagesConfig                    messagesConfig `json:"messages_config"`
}

type liveResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// buildRequest fills the negotiation body from cfg and provider defaults.
func (p *Provider) buildRequest(cfg stt.StreamConfig) liveRequest {
	req := liveRequest{
		Encoding:   cfg.Encoding,
		SampleRate: cfg.SampleRate,
		BitDepth:   cfg.BitDepth,
		Channels:   cfg.Channels,
		Model:      cfg.Model,
		LanguageConfig: languageConfig{
			Languages:     cfg.Languages,
			CodeSwitching: cfg.CodeSwitching,
		},
		Endpointing:                       cfg.Endpointing.Seconds(),
		MaximumDurationWithoutEndpointing: cfg.MaxDurationWithoutEndpointing.Seconds(),
		PreProcessing: preProcessing{
			AudioEnhancer:   cfg.AudioEnhancer,
			SpeechThreshold: cfg.SpeechThreshold,
		},
		MessagesConfig: messagesConfig{
			ReceivePartialTranscripts: cfg.Partials,
			ReceiveFinalTranscripts:   true,
		},
	}
	if req.Encoding == "" {
		req.Encoding = defaultEncoding
	}
	if req.SampleRate == 0 {
		req.SampleRate = defaultSampleRate
	}
	if req.BitDepth == 0 {
		req.BitDepth = defaultBitDepth
	}
	if req.Channels == 0 {
		req.Channels = 1
	}
	if req.Model == "" {
		req.Model = p.model
	}
	if len(req.LanguageConfig.Languages) == 0 {
		req.LanguageConfig.Languages = []string{p.language}
	}
	return req
}

// Negotiate implements stt.Provider. A non-2xx answer is returned as
// *stt.StatusError.
func (p *Provider) Negotiate(ctx context.Context, cfg stt.StreamConfig) (stt.SessionDescriptor, error) {
	body, err := json.Marshal(p.buildRequest(cfg))
	if err != nil {
		return stt.SessionDescriptor{}, fmt.Errorf("gladia: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/live", bytes.NewReader(body))
	if err != nil {
		return stt.SessionDescriptor{}, fmt.Errorf("gladia: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gladia-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.SessionDescriptor{}, fmt.Errorf("gladia: negotiate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return stt.SessionDescriptor{}, &stt.StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	var lr liveResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return stt.SessionDescriptor{}, fmt.Errorf("gladia: decode response: %w", err)
	}
	if lr.URL == "" {
		return stt.SessionDescriptor{}, errors.New("gladia: negotiate: response has no url")
	}
	return stt.SessionDescriptor{ID: lr.ID, URL: lr.URL}, nil
}

// Dial implements stt.Provider. ctx bounds only the handshake; the session
// lives until Close or until the server drops the connection.
func (p *Provider) Dial(ctx context.Context, desc stt.SessionDescriptor) (stt.SessionHandle, error) {
	if desc.URL == "" {
		return nil, errors.New("gladia: dial: empty session url")
	}
	conn, _, err := websocket.Dial(ctx, desc.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("gladia: dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:      desc.ID,
		conn:    conn,
		events:  make(chan stt.Transcript, 64),
		audio:   make(chan []byte, 256),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	sess.writeWG.Add(1)
	go sess.writeLoop(loopCtx)
	go sess.readLoop(loopCtx)

	return sess, nil
}

// ---- session ----

// gladiaMessage is the envelope of every text frame sent by the server.
type gladiaMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Data    struct {
		IsFinal   bool `json:"is_final"`
		Utterance struct {
			Text       string  `json:"text"`
			Confidence float64 `json:"confidence"`
			Language   string  `json:"language"`
		} `json:"utterance"`
	} `json:"data"`
}

// session is a live Gladia streaming session. It implements stt.SessionHandle.
type session struct {
	id     string
	conn   *websocket.Conn
	events chan stt.Transcript
	audio  chan []byte

	closing   chan struct{} // closed by Close
	done      chan struct{} // closed when readLoop exits
	cancel    context.CancelFunc
	closeOnce sync.Once
	writeWG   sync.WaitGroup

	mu  sync.Mutex
	err error
}

// SendAudio queues a PCM frame for delivery.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	case <-s.done:
		return ErrSessionClosed
	}
}

// Events returns the ordered transcript channel.
func (s *session) Events() <-chan stt.Transcript { return s.events }

// Done is closed when the session has ended.
func (s *session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close flushes queued audio, sends stop_recording, and closes the socket.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.writeWG.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"stop_recording"}`)); err != nil {
			slog.Debug("gladia: stop_recording not delivered", "session", s.id, "err", err)
		}
		cancel()

		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		<-s.done
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages. On Close
// it drains whatever is already queued so frames are not lost.
func (s *session) writeLoop(ctx context.Context) {
	defer s.writeWG.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				slog.Debug("gladia: write failed", "session", s.id, "err", err)
				return
			}
		case <-s.closing:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives JSON messages and forwards transcripts in arrival order.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	for {
		typ, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.mu.Lock()
				s.err = fmt.Errorf("gladia: read: %w", err)
				s.mu.Unlock()
				s.cancel()
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		t, kind, err := parseMessage(msg)
		if err != nil {
			slog.Warn("gladia: dropping malformed message", "session", s.id, "err", err)
			continue
		}
		switch kind {
		case "transcript":
			t.ReceivedAt = time.Now()
			select {
			case s.events <- t:
			case <-ctx.Done():
				return
			}
		case "error":
			slog.Error("gladia: server error", "session", s.id, "message", t.Text)
		default:
			slog.Debug("gladia: ignoring message", "session", s.id, "type", kind)
		}
	}
}

// parseMessage decodes one text frame. It returns the message type and, for
// "transcript" messages, the transcript. For "error" messages the server's
// message is carried in Text.
func parseMessage(data []byte) (stt.Transcript, string, error) {
	var m gladiaMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return stt.Transcript{}, "", err
	}
	switch m.Type {
	case "transcript":
		return stt.Transcript{
			Text:       strings.TrimSpace(m.Data.Utterance.Text),
			IsFinal:    m.Data.IsFinal,
			Confidence: m.Data.Utterance.Confidence,
			Language:   m.Data.Utterance.Language,
		}, m.Type, nil
	case "error":
		return stt.Transcript{Text: m.Message}, m.Type, nil
	default:
		return stt.Transcript{}, m.Type, nil
	}
}
