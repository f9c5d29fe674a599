package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/resilience"
	"github.com/MrWong99/avatalk/internal/speech"
	"github.com/MrWong99/avatalk/internal/voice"
	"github.com/MrWong99/avatalk/pkg/provider/llm"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

// ─── chat ────────────────────────────────────────────────────────────────────

type chatRequest struct {
	Message string        `json:"message"`
	History []llm.Message `json:"history"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	for _, m := range req.History {
		if !llm.ValidRole(m.Role) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid history role %q", m.Role))
			return
		}
	}

	messages := append(slices.Clip(req.History), llm.Message{Role: llm.RoleUser, Content: msg})
	reply, err := s.chat.Reply(r.Context(), messages)
	if err != nil {
		observe.Logger(r.Context()).Warn("httpapi: chat failed", "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "failed to generate response", Reply: reply})
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
}

// ─── speech ──────────────────────────────────────────────────────────────────

type speechRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`

	// Chunked requests only.
	Streaming            bool `json:"streaming"`
	MaxSentencesPerChunk int  `json:"maxSentencesPerChunk"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if !decode(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	vp := s.resolveVoice(r.Context(), req.VoiceID)
	data, err := s.tts.Synthesize(r.Context(), text, vp)
	if err != nil {
		observe.Logger(r.Context()).Warn("httpapi: speech failed", "voice", vp.ID, "err", err)
		writeError(w, http.StatusBadGateway, "failed to generate speech")
		return
	}
	w.Header().Set("Content-Type", mimeType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type chunkJSON struct {
	Index     int    `json:"index"`
	Text      string `json:"text"`
	AudioData []byte `json:"audioData"`
	MimeType  string `json:"mimeType"`
}

type chunkedResponse struct {
	Chunks      []chunkJSON `json:"chunks"`
	TotalChunks int         `json:"totalChunks"`
	TextLength  int         `json:"textLength"`
}

// chunkEvent is one server-sent event of a streamed chunked reply. Exactly
// one of the groups of fields is set: a chunk, the completion marker or an
// error.
type chunkEvent struct {
	Chunk       *int   `json:"chunk,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	AudioData   []byte `json:"audioData,omitempty"`
	Text        string `json:"text,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Complete    bool   `json:"complete,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleSpeechChunked(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if !decode(w, r, &req) {
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	cfg := s.speech
	cfg.Voice = s.resolveVoice(r.Context(), req.VoiceID)
	if req.MaxSentencesPerChunk > 0 {
		cfg.MaxSentencesPerChunk = req.MaxSentencesPerChunk
	}
	// Synthesis only; no decoder or output device is needed.
	sched := speech.New(s.tts, nil, nil, cfg, speech.WithMetrics(s.metrics))

	if req.Streaming || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamChunks(w, r, sched, text)
		return
	}

	chunks, err := sched.SynthesizeAll(r.Context(), sched.Chunks(text))
	if err != nil {
		status := http.StatusBadGateway
		if r.Context().Err() != nil {
			status = http.StatusServiceUnavailable
		}
		observe.Logger(r.Context()).Warn("httpapi: chunked speech failed", "err", err)
		writeError(w, status, err.Error())
		return
	}
	resp := chunkedResponse{
		Chunks:      make([]chunkJSON, len(chunks)),
		TotalChunks: len(chunks),
		TextLength:  len([]rune(text)),
	}
	for i, c := range chunks {
		resp.Chunks[i] = chunkJSON{Index: c.Index, Text: c.Text, AudioData: c.Audio, MimeType: mimeType(c.Audio)}
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChunks writes each chunk as a server-sent event as soon as it is
// ready in order, then a completion or error event.
func (s *Server) streamChunks(w http.ResponseWriter, r *http.Request, sched *speech.Scheduler, text string) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	log := observe.Logger(r.Context())
	sent := 0
	for c := range sched.Stream(r.Context(), text) {
		idx := c.Index
		ev := chunkEvent{Chunk: &idx, TotalChunks: -1, AudioData: c.Audio, Text: c.Text, MimeType: mimeType(c.Audio)}
		if err := writeEvent(w, rc, ev); err != nil {
			log.Debug("httpapi: event stream closed", "err", err)
			return
		}
		sent++
	}
	if r.Context().Err() != nil {
		return
	}

	final := chunkEvent{Complete: true, TotalChunks: sent}
	if sent == 0 {
		final = chunkEvent{Error: speech.ErrNoPlayableChunks.Error()}
	}
	if err := writeEvent(w, rc, final); err != nil {
		log.Debug("httpapi: event stream closed", "err", err)
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev chunkEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

// mimeType reports the container of synthesized audio. Coqui answers with
// WAV; everything else is MP3.
func mimeType(data []byte) string {
	if len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return "audio/wav"
	}
	return "audio/mpeg"
}

// ─── voices ──────────────────────────────────────────────────────────────────

type voiceJSON struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Provider string            `json:"provider,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.listVoices(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("httpapi: list voices failed", "err", err)
		writeError(w, http.StatusBadGateway, "failed to list voices")
		return
	}
	out := make([]voiceJSON, len(voices))
	for i, v := range voices {
		out[i] = voiceJSON{ID: v.ID, Name: v.Name, Provider: v.Provider, Metadata: v.Metadata}
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": out})
}

// listVoices returns the provider's voices, reusing the last successful
// answer for voiceCacheTTL. Concurrent misses share one provider call, and
// each caller stops waiting when its own ctx ends.
func (s *Server) listVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	s.voiceMu.Lock()
	cached, loaded := s.voices, s.voicesLoaded
	s.voiceMu.Unlock()
	if cached != nil && time.Since(loaded) < voiceCacheTTL {
		return cached, nil
	}

	ch := s.voiceFetch.DoChan("voices", func() (any, error) {
		voices, err := s.tts.ListVoices(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.voiceMu.Lock()
		s.voices, s.voicesLoaded = voices, time.Now()
		s.voiceMu.Unlock()
		return voices, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]tts.VoiceProfile), nil
	}
}

// resolveVoice maps a requested voice id or name to a profile. Unknown
// queries are passed through as a raw voice id; an empty query selects the
// configured voice.
func (s *Server) resolveVoice(ctx context.Context, query string) tts.VoiceProfile {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.speech.Voice
	}
	voices, err := s.listVoices(ctx)
	if err != nil {
		observe.Logger(ctx).Debug("httpapi: voice list unavailable, using raw id", "voice", query, "err", err)
		return tts.VoiceProfile{ID: query}
	}
	v, err := tts.ResolveVoice(voices, query)
	if err != nil {
		return tts.VoiceProfile{ID: query}
	}
	return v
}

// ─── status & session ────────────────────────────────────────────────────────

type sessionJSON struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Status string `json:"status"`
}

type statusResponse struct {
	Session   *sessionJSON                           `json:"session,omitempty"`
	Providers map[string][]resilience.ProviderStatus `json:"providers,omitempty"`
}

func (s *Server) sessionStatus() *sessionJSON {
	if s.session == nil {
		return nil
	}
	st, text := s.session.Status()
	return &sessionJSON{ID: s.session.ID(), State: st.String(), Status: text}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Session: s.sessionStatus()}
	if len(s.providers) > 0 {
		resp.Providers = make(map[string][]resilience.ProviderStatus, len(s.providers))
		for kind, p := range s.providers {
			resp.Providers[kind] = p.Status()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusNotFound, "voice session not configured")
		return
	}

	var err error
	state, _ := s.session.Status()
	switch action := r.PathValue("action"); action {
	case "start":
		if state != voice.Idle && state != voice.Failed {
			writeError(w, http.StatusConflict, "session is "+state.String())
			return
		}
		if err = s.session.Start(r.Context()); err != nil {
			observe.Logger(r.Context()).Warn("httpapi: session start failed", "err", err)
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "session": s.sessionStatus()})
			return
		}
	case "pause":
		err = s.session.Pause()
	case "resume":
		err = s.session.Resume()
	case "stop":
		if err = s.session.Stop(); err != nil {
			// The session is idle regardless; report the teardown error only
			// in the log.
			observe.Logger(r.Context()).Warn("httpapi: session stop", "err", err)
			err = nil
		}
	default:
		writeError(w, http.StatusNotFound, "unknown session action "+strconv.Quote(action))
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sessionStatus())
}
