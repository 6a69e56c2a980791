// Package api exposes chat sessions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/voicechat/internal/audiofile"
	"github.com/loqalabs/voicechat/internal/conversation"
	"github.com/loqalabs/voicechat/internal/pipeline"
)

// Runner is the turn pipeline as seen by the HTTP layer.
type Runner interface {
	Run(ctx context.Context, sess *conversation.Session, in pipeline.Input) (pipeline.Outcome, error)
	Stop(sess *conversation.Session)
	Reset(ctx context.Context, sess *conversation.Session)
}

// ClipStore serves synthesized audio files.
type ClipStore interface {
	Open(id string) (string, error)
	RemoveSession(sessionID string) error
}

// Timeline is notified when a session goes away.
type Timeline interface {
	EndSession(ctx context.Context, sessionID string) error
}

type Options struct {
	Clips          ClipStore
	Timeline       Timeline
	TempDir        string
	MaxUploadBytes int64
	TurnTimeout    time.Duration
}

type Handler struct {
	sessions *conversation.Manager
	runner   Runner
	opts     Options
	logger   *slog.Logger
}

const maxMessageBytes = 64 << 10

func New(sessions *conversation.Manager, runner Runner, logger *slog.Logger, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 << 20
	}
	return &Handler{
		sessions: sessions,
		runner:   runner,
		opts:     opts,
		logger:   logger.With(slog.String("component", "api")),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", h.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", h.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", h.handleMessage)
	mux.HandleFunc("POST /v1/sessions/{id}/audio", h.handleAudio)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", h.handleStop)
	mux.HandleFunc("POST /v1/sessions/{id}/reset", h.handleReset)
	mux.HandleFunc("GET /v1/audio/{clip}", h.handleClip)
}

type sessionView struct {
	SessionID string              `json:"session_id"`
	InputKey  int64               `json:"input_key"`
	Busy      bool                `json:"busy"`
	Turns     []conversation.Turn `json:"turns"`
}

type turnResponse struct {
	pipeline.Outcome
	AudioURL string `json:"audio_url,omitempty"`
}

type messageRequest struct {
	Text string `json:"text"`
}

func viewOf(sess *conversation.Session) sessionView {
	return sessionView{
		SessionID: sess.ID(),
		InputKey:  sess.InputKey(),
		Busy:      sess.Busy(),
		Turns:     sess.Conversation().Turns(),
	}
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	sess, err := h.sessions.Create()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("session created", slog.String("session_id", sess.ID()))
	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sessions.Delete(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.cleanup(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

// cleanup drops per-session artifacts once a session is gone.
func (h *Handler) cleanup(ctx context.Context, id string) {
	if h.opts.Clips != nil {
		if err := h.opts.Clips.RemoveSession(id); err != nil {
			h.logger.Warn("failed to remove session audio", slog.String("session_id", id), slogError(err))
		}
	}
	if h.opts.Timeline != nil {
		if err := h.opts.Timeline.EndSession(ctx, id); err != nil {
			h.logger.Warn("failed to end session timeline", slog.String("session_id", id), slogError(err))
		}
	}
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body: "+err.Error()))
		return
	}
	h.runTurn(w, r, sess, pipeline.TextInput(req.Text))
}

func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	origin, ok := pipeline.ParseOrigin(r.URL.Query().Get("origin"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("origin must be recorder, upload or microphone"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	data, ext, err := h.readAudio(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("audio upload too large"))
		case errors.Is(err, audiofile.ErrUnsupportedFormat):
			writeJSON(w, http.StatusUnsupportedMediaType, errorBody(err.Error()))
		default:
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		}
		return
	}

	path, err := audiofile.SaveTemp(h.opts.TempDir, data, ext)
	if err != nil {
		h.logger.Error("failed to store upload", slogError(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to store audio"))
		return
	}
	h.runTurn(w, r, sess, pipeline.AudioInput(path, origin, true))
}

// readAudio accepts either a multipart form with a "file" field or a raw
// request body whose format comes from ?format= or the Content-Type.
func (h *Handler) readAudio(r *http.Request) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
			return nil, "", err
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", err
		}
		defer file.Close()
		ext := filepath.Ext(header.Filename)
		if !audiofile.Supported(ext) {
			return nil, "", unsupported(ext)
		}
		data, err := io.ReadAll(file)
		return data, audiofile.NormalizeExt(ext), err
	}

	ext := r.URL.Query().Get("format")
	if ext == "" {
		ext = extensionFor(mediaType)
	}
	if !audiofile.Supported(ext) {
		return nil, "", unsupported(ext)
	}
	data, err := io.ReadAll(r.Body)
	return data, audiofile.NormalizeExt(ext), err
}

func unsupported(ext string) error {
	if ext == "" {
		ext = "unknown"
	}
	return fmt.Errorf("%w: %s", audiofile.ErrUnsupportedFormat, ext)
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/flac", "audio/x-flac":
		return ".flac"
	case "audio/mp4", "audio/x-m4a", "audio/m4a":
		return ".m4a"
	default:
		return ".wav"
	}
}

func (h *Handler) runTurn(w http.ResponseWriter, r *http.Request, sess *conversation.Session, in pipeline.Input) {
	ctx := r.Context()
	if h.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.TurnTimeout)
		defer cancel()
	}
	out, err := h.runner.Run(ctx, sess, in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := turnResponse{Outcome: out}
	if out.Clip != nil && out.Clip.ID != "" {
		resp.AudioURL = "/v1/audio/" + out.Clip.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.runner.Stop(sess)
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.runner.Reset(r.Context(), sess)
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (h *Handler) handleClip(w http.ResponseWriter, r *http.Request) {
	if h.opts.Clips == nil {
		http.NotFound(w, r)
		return
	}
	path, err := h.opts.Clips.Open(r.PathValue("clip"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		w.Header().Set("Content-Type", "audio/mpeg")
	case ".wav":
		w.Header().Set("Content-Type", "audio/wav")
	}
	http.ServeFile(w, r, path)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*conversation.Session, bool) {
	sess, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return sess, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, conversation.ErrTooManySessions):
		status = http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrTurnInProgress):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrEmptyInput):
		status = http.StatusBadRequest
	default:
		h.logger.Error("request failed", slogError(err))
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
