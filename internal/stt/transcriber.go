package stt

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/voicechat/internal/audiofile"
	"github.com/loqalabs/voicechat/internal/config"
)

// Transcriber turns an audio file into text. It never returns an error:
// every failure is folded into a Result kind.
type Transcriber struct {
	recognizer Recognizer
	threshold  float64
	timeout    time.Duration
	logger     *slog.Logger
}

func NewTranscriber(recognizer Recognizer, cfg config.STTConfig, logger *slog.Logger) *Transcriber {
	return &Transcriber{
		recognizer: recognizer,
		threshold:  cfg.SilenceThreshold,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:     logger.With(slog.String("component", "transcriber")),
	}
}

func (t *Transcriber) Transcribe(ctx context.Context, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		return Result{Kind: KindFailed, Detail: err.Error()}
	}
	if info.Size() == 0 {
		return Result{Kind: KindNoAudio}
	}

	clip := Clip{Path: path}
	pcm, err := audiofile.LoadPCM(path)
	switch {
	case err == nil:
		if pcm.Silent(t.threshold) {
			t.logger.Debug("clip below silence threshold", slog.Float64("peak", pcm.Peak()), slog.Float64("seconds", pcm.Duration()))
			return Result{Kind: KindNoAudio}
		}
		clip.PCM = pcm
	case errors.Is(err, audiofile.ErrUnsupportedFormat):
		// the recognizer may still understand the container
	default:
		return Result{Kind: KindFailed, Detail: err.Error()}
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	out, err := t.recognizer.Transcribe(ctx, clip)
	if err != nil {
		res := classify(err)
		t.logger.Warn("transcription failed", slog.String("kind", res.Kind.String()), slogError(err))
		return res
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return Result{Kind: KindUnintelligible}
	}
	return Result{Kind: KindOK, Text: text, Confidence: out.Confidence}
}

func classify(err error) Result {
	switch {
	case errors.Is(err, ErrNoSpeech):
		return Result{Kind: KindNoAudio}
	case errors.Is(err, ErrUnintelligible):
		return Result{Kind: KindUnintelligible}
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return Result{Kind: KindUnavailable, Detail: err.Error()}
	default:
		return Result{Kind: KindFailed, Detail: err.Error()}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
