package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/voicechat/internal/audiofile"
	"github.com/loqalabs/voicechat/internal/config"
)

// Errors a Recognizer wraps so the Transcriber can classify its failures.
var (
	ErrNoSpeech       = errors.New("no speech detected")
	ErrUnintelligible = errors.New("speech not recognized")
	ErrUnavailable    = errors.New("speech service unavailable")
)

// Clip is one utterance handed to a recognizer. PCM is nil when the
// container could not be decoded locally.
type Clip struct {
	Path string
	PCM  *audiofile.PCM
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, clip Clip) (TranscriptResult, error)
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(ctx context.Context, cfg config.STTConfig, apiKey string) (Recognizer, error) {
	switch strings.ToLower(cfg.Mode) {
	case "google":
		return NewGoogleRecognizer(ctx, cfg, apiKey)
	case "exec":
		return NewExecRecognizer(cfg)
	case "mock", "":
		return NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
