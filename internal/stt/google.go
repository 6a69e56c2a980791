package stt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/loqalabs/voicechat/internal/audiofile"
	"github.com/loqalabs/voicechat/internal/config"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	speech "google.golang.org/api/speech/v1"
)

// googleRecognizer calls the Cloud Speech-to-Text v1 synchronous recognize
// endpoint with LINEAR16 mono audio.
type googleRecognizer struct {
	svc      *speech.Service
	language string
}

func NewGoogleRecognizer(ctx context.Context, cfg config.STTConfig, apiKey string, opts ...option.ClientOption) (Recognizer, error) {
	base := []option.ClientOption{option.WithAPIKey(apiKey)}
	if cfg.Endpoint != "" {
		base = append(base, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := speech.NewService(ctx, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create speech service: %w", err)
	}
	language := cfg.Language
	if language == "" {
		language = "en-US"
	}
	return &googleRecognizer{svc: svc, language: language}, nil
}

func (g *googleRecognizer) Transcribe(ctx context.Context, clip Clip) (TranscriptResult, error) {
	if clip.PCM == nil {
		return TranscriptResult{}, fmt.Errorf("%w for cloud recognition: %s", audiofile.ErrUnsupportedFormat, clip.Path)
	}
	req := &speech.RecognizeRequest{
		Config: &speech.RecognitionConfig{
			Encoding:                   "LINEAR16",
			SampleRateHertz:            int64(clip.PCM.SampleRate),
			AudioChannelCount:          1,
			LanguageCode:               g.language,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speech.RecognitionAudio{
			Content: base64.StdEncoding.EncodeToString(clip.PCM.Bytes()),
		},
	}
	resp, err := g.svc.Speech.Recognize(req).Context(ctx).Do()
	if err != nil {
		return TranscriptResult{}, googleError(err)
	}

	var (
		parts      []string
		confidence float64
	)
	for _, result := range resp.Results {
		if result == nil || len(result.Alternatives) == 0 {
			continue
		}
		best := result.Alternatives[0]
		if text := strings.TrimSpace(best.Transcript); text != "" {
			parts = append(parts, text)
			if best.Confidence > confidence {
				confidence = best.Confidence
			}
		}
	}
	if len(parts) == 0 {
		return TranscriptResult{}, ErrUnintelligible
	}
	return TranscriptResult{Text: strings.Join(parts, " "), Confidence: confidence}, nil
}

func googleError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return fmt.Errorf("%w: %d %s", ErrUnavailable, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("speech api: %d %s", apiErr.Code, apiErr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
