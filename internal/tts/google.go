package tts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	google_translate_tts "github.com/GrailFinder/google-translate-tts"
)

// googleEngine uses the Google Translate speech endpoint, which returns MP3.
type googleEngine struct {
	speech *google_translate_tts.Speech
}

func NewGoogleEngine(language string, speed float64) Engine {
	if language == "" {
		language = "en"
	}
	if speed <= 0 {
		speed = 1.0
	}
	return &googleEngine{speech: &google_translate_tts.Speech{
		Folder:   filepath.Join(os.TempDir(), "voicechat-tts"),
		Language: language,
		Speed:    float32(speed),
	}}
}

type speechResult struct {
	data []byte
	err  error
}

func (g *googleEngine) Synthesize(ctx context.Context, text string) (Audio, error) {
	done := make(chan speechResult, 1)
	go func() {
		reader, err := g.speech.GenerateSpeech(text)
		if err != nil {
			done <- speechResult{err: fmt.Errorf("generate speech: %w", err)}
			return
		}
		data, err := io.ReadAll(reader)
		if closer, ok := reader.(io.Closer); ok {
			_ = closer.Close()
		}
		done <- speechResult{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return Audio{}, res.err
		}
		return Audio{Format: FormatMP3, Data: res.data}, nil
	}
}
