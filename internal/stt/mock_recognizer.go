package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, clip Clip) (TranscriptResult, error) {
	if clip.PCM == nil {
		return TranscriptResult{Text: "[mock transcript]"}, nil
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[mock transcript %.1fs]", clip.PCM.Duration()),
		Confidence: 1,
	}, nil
}
