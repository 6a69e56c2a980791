package tts

import (
	"context"
	"time"
)

type mockEngine struct {
	sampleRate int
	channels   int
}

func NewMockEngine(sampleRate, channels int) Engine {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockEngine{sampleRate: sampleRate, channels: channels}
}

// Synthesize returns 20ms of silence per character, capped at one second.
func (m *mockEngine) Synthesize(ctx context.Context, text string) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	frames := len(text) * m.sampleRate / 50
	if frames > m.sampleRate {
		frames = m.sampleRate
	}
	return Audio{
		Format:     FormatPCM,
		Data:       make([]byte, frames*2*m.channels),
		SampleRate: m.sampleRate,
		Channels:   m.channels,
	}, nil
}
