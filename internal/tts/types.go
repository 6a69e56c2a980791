package tts

import (
	"context"
	"time"
)

// Audio is synthesized speech, either an encoded MP3 stream or raw 16-bit
// little-endian PCM.
type Audio struct {
	Format     string
	Data       []byte
	SampleRate int
	Channels   int
}

const (
	FormatMP3 = "mp3"
	FormatPCM = "pcm"
)

func (a Audio) Empty() bool { return len(a.Data) == 0 }

// Clip describes audio that was delivered to a sink.
type Clip struct {
	ID        string        `json:"id"`
	Path      string        `json:"-"`
	Format    string        `json:"format"`
	Bytes     int           `json:"bytes"`
	Sentences int           `json:"sentences"`
	Played    bool          `json:"played,omitempty"`
	Duration  time.Duration `json:"-"`
}

func (c Clip) Empty() bool { return c.Bytes == 0 }

// Engine synthesizes one short piece of text.
type Engine interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

// EngineFactory returns a fresh engine for every Speak call.
type EngineFactory func() (Engine, error)

// Sink makes synthesized audio audible or fetchable.
type Sink interface {
	Deliver(ctx context.Context, sessionID string, audio Audio) (Clip, error)
}

// Session is the part of a chat session the speaker consults.
type Session interface {
	ID() string
	Cancelled() bool
}
