package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/voicechat/internal/config"
	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// Speaker turns reply text into a delivered clip.
type Speaker struct {
	enabled   bool
	factory   EngineFactory
	sink      Sink
	timeout   time.Duration
	logger    *slog.Logger
	mu        sync.Mutex
	tokenizer *sentences.DefaultSentenceTokenizer
}

// NewEngineFactory returns the factory for cfg.Mode.
func NewEngineFactory(cfg config.TTSConfig) (EngineFactory, error) {
	switch strings.ToLower(cfg.Mode) {
	case "google", "":
		return func() (Engine, error) { return NewGoogleEngine(cfg.Language, cfg.Speed), nil }, nil
	case "exec":
		if _, err := NewExecEngine(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels); err != nil {
			return nil, err
		}
		return func() (Engine, error) {
			return NewExecEngine(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels)
		}, nil
	case "mock":
		return func() (Engine, error) { return NewMockEngine(cfg.SampleRate, cfg.Channels), nil }, nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func NewSpeaker(cfg config.TTSConfig, factory EngineFactory, sink Sink, logger *slog.Logger) (*Speaker, error) {
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("load sentence tokenizer: %w", err)
	}
	return &Speaker{
		enabled:   cfg.Enabled,
		factory:   factory,
		sink:      sink,
		timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:    logger.With(slog.String("component", "speaker")),
		tokenizer: tokenizer,
	}, nil
}

func (s *Speaker) Enabled() bool { return s.enabled }

// Speak synthesizes text for sess. It is a no-op returning a zero Clip when
// the text is empty or the session has been cancelled.
func (s *Speaker) Speak(ctx context.Context, sess Session, text string) (Clip, error) {
	if !s.enabled || sess.Cancelled() {
		return Clip{}, nil
	}
	cleaned := CleanText(text)
	if cleaned == "" {
		return Clip{}, nil
	}
	combined, sentences, err := s.synthesize(ctx, cleaned)
	if err != nil {
		return Clip{}, err
	}
	if combined.Empty() {
		return Clip{}, nil
	}
	// stop may arrive while the engine is still working
	if sess.Cancelled() {
		s.logger.Debug("speech discarded after stop", slog.String("session_id", sess.ID()))
		return Clip{}, nil
	}

	clip, err := s.sink.Deliver(ctx, sess.ID(), combined)
	if err != nil {
		return Clip{}, fmt.Errorf("deliver audio: %w", err)
	}
	clip.Sentences = sentences
	return clip, nil
}

// synthesize runs the engine over every sentence of text under the
// synthesis timeout. Delivery is not covered by it: a speaker sink blocks for
// as long as the clip plays.
func (s *Speaker) synthesize(ctx context.Context, text string) (Audio, int, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	engine, err := s.factory()
	if err != nil {
		return Audio{}, 0, fmt.Errorf("create tts engine: %w", err)
	}

	parts := s.split(text)
	var combined Audio
	for _, part := range parts {
		audio, err := engine.Synthesize(ctx, part)
		if err != nil {
			return Audio{}, 0, fmt.Errorf("synthesize: %w", err)
		}
		if combined.Format == "" {
			combined = Audio{Format: audio.Format, SampleRate: audio.SampleRate, Channels: audio.Channels}
		}
		combined.Data = append(combined.Data, audio.Data...)
	}
	return combined, len(parts), nil
}

func (s *Speaker) split(text string) []string {
	s.mu.Lock()
	tokens := s.tokenizer.Tokenize(text)
	s.mu.Unlock()

	out := make([]string, 0, len(tokens))
	for _, sentence := range tokens {
		if t := strings.TrimSpace(sentence.Text); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		out = append(out, text)
	}
	return out
}
