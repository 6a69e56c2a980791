package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/voicechat/internal/bus"
	"github.com/loqalabs/voicechat/internal/config"
	"github.com/loqalabs/voicechat/internal/conversation"
	"github.com/loqalabs/voicechat/internal/eventstore"
	"github.com/loqalabs/voicechat/internal/llm"
	"github.com/loqalabs/voicechat/internal/natsserver"
	"github.com/loqalabs/voicechat/internal/pipeline"
	"github.com/loqalabs/voicechat/internal/protocol"
	"github.com/loqalabs/voicechat/internal/router"
	"github.com/loqalabs/voicechat/internal/stt"
	"github.com/loqalabs/voicechat/internal/tts"
)

const turnStreamName = "VOICECHAT_TURNS"

// Components is everything a front end needs to run turns.
type Components struct {
	Pipeline *pipeline.Pipeline
	Sessions *conversation.Manager
	Store    *eventstore.Store
	Speaker  *tts.Speaker
	// Clips is nil when speech goes to a sink other than the file sink.
	Clips *tts.FileSink

	nats   *natsserver.EmbeddedServer
	bus    *bus.Client
	router *router.Service
}

type buildOptions struct {
	sink      tts.Sink
	observers []pipeline.Observer
	llmOpts   []llm.Option
}

type BuildOption func(*buildOptions)

// WithSink replaces the default file sink, e.g. with local playback.
func WithSink(sink tts.Sink) BuildOption {
	return func(o *buildOptions) { o.sink = sink }
}

// WithObservers adds pipeline observers on top of the event store and bus.
func WithObservers(obs ...pipeline.Observer) BuildOption {
	return func(o *buildOptions) { o.observers = append(o.observers, obs...) }
}

// WithLLMOptions forwards options to the completion client.
func WithLLMOptions(opts ...llm.Option) BuildOption {
	return func(o *buildOptions) { o.llmOpts = append(o.llmOpts, opts...) }
}

// Build wires the transcriber, completion client, speaker and the optional
// event store and bus into a pipeline. The caller must Close the result.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...BuildOption) (_ *Components, err error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	apiKey := cfg.Credentials.APIKey

	completer, err := llm.NewClient(cfg.LLM, apiKey, logger, bo.llmOpts...)
	if err != nil {
		return nil, err
	}

	recognizer, err := stt.NewRecognizer(ctx, cfg.STT, apiKey)
	if err != nil {
		return nil, fmt.Errorf("create recognizer: %w", err)
	}
	transcriber := stt.NewTranscriber(recognizer, cfg.STT, logger)

	c := &Components{Sessions: conversation.NewManager(cfg.Session.MaxSessions)}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	sink := bo.sink
	if sink == nil {
		if strings.EqualFold(cfg.TTS.Output, "speaker") {
			return nil, errors.New("speaker output requires a playback sink")
		}
		clips, err := tts.NewFileSink(cfg.TTS.AudioDir)
		if err != nil {
			return nil, err
		}
		c.Clips = clips
		sink = clips
	}
	factory, err := tts.NewEngineFactory(cfg.TTS)
	if err != nil {
		return nil, err
	}
	speaker, err := tts.NewSpeaker(cfg.TTS, factory, sink, logger)
	if err != nil {
		return nil, err
	}
	c.Speaker = speaker
	speechAttrs := []any{slog.Bool("enabled", speaker.Enabled()), slog.String("mode", cfg.TTS.Mode)}
	if c.Clips != nil {
		speechAttrs = append(speechAttrs, slog.String("audio_dir", c.Clips.Dir()))
	}
	logger.Info("speech synthesis configured", speechAttrs...)

	c.Store, err = eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	observers := []pipeline.Observer{eventstore.NewRecorder(c.Store)}

	if cfg.Bus.Enabled {
		publisher, err := c.connectBus(ctx, cfg.Bus, logger)
		if err != nil {
			return nil, err
		}
		observers = append(observers, publisher)
	}
	observers = append(observers, bo.observers...)

	c.Pipeline = pipeline.New(transcriber, completer, speaker, logger, pipeline.WithObserver(observers...))

	if c.bus != nil {
		c.router = router.NewService(ctx, c.bus, c.Sessions, c.Pipeline, cfg.Bus.SubjectPrefix, logger)
		if err := c.router.Start(); err != nil {
			return nil, fmt.Errorf("start input router: %w", err)
		}
	}
	return c, nil
}

func (c *Components) connectBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (*bus.Publisher, error) {
	ns, err := natsserver.Start(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.nats = ns
	if url := ns.ClientURL(); url != "" {
		cfg.Servers = []string{url}
	}
	client, err := bus.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	c.bus = client

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = protocol.DefaultSubjectPrefix
	}
	if err := client.EnsureStream(turnStreamName, []string{protocol.AllTurnsSubject(prefix)}, 24*time.Hour); err != nil {
		logger.Warn("failed to ensure turn stream", slogError(err))
	}
	return bus.NewPublisher(client, prefix), nil
}

// Healthy reports whether the optional bus connection and its input router
// are usable.
func (c *Components) Healthy() bool {
	if c.bus == nil {
		return true
	}
	return c.bus.Healthy() && c.router != nil && c.router.Healthy()
}

// Forget drops everything stored for a session that is gone.
func (c *Components) Forget(ctx context.Context, sessionID string) error {
	var errs []error
	if c.Clips != nil {
		if err := c.Clips.RemoveSession(sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Store != nil {
		if err := c.Store.EndSession(ctx, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Components) Close() error {
	var errs []error
	if c.router != nil {
		c.router.Close()
	}
	if c.bus != nil {
		c.bus.Close()
	}
	c.nats.Shutdown()
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
