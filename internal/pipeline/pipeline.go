// Package pipeline runs one conversational turn: transcribe audio input,
// ask the model for a reply, record the pair and speak the reply.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voicechat/internal/conversation"
	"github.com/loqalabs/voicechat/internal/llm"
	"github.com/loqalabs/voicechat/internal/stt"
	"github.com/loqalabs/voicechat/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEmptyInput     = errors.New("input is empty")
	ErrTurnInProgress = errors.New("a turn is already in progress for this session")
)

// Transcriber converts an audio file into a classified transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) stt.Result
}

// Completer produces the assistant reply. It always returns text.
type Completer interface {
	Complete(ctx context.Context, history []conversation.Turn, userText string) llm.Completion
}

// Synthesizer speaks the reply for a session.
type Synthesizer interface {
	Speak(ctx context.Context, sess tts.Session, text string) (tts.Clip, error)
}

// Input is one triggering event. Exactly one of Text or AudioPath is used.
type Input struct {
	Text      string
	AudioPath string
	Origin    Origin
	// Temporary marks AudioPath for removal once it has been transcribed.
	Temporary bool
}

func TextInput(text string) Input {
	return Input{Text: text, Origin: OriginTyped}
}

func AudioInput(path string, origin Origin, temporary bool) Input {
	return Input{AudioPath: path, Origin: origin, Temporary: temporary}
}

func (in Input) IsAudio() bool { return in.AudioPath != "" }

// Outcome is what the caller renders after the pipeline returns to idle.
type Outcome struct {
	SessionID    string              `json:"session_id"`
	TurnID       string              `json:"turn_id"`
	Transcript   string              `json:"transcript,omitempty"`
	Reply        string              `json:"reply,omitempty"`
	Warning      string              `json:"warning,omitempty"`
	Rejected     bool                `json:"rejected,omitempty"`
	Degraded     bool                `json:"degraded,omitempty"`
	Attempts     int                 `json:"attempts,omitempty"`
	Clip         *tts.Clip           `json:"clip,omitempty"`
	InputKey     int64               `json:"input_key"`
	Conversation []conversation.Turn `json:"conversation"`
	Duration     time.Duration       `json:"-"`
}

type Pipeline struct {
	transcriber Transcriber
	completer   Completer
	synthesizer Synthesizer
	observer    observers
	tracer      trace.Tracer
	metrics     *instruments
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Pipeline)

// WithObserver adds observers notified of every pipeline event.
func WithObserver(obs ...Observer) Option {
	return func(p *Pipeline) {
		for _, o := range obs {
			if o != nil {
				p.observer = append(p.observer, o)
			}
		}
	}
}

func New(transcriber Transcriber, completer Completer, synthesizer Synthesizer, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		transcriber: transcriber,
		completer:   completer,
		synthesizer: synthesizer,
		tracer:      otel.Tracer(instrumentationName),
		metrics:     defaultInstruments(),
		logger:      logger.With(slog.String("component", "pipeline")),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one turn for sess. Only ErrEmptyInput and ErrTurnInProgress
// are returned as errors; every other failure is folded into the Outcome.
func (p *Pipeline) Run(ctx context.Context, sess *conversation.Session, in Input) (Outcome, error) {
	if !in.IsAudio() && strings.TrimSpace(in.Text) == "" {
		return Outcome{}, ErrEmptyInput
	}
	if !sess.TryBegin() {
		p.removeTemp(in)
		return Outcome{}, ErrTurnInProgress
	}
	defer sess.End()
	sess.ClearCancel()

	start := p.now()
	out := Outcome{SessionID: sess.ID(), TurnID: uuid.NewString()}
	logger := p.logger.With(slog.String("session_id", out.SessionID), slog.String("turn_id", out.TurnID))

	ctx, span := p.tracer.Start(ctx, "pipeline.turn", trace.WithAttributes(
		attribute.String("session.id", out.SessionID),
		attribute.String("turn.id", out.TurnID),
		attribute.String("turn.origin", string(in.Origin)),
	))
	defer span.End()

	p.emit(ctx, Event{Type: EventTurnStarted, SessionID: out.SessionID, TurnID: out.TurnID, Origin: in.Origin, State: StateIdle})

	text := strings.TrimSpace(in.Text)
	if in.IsAudio() {
		p.enter(ctx, out, in, StateTranscribing)
		result := p.transcribe(ctx, in)
		if !result.OK() {
			out.Rejected = true
			out.Warning = result.Message()
			out.InputKey = sess.InputKey()
			out.Conversation = sess.Conversation().Turns()
			out.Duration = p.now().Sub(start)
			span.SetAttributes(attribute.String("transcript.kind", result.Kind.String()))
			p.metrics.transcriptRejected(ctx, result.Kind.String())
			p.emit(ctx, Event{Type: EventTranscriptRejected, SessionID: out.SessionID, TurnID: out.TurnID, Origin: in.Origin, State: StateTranscribing, Detail: out.Warning})
			logger.Warn("transcription rejected", slog.String("kind", result.Kind.String()), slog.String("detail", result.Detail))
			return out, nil
		}
		text = result.Text
		out.Transcript = text
	}

	p.enter(ctx, out, in, StateCompleting)
	completion := p.complete(ctx, sess, text)
	out.Reply = completion.Text
	out.Attempts = completion.Attempts
	out.Degraded = completion.Degraded()
	if out.Degraded {
		p.emit(ctx, Event{Type: EventCompletionDegraded, SessionID: out.SessionID, TurnID: out.TurnID, Origin: in.Origin, State: StateCompleting, Attempts: completion.Attempts, Detail: completion.Err.Error()})
	}

	sess.Conversation().AppendPair(text, completion.Text)

	p.enter(ctx, out, in, StateSynthesizing)
	clip, err := p.speak(ctx, sess, completion.Text)
	if err != nil {
		out.Warning = "speech synthesis failed: " + err.Error()
		p.metrics.speechFailure(ctx)
		p.emit(ctx, Event{Type: EventSpeechFailed, SessionID: out.SessionID, TurnID: out.TurnID, Origin: in.Origin, State: StateSynthesizing, Detail: err.Error()})
		logger.Warn("speech synthesis failed", slogError(err))
	} else if !clip.Empty() {
		out.Clip = &clip
	}

	if in.Origin == OriginTyped {
		out.InputKey = sess.BumpInputKey()
	} else {
		out.InputKey = sess.InputKey()
	}
	out.Conversation = sess.Conversation().Turns()
	out.Duration = p.now().Sub(start)

	p.metrics.turnCompleted(ctx, in.Origin, out.Duration.Seconds(), out.Attempts, out.Degraded)
	p.emit(ctx, Event{Type: EventTurnCompleted, SessionID: out.SessionID, TurnID: out.TurnID, Origin: in.Origin, State: StateIdle, Text: text, Reply: out.Reply, Attempts: out.Attempts})
	logger.Info("turn completed",
		slog.String("origin", string(in.Origin)),
		slog.Int("attempts", out.Attempts),
		slog.Bool("degraded", out.Degraded),
		slog.Duration("duration", out.Duration),
	)
	return out, nil
}

// enter reports the turn moving into state.
func (p *Pipeline) enter(ctx context.Context, out Outcome, in Input, state State) {
	p.emit(ctx, Event{Type: EventStateChanged, SessionID: out.SessionID, TurnID: out.TurnID, Origin: in.Origin, State: state})
}

func (p *Pipeline) transcribe(ctx context.Context, in Input) stt.Result {
	ctx, span := p.tracer.Start(ctx, "pipeline.transcribe")
	defer span.End()
	defer p.removeTemp(in)
	result := p.transcriber.Transcribe(ctx, in.AudioPath)
	if !result.OK() {
		span.SetStatus(codes.Error, result.Message())
	}
	return result
}

func (p *Pipeline) removeTemp(in Input) {
	if !in.Temporary || in.AudioPath == "" {
		return
	}
	if err := os.Remove(in.AudioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Debug("failed to remove temp audio", slog.String("path", in.AudioPath), slogError(err))
	}
}

func (p *Pipeline) complete(ctx context.Context, sess *conversation.Session, text string) llm.Completion {
	ctx, span := p.tracer.Start(ctx, "pipeline.complete")
	defer span.End()
	completion := p.completer.Complete(ctx, sess.Conversation().Turns(), text)
	span.SetAttributes(attribute.Int("completion.attempts", completion.Attempts))
	if completion.Err != nil {
		span.RecordError(completion.Err)
		span.SetStatus(codes.Error, "completion degraded")
	}
	return completion
}

func (p *Pipeline) speak(ctx context.Context, sess *conversation.Session, text string) (tts.Clip, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.synthesize")
	defer span.End()
	clip, err := p.synthesizer.Speak(ctx, sess, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
	}
	return clip, err
}

// Stop sets the session's cancellation flag so any pending speech is skipped.
func (p *Pipeline) Stop(sess *conversation.Session) {
	sess.Cancel()
}

// Reset clears the session's conversation and bumps its input key.
func (p *Pipeline) Reset(ctx context.Context, sess *conversation.Session) {
	sess.Reset()
	p.emit(ctx, Event{Type: EventConversationReset, SessionID: sess.ID(), State: StateIdle})
}

func (p *Pipeline) emit(ctx context.Context, ev Event) {
	if len(p.observer) == 0 {
		return
	}
	ev.Timestamp = p.now().UTC()
	p.observer.Observe(ctx, ev)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
