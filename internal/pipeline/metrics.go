package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/voicechat/internal/pipeline"

type instruments struct {
	turns        metric.Int64Counter
	rejected     metric.Int64Counter
	attempts     metric.Int64Counter
	degraded     metric.Int64Counter
	speechFailed metric.Int64Counter
	duration     metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		inst instruments
		err  error
	)
	if inst.turns, err = meter.Int64Counter("voicechat.turns",
		metric.WithDescription("Completed turns by input origin")); err != nil {
		return nil, err
	}
	if inst.rejected, err = meter.Int64Counter("voicechat.transcripts.rejected",
		metric.WithDescription("Audio inputs whose transcription produced no usable text")); err != nil {
		return nil, err
	}
	if inst.attempts, err = meter.Int64Counter("voicechat.completion.attempts",
		metric.WithDescription("Completion endpoint calls including retries")); err != nil {
		return nil, err
	}
	if inst.degraded, err = meter.Int64Counter("voicechat.completion.degraded",
		metric.WithDescription("Turns answered with the apology")); err != nil {
		return nil, err
	}
	if inst.speechFailed, err = meter.Int64Counter("voicechat.speech.failures",
		metric.WithDescription("Speech synthesis failures")); err != nil {
		return nil, err
	}
	if inst.duration, err = meter.Float64Histogram("voicechat.turn.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall time of a full turn")); err != nil {
		return nil, err
	}
	return &inst, nil
}

func defaultInstruments() *instruments {
	inst, err := newInstruments(otel.Meter(instrumentationName))
	if err != nil {
		return nil
	}
	return inst
}

func (i *instruments) turnCompleted(ctx context.Context, origin Origin, seconds float64, attempts int, degraded bool) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("origin", string(origin)))
	i.turns.Add(ctx, 1, attrs)
	i.attempts.Add(ctx, int64(attempts))
	if degraded {
		i.degraded.Add(ctx, 1)
	}
	i.duration.Record(ctx, seconds, attrs)
}

func (i *instruments) transcriptRejected(ctx context.Context, kind string) {
	if i == nil {
		return
	}
	i.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (i *instruments) speechFailure(ctx context.Context) {
	if i == nil {
		return
	}
	i.speechFailed.Add(ctx, 1)
}
