package pipeline

import (
	"context"
	"time"
)

// Event types reported to observers.
const (
	EventTurnStarted        = "turn.started"
	EventStateChanged       = "turn.state"
	EventTranscriptRejected = "transcript.rejected"
	EventCompletionDegraded = "completion.degraded"
	EventTurnCompleted      = "turn.completed"
	EventSpeechFailed       = "speech.failed"
	EventConversationReset  = "conversation.reset"
)

// Event is one step of a turn as seen from outside the pipeline.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Origin    Origin    `json:"origin,omitempty"`
	State     State     `json:"state"`
	Text      string    `json:"text,omitempty"`
	Reply     string    `json:"reply,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives pipeline events. Implementations must not block for long
// and must not fail the turn.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

type observers []Observer

func (o observers) Observe(ctx context.Context, ev Event) {
	for _, obs := range o {
		obs.Observe(ctx, ev)
	}
}
