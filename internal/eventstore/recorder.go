package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/voicechat/internal/pipeline"
)

// Recorder writes pipeline events to the store. Failures are logged and
// never reach the turn.
type Recorder struct {
	store *Store
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Observe(ctx context.Context, ev pipeline.Event) {
	if r.store == nil || !r.store.Persistent() {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		r.store.log.Warn("failed to encode pipeline event", slog.String("error", err.Error()))
		return
	}
	err = r.store.AppendEvent(context.WithoutCancel(ctx), Event{
		SessionID: ev.SessionID,
		TurnID:    ev.TurnID,
		Origin:    string(ev.Origin),
		Type:      ev.Type,
		Payload:   payload,
		CreatedAt: ev.Timestamp,
	})
	if err != nil {
		r.store.log.Warn("failed to record pipeline event",
			slog.String("type", ev.Type),
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()),
		)
	}
}
