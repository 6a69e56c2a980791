package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/voicechat/internal/pipeline"
	"github.com/loqalabs/voicechat/internal/protocol"
)

// Publisher forwards pipeline events to NATS so other processes can follow
// a conversation.
type Publisher struct {
	client *Client
	prefix string
}

func NewPublisher(client *Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = protocol.DefaultSubjectPrefix
	}
	return &Publisher{client: client, prefix: prefix}
}

func (p *Publisher) Observe(_ context.Context, ev pipeline.Event) {
	if !p.client.Healthy() {
		return
	}
	msg := protocol.TurnEvent{
		Type:      ev.Type,
		SessionID: ev.SessionID,
		TurnID:    ev.TurnID,
		Origin:    string(ev.Origin),
		State:     ev.State.String(),
		Text:      ev.Text,
		Reply:     ev.Reply,
		Detail:    ev.Detail,
		Attempts:  ev.Attempts,
		Timestamp: ev.Timestamp,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.client.log.Warn("failed to encode turn event", slogError(err))
		return
	}
	subject := protocol.TurnSubject(p.prefix, ev.SessionID, ev.Type)
	if err := p.client.conn.Publish(subject, data); err != nil {
		p.client.log.Warn("failed to publish turn event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
