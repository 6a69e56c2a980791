package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/voicechat/internal/bus"
	"github.com/loqalabs/voicechat/internal/config"
	"github.com/loqalabs/voicechat/internal/conversation"
	"github.com/loqalabs/voicechat/internal/natsserver"
	"github.com/loqalabs/voicechat/internal/pipeline"
	"github.com/loqalabs/voicechat/internal/protocol"
	"github.com/nats-io/nats.go"
)

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, sess *conversation.Session, in pipeline.Input) (pipeline.Outcome, error) {
	if in.Text == "" {
		return pipeline.Outcome{}, pipeline.ErrEmptyInput
	}
	sess.Conversation().AppendPair(in.Text, "echo: "+in.Text)
	return pipeline.Outcome{SessionID: sess.ID(), TurnID: "t1", Reply: "echo: " + in.Text, Attempts: 1, InputKey: sess.BumpInputKey()}, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRouter(t *testing.T) (*bus.Client, *conversation.Manager) {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Embedded = true
	cfg.Port = -1
	cfg.StoreDir = ""
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	sessions := conversation.NewManager(4)
	svc := NewService(context.Background(), client, sessions, echoRunner{}, "", newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy router")
	}
	return client, sessions
}

func request(t *testing.T, client *bus.Client, sessionID, text string) protocol.InputReply {
	t.Helper()
	data, _ := json.Marshal(protocol.InputMessage{Text: text})
	msg, err := client.Conn().Request(protocol.InputSubject("", sessionID), data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.InputReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestRouterRunsTypedTurn(t *testing.T) {
	client, sessions := startRouter(t)
	sess, err := sessions.Create()
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	reply := request(t, client, sess.ID(), "Hello")
	if reply.Error != "" {
		t.Fatalf("unexpected error %q", reply.Error)
	}
	if reply.Reply != "echo: Hello" || reply.InputKey != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if sess.Conversation().Len() != 2 {
		t.Fatalf("expected one exchange, got %d turns", sess.Conversation().Len())
	}
}

func TestRouterReportsErrors(t *testing.T) {
	client, sessions := startRouter(t)

	reply := request(t, client, "missing", "Hello")
	if reply.Error != conversation.ErrSessionNotFound.Error() {
		t.Fatalf("expected session not found, got %+v", reply)
	}

	sess, _ := sessions.Create()
	reply = request(t, client, sess.ID(), "")
	if reply.Error != pipeline.ErrEmptyInput.Error() {
		t.Fatalf("expected empty input error, got %+v", reply)
	}
}

type countingRunner struct {
	calls    atomic.Int32
	finished atomic.Bool
	started  chan struct{}
}

func (r *countingRunner) Run(ctx context.Context, sess *conversation.Session, _ pipeline.Input) (pipeline.Outcome, error) {
	r.calls.Add(1)
	if r.started != nil {
		close(r.started)
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
	}
	r.finished.Store(true)
	return pipeline.Outcome{SessionID: sess.ID()}, ctx.Err()
}

func inputMsg(t *testing.T, sessionID, text string) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(protocol.InputMessage{Text: text})
	if err != nil {
		t.Fatalf("encode input: %v", err)
	}
	return &nats.Msg{Subject: protocol.InputSubject("", sessionID), Data: data}
}

func TestRouterDropsInputAfterClose(t *testing.T) {
	sessions := conversation.NewManager(4)
	sess, err := sessions.Create()
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	runner := &countingRunner{}
	svc := NewService(context.Background(), nil, sessions, runner, "", newLogger())
	svc.Close()

	svc.handleInput(inputMsg(t, sess.ID(), "late"))
	svc.wg.Wait()
	if n := runner.calls.Load(); n != 0 {
		t.Fatalf("expected no turns after close, got %d", n)
	}
}

func TestRouterCloseWaitsForRunningTurn(t *testing.T) {
	sessions := conversation.NewManager(4)
	sess, err := sessions.Create()
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	runner := &countingRunner{started: make(chan struct{})}
	svc := NewService(context.Background(), nil, sessions, runner, "", newLogger())

	svc.handleInput(inputMsg(t, sess.ID(), "hello"))
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not start")
	}
	svc.Close()
	if !runner.finished.Load() {
		t.Fatal("close returned before the running turn finished")
	}
}
