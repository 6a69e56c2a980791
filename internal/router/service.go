// Package router accepts typed messages over NATS request/reply and runs
// them through the turn pipeline.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/voicechat/internal/bus"
	"github.com/loqalabs/voicechat/internal/conversation"
	"github.com/loqalabs/voicechat/internal/pipeline"
	"github.com/loqalabs/voicechat/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Runner runs one turn for a session.
type Runner interface {
	Run(ctx context.Context, sess *conversation.Session, in pipeline.Input) (pipeline.Outcome, error)
}

var errClosing = errors.New("router is shutting down")

type Service struct {
	prefix   string
	bus      *bus.Client
	sessions *conversation.Manager
	runner   Runner
	logger   *slog.Logger
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewService(parent context.Context, busClient *bus.Client, sessions *conversation.Manager, runner Runner, prefix string, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if prefix == "" {
		prefix = protocol.DefaultSubjectPrefix
	}
	return &Service{
		prefix:   prefix,
		bus:      busClient,
		sessions: sessions,
		runner:   runner,
		logger:   logger.With(slog.String("component", "router")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.InputSubject(s.prefix, "*"), s.handleInput)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Close stops accepting input, cancels running turns and waits for them to
// reply. Input that arrives after Close is refused.
func (s *Service) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid()
}

func (s *Service) handleInput(msg *nats.Msg) {
	sessionID := protocol.SessionFromInputSubject(msg.Subject)
	var input protocol.InputMessage
	if err := json.Unmarshal(msg.Data, &input); err != nil {
		s.logger.Warn("router failed to decode input", slogError(err))
		s.respond(msg, protocol.InputReply{SessionID: sessionID, Error: "invalid input: " + err.Error()})
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		s.respond(msg, protocol.InputReply{SessionID: sessionID, Error: err.Error()})
		return
	}

	// turns run off the subscription goroutine
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		s.respond(msg, protocol.InputReply{SessionID: sessionID, Error: errClosing.Error()})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		out, err := s.runner.Run(s.ctx, sess, pipeline.TextInput(input.Text))
		reply := protocol.InputReply{SessionID: sessionID}
		switch {
		case err == nil:
			reply.TurnID = out.TurnID
			reply.Reply = out.Reply
			reply.Warning = out.Warning
			reply.Degraded = out.Degraded
			reply.Attempts = out.Attempts
			reply.InputKey = out.InputKey
		case errors.Is(err, pipeline.ErrEmptyInput), errors.Is(err, pipeline.ErrTurnInProgress):
			reply.Error = err.Error()
			reply.InputKey = sess.InputKey()
		default:
			s.logger.Warn("router turn failed", slog.String("session_id", sessionID), slogError(err))
			reply.Error = err.Error()
		}
		s.respond(msg, reply)
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.InputReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("router failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to respond", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
