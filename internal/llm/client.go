package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/voicechat/internal/config"
	"github.com/loqalabs/voicechat/internal/conversation"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Client produces one reply per call. Transient failures are retried with
// exponential backoff; anything left over degrades to the apology.
type Client struct {
	generator   Generator
	system      string
	model       string
	maxTokens   int
	temperature float64
	maxRetries  int
	backoffBase time.Duration
	timeout     time.Duration
	sleep       Sleeper
	httpClient  *http.Client
	logger      *slog.Logger
}

type Option func(*Client)

// WithSleeper replaces the real backoff sleep.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// WithHTTPClient sets the transport used by the network generators.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// NewClient builds the client for cfg.Mode. A missing key is fatal for every
// mode except mock.
func NewClient(cfg config.LLMConfig, apiKey string, logger *slog.Logger, opts ...Option) (*Client, error) {
	mode := strings.ToLower(cfg.Mode)
	if mode != "mock" && strings.TrimSpace(apiKey) == "" {
		return nil, config.ErrMissingAPIKey
	}
	c := newClient(cfg, logger, opts...)
	switch mode {
	case "gemini", "":
		c.generator = NewGeminiGenerator(cfg.BaseURL, apiKey, c.httpClient)
	case "openai":
		c.generator = NewOpenAIGenerator(cfg.OpenAIBaseURL, apiKey, c.httpClient)
	case "mock":
		c.generator = NewMockGenerator()
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
	return c, nil
}

// NewWithGenerator wires an explicit transport.
func NewWithGenerator(generator Generator, cfg config.LLMConfig, logger *slog.Logger, opts ...Option) *Client {
	c := newClient(cfg, logger, opts...)
	c.generator = generator
	return c
}

func newClient(cfg config.LLMConfig, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		system:      cfg.SystemInstruction,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		backoffBase: time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		timeout:     time.Duration(cfg.TimeoutMS) * time.Millisecond,
		sleep:       sleepContext,
		logger:      logger.With(slog.String("component", "completion-client")),
	}
	if c.system == "" {
		c.system = config.DefaultSystemInstruction
	}
	if c.maxRetries < 1 {
		c.maxRetries = 1
	}
	if c.backoffBase <= 0 {
		c.backoffBase = time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.backoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.backoffBase << min(c.maxRetries, 16),
	}
	b.Reset()
	return b
}

// Complete asks the model for a reply to userText given the prior history.
// The returned text is never empty.
func (c *Client) Complete(ctx context.Context, history []conversation.Turn, userText string) Completion {
	start := time.Now()
	req := Request{
		System:      c.system,
		History:     history,
		UserText:    userText,
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	bo := c.newBackOff()
	var lastErr error
	attempts := 0
	for attempts < c.maxRetries {
		attempts++
		text, err := c.generate(ctx, req)
		if err == nil {
			return Completion{Text: text, Attempts: attempts, Latency: time.Since(start)}
		}
		lastErr = err
		if errors.Is(err, ErrMalformedResponse) || ctx.Err() != nil {
			break
		}
		delay := bo.NextBackOff()
		c.logger.Warn("completion attempt failed",
			slog.Int("attempt", attempts),
			slog.Duration("backoff", delay),
			slogError(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	c.logger.Warn("completion degraded to apology", slog.Int("attempts", attempts), slogError(lastErr))
	return Completion{Text: Apology, Attempts: attempts, Err: lastErr, Latency: time.Since(start)}
}

func (c *Client) generate(ctx context.Context, req Request) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	text, err := c.generator.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty text", ErrMalformedResponse)
	}
	return text, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
