package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/voicechat/internal/conversation"
)

// Apology replaces the reply whenever no usable completion was produced.
const Apology = "I'm sorry, I couldn't generate a response."

// ErrMalformedResponse marks a reply that arrived but carried no usable
// text. It is not retried.
var ErrMalformedResponse = errors.New("malformed completion response")

// Request describes one completion call.
type Request struct {
	System      string
	History     []conversation.Turn
	UserText    string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Generator is a completion transport.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Completion always carries text; Err records why it degraded to the apology.
type Completion struct {
	Text     string
	Attempts int
	Err      error
	Latency  time.Duration
}

func (c Completion) Degraded() bool { return c.Err != nil }

// APIError is a non-2xx answer from the completion endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("completion endpoint returned %d: %s", e.StatusCode, e.Message)
}
