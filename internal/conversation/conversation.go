package conversation

import (
	"slices"
	"sync"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Label returns the speaker label used in flattened prompts.
func (r Role) Label() string {
	if r == RoleAssistant {
		return "Assistant"
	}
	return "User"
}

// Turn is one utterance. Turns are values and are never modified after append.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Conversation is an ordered, append-only log of turns. Turns are only ever
// added in user/assistant pairs so the length is even between pipeline runs.
type Conversation struct {
	mu    sync.RWMutex
	turns []Turn
}

// AppendPair records a user turn and the assistant reply to it in one step.
func (c *Conversation) AppendPair(userText, assistantText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns,
		Turn{Role: RoleUser, Text: userText},
		Turn{Role: RoleAssistant, Text: assistantText},
	)
}

// Turns returns a copy of the log in insertion order.
func (c *Conversation) Turns() []Turn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.turns)
}

func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.turns)
}

// Reset empties the log. Calling it repeatedly is harmless.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}
