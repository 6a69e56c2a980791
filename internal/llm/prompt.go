package llm

import (
	"strings"

	"github.com/loqalabs/voicechat/internal/conversation"
)

// BuildPrompt flattens the system instruction, history and new user text
// into the single prompt string used by the managed-client transport.
func BuildPrompt(system string, history []conversation.Turn, userText string) string {
	var b strings.Builder
	b.WriteString("System: ")
	b.WriteString(system)
	b.WriteString("\n\nConversation so far:\n")
	for i, turn := range history {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(turn.Role.Label())
		b.WriteString(": ")
		b.WriteString(turn.Text)
	}
	b.WriteString("\n\nUser: ")
	b.WriteString(userText)
	b.WriteString("\nAssistant:")
	return strings.TrimSpace(b.String())
}
