package protocol

import (
	"strings"
	"time"
)

// TurnEvent is the bus representation of one pipeline step.
type TurnEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	State     string    `json:"state"`
	Text      string    `json:"text,omitempty"`
	Reply     string    `json:"reply,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// InputMessage asks the daemon to run a typed turn for a session.
type InputMessage struct {
	Text string `json:"text"`
}

// InputReply answers an InputMessage once the turn is over.
type InputReply struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Warning   string `json:"warning,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	InputKey  int64  `json:"input_key"`
	Error     string `json:"error,omitempty"`
}

const (
	SubjectSessionsToken = "sessions"
	SubjectInputToken    = "input"
	DefaultSubjectPrefix = "voicechat"
)

// TurnSubject is the subject a session's event of the given type is
// published on, e.g. voicechat.sessions.<id>.turn.completed.
func TurnSubject(prefix, sessionID, eventType string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return strings.Join([]string{prefix, SubjectSessionsToken, sanitizeToken(sessionID), eventType}, ".")
}

// AllTurnsSubject matches every session event under prefix.
func AllTurnsSubject(prefix string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + SubjectSessionsToken + ".>"
}

// InputSubject is where typed messages for a session are requested. It lives
// outside the sessions tree so the turn stream never captures requests.
func InputSubject(prefix, sessionID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + SubjectInputToken + "." + sanitizeToken(sessionID)
}

// SessionFromInputSubject returns the session id token of an input subject.
func SessionFromInputSubject(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}
