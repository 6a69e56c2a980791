package conversation

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many active sessions")
)

// Session is the per-user state the turn pipeline works against: the
// conversation, the cancellation flag and the input reset counter.
type Session struct {
	id           string
	createdAt    time.Time
	conversation Conversation
	cancelled    atomic.Bool
	inputKey     atomic.Int64
	busy         atomic.Bool
	lastActive   atomic.Int64
	clock        func() time.Time
}

// NewSession creates a session with a fresh UUIDv7 identifier.
func NewSession() *Session {
	return newSession(time.Now)
}

func newSession(clock func() time.Time) *Session {
	now := clock()
	s := &Session{
		id:        uuid.Must(uuid.NewV7()).String(),
		createdAt: now,
		clock:     clock,
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) Conversation() *Conversation { return &s.conversation }

// Cancel sets the cancellation flag. It suppresses speech for the rest of the
// current turn and is cleared when the next turn begins.
func (s *Session) Cancel() { s.cancelled.Store(true) }

func (s *Session) ClearCancel() { s.cancelled.Store(false) }

func (s *Session) Cancelled() bool { return s.cancelled.Load() }

// InputKey is bumped whenever the text input should be reset on the client.
func (s *Session) InputKey() int64 { return s.inputKey.Load() }

func (s *Session) BumpInputKey() int64 { return s.inputKey.Add(1) }

// Reset clears the conversation and bumps the input key.
func (s *Session) Reset() {
	s.conversation.Reset()
	s.inputKey.Add(1)
	s.touch()
}

// TryBegin claims the session for one turn. It returns false while another
// turn is still running.
func (s *Session) TryBegin() bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	s.touch()
	return true
}

// End releases the claim taken by TryBegin.
func (s *Session) End() {
	s.touch()
	s.busy.Store(false)
}

func (s *Session) Busy() bool { return s.busy.Load() }

func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(s.clock().UnixNano())
}

// Manager keeps the live sessions of one process.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	max      int
	clock    func() time.Time
}

func NewManager(maxSessions int) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		max:      maxSessions,
		clock:    time.Now,
	}
}

func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.max > 0 && len(m.sessions) >= m.max {
		return nil, ErrTooManySessions
	}
	s := newSession(m.clock)
	m.sessions[s.ID()] = s
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops sessions idle for longer than maxIdle and returns their ids.
// Sessions with a turn in flight are kept.
func (m *Manager) Sweep(maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := m.clock().Add(-maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	for id, s := range m.sessions {
		if s.Busy() {
			continue
		}
		if s.LastActive().Before(cutoff) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	return expired
}
