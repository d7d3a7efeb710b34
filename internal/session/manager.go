package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle phase of a session. Transitions only move forward:
// starting -> active -> ending -> ended.
type State string

const (
	StateStarting State = "starting"
	StateActive   State = "active"
	StateEnding   State = "ending"
	StateEnded    State = "ended"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID             string    `json:"session_id"`
	State          State     `json:"state"`
	RoomName       string    `json:"room_name"`
	RoomURL        string    `json:"room_url"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Ended records stay readable for status polls this long before the sweep
// evicts them from the table.
const defaultEndedRetention = time.Minute

// Manager owns the session table. All mutations happen under its lock; the
// release hook runs outside the lock so provider calls never block readers.
type Manager struct {
	mu             sync.RWMutex
	sessions       map[string]*Session
	idleTimeout    time.Duration
	endedRetention time.Duration
	onRelease      func(*Session)
}

func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Manager{
		sessions:       make(map[string]*Session),
		idleTimeout:    idleTimeout,
		endedRetention: defaultEndedRetention,
	}
}

// SetReleaseHook installs the callback invoked exactly once per session when
// it leaves the live set, whether by explicit end or idle sweep. The hook is
// where room teardown and pipeline cancellation are wired in.
func (m *Manager) SetReleaseHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRelease = hook
}

func (m *Manager) IdleTimeout() time.Duration { return m.idleTimeout }

// Create registers a new session in state starting and returns a snapshot.
func (m *Manager) Create(roomName, roomURL string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		State:          StateStarting,
		RoomName:       roomName,
		RoomURL:        roomURL,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

// Activate moves a starting session to active. It is a no-op for sessions
// already past starting, preserving the forward-only order when a teardown
// races session startup.
func (m *Manager) Activate(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State != StateStarting {
		return nil
	}
	s.State = StateActive
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Touch refreshes the activity timestamp. Activity on a session that is
// already ending or ended is ignored rather than treated as an error.
func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State != StateStarting && s.State != StateActive {
		return nil
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End tears the session down: starting/active -> ending, release hook,
// -> ended. Ending a session that is already ending or ended is a no-op and
// returns the current snapshot.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.State == StateEnding || s.State == StateEnded {
		snap := clone(s)
		m.mu.Unlock()
		return snap, nil
	}
	s.State = StateEnding
	s.LastActivityAt = time.Now().UTC()
	snap := clone(s)
	hook := m.onRelease
	m.mu.Unlock()

	if hook != nil {
		hook(snap)
	}

	return m.finalize(sessionID), nil
}

// StartSweeper runs the idle sweep loop until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepOnce()
			}
		}
	}()
}

// ActiveCount reports sessions still in starting or active state.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State == StateStarting || s.State == StateActive {
			count++
		}
	}
	return count
}

// sweepOnce expires active sessions whose idle time reached the timeout, and
// evicts ended records once their retention lapses so the table stays bounded.
// The activity recheck happens under the lock, so a concurrent Touch either
// resets the timer before the check or lands as a no-op on a session already
// marked ending.
func (m *Manager) sweepOnce() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		switch {
		case s.State == StateEnded:
			if now.Sub(s.LastActivityAt) >= m.endedRetention {
				delete(m.sessions, id)
			}
		case s.State == StateActive && now.Sub(s.LastActivityAt) >= m.idleTimeout:
			s.State = StateEnding
			expired = append(expired, clone(s))
		}
	}
	hook := m.onRelease
	m.mu.Unlock()

	for _, snap := range expired {
		if hook != nil {
			hook(snap)
		}
		m.finalize(snap.ID)
	}
}

func (m *Manager) finalize(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	if s.State != StateEnded {
		s.State = StateEnded
		s.LastActivityAt = time.Now().UTC()
	}
	return clone(s)
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
