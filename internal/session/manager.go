package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shen-Yukang/musea-voice/internal/voice"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// maxTurnsPerSession bounds the per-session turn ring.
const maxTurnsPerSession = 50

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	Language       string    `json:"language"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	turns []Turn
}

// Manager owns one voice coordinator per active session and expires idle
// sessions through a janitor loop. Coordinator construction is injected so
// each session gets its own backends.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	coordinators      map[string]*voice.Coordinator
	build             func() *voice.Coordinator
	inactivityTimeout time.Duration
}

func NewManager(inactivityTimeout time.Duration, build func() *voice.Coordinator) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		coordinators:      make(map[string]*voice.Coordinator),
		build:             build,
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

func (m *Manager) Create(userID, language string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Language:       language,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	m.coordinators[s.ID] = m.build()
	return clone(s)
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

// Coordinator returns the live coordinator for an active session.
func (m *Manager) Coordinator(sessionID string) (*voice.Coordinator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != StatusActive {
		return nil, ErrNotFound
	}
	c, ok := m.coordinators[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// RecordTurn appends a conversation turn to the session's ring.
func (m *Manager) RecordTurn(sessionID, transcript string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.turns = append(s.turns, Turn{
		Transcript: transcript,
		Confidence: confidence,
		At:         time.Now().UTC(),
	})
	if len(s.turns) > maxTurnsPerSession {
		s.turns = s.turns[len(s.turns)-maxTurnsPerSession:]
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Turns returns a copy of the session's recorded turns, oldest first.
func (m *Manager) Turns(sessionID string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out, nil
}

// End tears the session down and cleans up its coordinator.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.LastActivityAt = time.Now().UTC()
	coord := m.coordinators[sessionID]
	delete(m.coordinators, sessionID)
	out := clone(s)
	m.mu.Unlock()

	if coord != nil {
		coord.Cleanup()
	}
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*voice.Coordinator

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.LastActivityAt = now
		if coord := m.coordinators[id]; coord != nil {
			expired = append(expired, coord)
		}
		delete(m.coordinators, id)
	}
	m.mu.Unlock()

	for _, coord := range expired {
		coord.Cleanup()
	}
}

func clone(s *Session) *Session {
	c := *s
	c.turns = nil
	return &c
}
