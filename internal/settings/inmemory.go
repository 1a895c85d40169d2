package settings

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process preferences store for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	prefs map[string]Preferences
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{prefs: make(map[string]Preferences)}
}

func (s *InMemoryStore) Save(_ context.Context, prefs Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	if prefs.UpdatedAt.IsZero() {
		prefs.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[prefs.UserID] = prefs
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, userID string) (Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs, ok := s.prefs[userID]
	if !ok {
		return Preferences{}, ErrNotFound
	}
	return prefs, nil
}

func (s *InMemoryStore) Close() error { return nil }
