// Package presence tracks which users are reachable and serves the profile
// records snapshotted into call participant descriptors.
package presence

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Duet/internal/domain"
)

// MemoryStore is the single-process default.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[domain.UserID]domain.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[domain.UserID]domain.User)}
}

func (s *MemoryStore) SetOnline(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = *user
	return nil
}

func (s *MemoryStore) SetOffline(_ context.Context, id domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

func (s *MemoryStore) IsOnline(_ context.Context, id domain.UserID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[id]
	return ok, nil
}

func (s *MemoryStore) Profile(_ context.Context, id domain.UserID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("presence: no profile for %s", id)
	}
	return &u, nil
}
