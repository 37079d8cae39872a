package store

import (
	"context"
	"sync"
	"time"

	"go-dm/internal/models"
)

// MemoryPendingSignupStore 进程内实现，惰性过期。
type MemoryPendingSignupStore struct {
	mu      sync.Mutex
	entries map[string]models.PendingSignup
	now     func() time.Time
}

func NewMemoryPendingSignupStore() *MemoryPendingSignupStore {
	return &MemoryPendingSignupStore{entries: make(map[string]models.PendingSignup), now: time.Now}
}

func (s *MemoryPendingSignupStore) Put(_ context.Context, p *models.PendingSignup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[p.Email] = *p
	return nil
}

func (s *MemoryPendingSignupStore) Get(_ context.Context, email string) (*models.PendingSignup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.live(email)
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryPendingSignupStore) IncrAttempts(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.live(email); ok {
		p.Attempts++
		s.entries[email] = p
	}
	return nil
}

func (s *MemoryPendingSignupStore) Delete(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, email)
	return nil
}

func (s *MemoryPendingSignupStore) live(email string) (models.PendingSignup, bool) {
	p, ok := s.entries[email]
	if !ok {
		return p, false
	}
	if !s.now().Before(p.ExpiresAt) {
		delete(s.entries, email)
		return p, false
	}
	return p, true
}
