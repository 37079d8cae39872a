package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-dm/internal/models"
)

// MemoryUserStore 进程内用户存储，语义与 UserStore 一致（单机演示与测试）。
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]models.User
	now   func() time.Time
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]models.User), now: time.Now}
}

func (s *MemoryUserStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.users {
		if x.Email == u.Email {
			return ErrDuplicateEmail
		}
	}
	now := s.now().UTC().Truncate(time.Second)
	u.CreatedAt, u.UpdatedAt = now, now
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryUserStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, nil
}

func (s *MemoryUserStore) GetByID(_ context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *MemoryUserStore) UpdateProfilePic(_ context.Context, userID, pic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.ProfilePic = pic
		u.UpdatedAt = s.now().UTC().Truncate(time.Second)
		s.users[userID] = u
	}
	return nil
}

func (s *MemoryUserStore) ListOthers(_ context.Context, userID string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for id, u := range s.users {
		if id != userID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}
