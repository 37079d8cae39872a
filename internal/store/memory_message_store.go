package store

import (
	"context"
	"sync"
	"time"

	"go-dm/internal/models"

	"github.com/google/uuid"
)

// MemoryMessageStore 进程内消息存储（单机演示与测试）。
type MemoryMessageStore struct {
	mu    sync.RWMutex
	convs map[string][]models.Message
	now   func() time.Time
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{convs: make(map[string][]models.Message), now: time.Now}
}

func (s *MemoryMessageStore) Insert(_ context.Context, d *models.Draft) (*models.Message, error) {
	m := models.Message{
		ID:         uuid.NewString(),
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Text:       d.Text,
		ImageURL:   d.ImageURL,
		CreatedAt:  s.now().UTC().Truncate(time.Millisecond),
	}
	key := models.ConversationKey(m.SenderID, m.ReceiverID)
	s.mu.Lock()
	s.convs[key] = append(s.convs[key], m)
	s.mu.Unlock()
	return &m, nil
}

func (s *MemoryMessageStore) QueryConversation(_ context.Context, a, b string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.convs[models.ConversationKey(a, b)]
	out := make([]models.Message, len(src))
	copy(out, src)
	return out, nil
}
