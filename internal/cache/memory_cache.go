package cache

import (
	"context"
	"sync"
	"time"

	"go-dm/internal/models"
)

// MemoryMessageCache 进程内实现（单实例部署/测试用），语义与 Redis 版一致：惰性过期。
type MemoryMessageCache struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	max     int
	ttl     time.Duration
	now     func() time.Time
}

type memEntry struct {
	msgs     []models.Message
	expireAt time.Time
}

func NewMemoryMessageCache(maxMessages int, ttl time.Duration) *MemoryMessageCache {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryMessageCache{entries: make(map[string]*memEntry), max: maxMessages, ttl: ttl, now: time.Now}
}

// WithClock 替换时钟（测试用）。
func (c *MemoryMessageCache) WithClock(now func() time.Time) *MemoryMessageCache {
	c.now = now
	return c
}

func (c *MemoryMessageCache) Get(_ context.Context, key string) ([]models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(key)
	if e == nil {
		return []models.Message{}, nil
	}
	out := make([]models.Message, len(e.msgs))
	copy(out, e.msgs)
	return out, nil
}

func (c *MemoryMessageCache) Append(_ context.Context, key string, m *models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.live(key)
	if e == nil {
		e = &memEntry{}
		c.entries[key] = e
	}
	e.msgs = append(e.msgs, *m)
	if len(e.msgs) > c.max {
		e.msgs = append([]models.Message(nil), e.msgs[len(e.msgs)-c.max:]...)
	}
	e.expireAt = c.now().Add(c.ttl)
	return nil
}

func (c *MemoryMessageCache) Refill(_ context.Context, key string, msgs []models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(msgs) == 0 {
		delete(c.entries, key)
		return nil
	}
	if len(msgs) > c.max {
		msgs = msgs[len(msgs)-c.max:]
	}
	cp := make([]models.Message, len(msgs))
	copy(cp, msgs)
	c.entries[key] = &memEntry{msgs: cp, expireAt: c.now().Add(c.ttl)}
	return nil
}

// live 返回未过期的条目，过期则顺带删除。调用方需持锁。
func (c *MemoryMessageCache) live(key string) *memEntry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if !c.now().Before(e.expireAt) {
		delete(c.entries, key)
		return nil
	}
	return e
}
