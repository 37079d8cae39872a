package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"go-dm/internal/models"
)

// PendingSignupStore 待验证注册，按邮箱一条记录：
// - Put：整条覆盖同邮箱的旧记录，过期时间取 ExpiresAt
// - Get：不存在或已过期返回 (nil, nil)
// - IncrAttempts：记录一次失败的验证，记录不存在时忽略
type PendingSignupStore interface {
	Put(ctx context.Context, p *models.PendingSignup) error
	Get(ctx context.Context, email string) (*models.PendingSignup, error)
	IncrAttempts(ctx context.Context, email string) error
	Delete(ctx context.Context, email string) error
}

func PendingSignupKey(email string) string { return "dm:signup:" + email }

// RedisPendingSignupStore 每个邮箱一个 HASH，过期交给 Redis 原生 TTL。
type RedisPendingSignupStore struct {
	client redis.UniversalClient
}

func NewRedisPendingSignupStore(c redis.UniversalClient) *RedisPendingSignupStore {
	return &RedisPendingSignupStore{client: c}
}

func (s *RedisPendingSignupStore) Put(ctx context.Context, p *models.PendingSignup) error {
	k := PendingSignupKey(p.Email)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, map[string]interface{}{
			"fullName":      p.FullName,
			"passwordHash":  p.PasswordHash,
			"codeHash":      p.CodeHash,
			"attempts":      p.Attempts,
			"maxAttempts":   p.MaxAttempts,
			"codeExpiresAt": p.CodeExpiresAt.UnixMilli(),
			"expiresAt":     p.ExpiresAt.UnixMilli(),
		})
		pipe.PExpireAt(ctx, k, p.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put pending signup %s: %w", p.Email, err)
	}
	return nil
}

func (s *RedisPendingSignupStore) Get(ctx context.Context, email string) (*models.PendingSignup, error) {
	h, err := s.client.HGetAll(ctx, PendingSignupKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("get pending signup %s: %w", email, err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	p := &models.PendingSignup{
		Email:        email,
		FullName:     h["fullName"],
		PasswordHash: h["passwordHash"],
		CodeHash:     h["codeHash"],
	}
	p.Attempts, _ = strconv.Atoi(h["attempts"])
	p.MaxAttempts, _ = strconv.Atoi(h["maxAttempts"])
	if ms, err := strconv.ParseInt(h["codeExpiresAt"], 10, 64); err == nil {
		p.CodeExpiresAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(h["expiresAt"], 10, 64); err == nil {
		p.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	return p, nil
}

// 只对已存在的记录计数，避免 HINCRBY 新建一个没有 TTL 的键
var incrAttemptsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
end
return -1
`)

func (s *RedisPendingSignupStore) IncrAttempts(ctx context.Context, email string) error {
	if err := incrAttemptsScript.Run(ctx, s.client, []string{PendingSignupKey(email)}).Err(); err != nil {
		return fmt.Errorf("incr attempts %s: %w", email, err)
	}
	return nil
}

func (s *RedisPendingSignupStore) Delete(ctx context.Context, email string) error {
	return s.client.Del(ctx, PendingSignupKey(email)).Err()
}
