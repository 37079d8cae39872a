package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go-dm/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMaxMessages = 50
	DefaultTTL         = 2 * time.Hour
)

// MessageCache 每个会话一份有界、带 TTL 的最近消息列表（按时间正序）。
// 列表始终是持久层会话历史的一个后缀：只可能缺少较早消息，不会与持久层内容分叉。
type MessageCache interface {
	// Get 返回缓存的消息；未命中或已过期返回空切片与 nil 错误。
	Get(ctx context.Context, key string) ([]models.Message, error)
	// Append 追加到尾部、裁剪到最近 N 条并刷新 TTL；键不存在时等价于新建单元素列表。
	Append(ctx context.Context, key string, m *models.Message) error
	// Refill 用持久层的权威有序结果整体替换列表（裁剪到最近 N 条并设置 TTL）。
	Refill(ctx context.Context, key string, msgs []models.Message) error
}

// RedisMessageCache 基于 Redis List：RPUSH + LTRIM + EXPIRE 在一个 MULTI 中完成。
// 过期完全交给 Redis 原生 TTL，读路径不再自行比较时间戳。
type RedisMessageCache struct {
	client redis.UniversalClient
	max    int
	ttl    time.Duration
}

func NewRedisMessageCache(client redis.UniversalClient, maxMessages int, ttl time.Duration) *RedisMessageCache {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisMessageCache{client: client, max: maxMessages, ttl: ttl}
}

func (c *RedisMessageCache) Get(ctx context.Context, key string) ([]models.Message, error) {
	raw, err := c.client.LRange(ctx, ChatKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	out := make([]models.Message, 0, len(raw))
	for _, s := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			// 损坏的条目视为缓存不可用，由调用方回源
			return nil, fmt.Errorf("decode cached message %s: %w", key, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *RedisMessageCache) Append(ctx context.Context, key string, m *models.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	k := ChatKey(key)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, b)
		pipe.LTrim(ctx, k, int64(-c.max), -1)
		pipe.Expire(ctx, k, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

func (c *RedisMessageCache) Refill(ctx context.Context, key string, msgs []models.Message) error {
	if len(msgs) > c.max {
		msgs = msgs[len(msgs)-c.max:]
	}
	vals := make([]interface{}, 0, len(msgs))
	for i := range msgs {
		b, err := json.Marshal(&msgs[i])
		if err != nil {
			return err
		}
		vals = append(vals, b)
	}
	k := ChatKey(key)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		if len(vals) > 0 {
			pipe.RPush(ctx, k, vals...)
			pipe.Expire(ctx, k, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refill %s: %w", key, err)
	}
	return nil
}
