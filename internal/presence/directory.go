package presence

import (
	"context"
	"fmt"
	"sort"

	"go-dm/internal/cache"

	"github.com/redis/go-redis/v9"
)

// RedisDirectory 跨实例在线目录：Hash im:presence:online，field=userId，value=实例 ID。
// 下线只删除属于本实例的记录，用户已迁移到其他实例时保持在线。
// 集合变化通过 im:presence:events 通知其他实例。
type RedisDirectory struct {
	client     redis.UniversalClient
	instanceID string
}

func NewRedisDirectory(client redis.UniversalClient, instanceID string) *RedisDirectory {
	return &RedisDirectory{client: client, instanceID: instanceID}
}

const presenceEvents = "im:presence:events"

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

func (d *RedisDirectory) MarkOnline(ctx context.Context, userID string) error {
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, cache.OnlineUsersKey(), userID, d.instanceID)
	pipe.Publish(ctx, presenceEvents, d.instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark online %s: %w", userID, err)
	}
	return nil
}

func (d *RedisDirectory) MarkOffline(ctx context.Context, userID string) error {
	n, err := releaseScript.Run(ctx, d.client, []string{cache.OnlineUsersKey()}, userID, d.instanceID).Int()
	if err != nil {
		return fmt.Errorf("mark offline %s: %w", userID, err)
	}
	if n > 0 {
		return d.client.Publish(ctx, presenceEvents, d.instanceID).Err()
	}
	return nil
}

// Members 全局在线用户（升序）。
func (d *RedisDirectory) Members(ctx context.Context) ([]string, error) {
	ids, err := d.client.HKeys(ctx, cache.OnlineUsersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list online: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Watch 阻塞直到 ctx 结束；其他实例改变在线集合时调用 fn。
func (d *RedisDirectory) Watch(ctx context.Context, fn func()) error {
	sub := d.client.Subscribe(ctx, presenceEvents)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe presence events: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			if m.Payload != d.instanceID {
				fn()
			}
		}
	}
}
