package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 本包封装 Redis 客户端构造与常用键：
// - 最近消息列表：im:chat:<conversationKey>
// - 在线集合：im:presence:online
// - 跨实例投递通道：im:deliver:<userId>
// 客户端在进程启动时创建一次，显式注入到需要的组件，不使用包级全局变量。

func NewRedisClient(addr, pass string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

// Ping 启动期连通性检查。
func Ping(ctx context.Context, c *redis.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

const deliverPrefix = "im:deliver:"

func ChatKey(conversationKey string) string { return "im:chat:" + conversationKey }
func OnlineUsersKey() string                { return "im:presence:online" }
func DeliverChannel(userID string) string   { return deliverPrefix + userID }
func DeliverPattern() string                { return deliverPrefix + "*" }

// UserFromDeliverChannel 从投递通道名解析用户 ID。
func UserFromDeliverChannel(channel string) (string, bool) {
	if len(channel) <= len(deliverPrefix) || channel[:len(deliverPrefix)] != deliverPrefix {
		return "", false
	}
	return channel[len(deliverPrefix):], true
}
