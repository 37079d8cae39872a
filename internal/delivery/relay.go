package delivery

import (
	"context"
	"fmt"

	"go-dm/internal/cache"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisRelay 跨实例投递：发布到 im:deliver:<userId>，各实例以模式订阅 im:deliver:* 接收，
// 只向本实例持有的连接推送。
type RedisRelay struct {
	client redis.UniversalClient
	log    zerolog.Logger
}

func NewRedisRelay(client redis.UniversalClient, log zerolog.Logger) *RedisRelay {
	return &RedisRelay{client: client, log: log.With().Str("component", "relay").Logger()}
}

func (r *RedisRelay) Publish(ctx context.Context, userID string, payload []byte) error {
	if err := r.client.Publish(ctx, cache.DeliverChannel(userID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", userID, err)
	}
	return nil
}

// Run 订阅并把收到的事件交给 deliver，阻塞直到 ctx 结束。
func (r *RedisRelay) Run(ctx context.Context, deliver func(userID string, payload []byte) Outcome) error {
	sub := r.client.PSubscribe(ctx, cache.DeliverPattern())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", cache.DeliverPattern(), err)
	}
	r.log.Info().Str("pattern", cache.DeliverPattern()).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			uid, ok := cache.UserFromDeliverChannel(m.Channel)
			if !ok {
				continue
			}
			deliver(uid, []byte(m.Payload))
		}
	}
}
