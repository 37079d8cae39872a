package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-dm/internal/models"
)

type cacheCase struct {
	name    string
	cache   MessageCache
	advance func(time.Duration)
}

func newCaches(t *testing.T, max int, ttl time.Duration) []cacheCase {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mem := NewMemoryMessageCache(max, ttl).WithClock(func() time.Time { return now })

	return []cacheCase{
		{name: "redis", cache: NewRedisMessageCache(client, max, ttl), advance: mr.FastForward},
		{name: "memory", cache: mem, advance: func(d time.Duration) { now = now.Add(d) }},
	}
}

func msg(i int) *models.Message {
	return &models.Message{
		ID:         fmt.Sprintf("m%02d", i),
		SenderID:   "u1",
		ReceiverID: "u2",
		Text:       fmt.Sprintf("message %d", i),
		CreatedAt:  time.Date(2024, 5, 1, 12, 0, i, 0, time.UTC),
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestGetMissReturnsEmpty(t *testing.T) {
	for _, tc := range newCaches(t, 50, time.Hour) {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cache.Get(context.Background(), "u1_u2")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestAppendCreatesOnMissAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	for _, tc := range newCaches(t, 50, time.Hour) {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.cache.Append(ctx, "u1_u2", msg(1)))
			require.NoError(t, tc.cache.Append(ctx, "u1_u2", msg(2)))
			got, err := tc.cache.Get(ctx, "u1_u2")
			require.NoError(t, err)
			assert.Equal(t, []string{"m01", "m02"}, ids(got))
			assert.Equal(t, "message 1", got[0].Text)
			assert.True(t, got[0].CreatedAt.Equal(msg(1).CreatedAt))
		})
	}
}

func TestAppendTrimsToMostRecentN(t *testing.T) {
	ctx := context.Background()
	for _, tc := range newCaches(t, 50, time.Hour) {
		t.Run(tc.name, func(t *testing.T) {
			for i := 1; i <= 60; i++ {
				require.NoError(t, tc.cache.Append(ctx, "u1_u2", msg(i)))
			}
			got, err := tc.cache.Get(ctx, "u1_u2")
			require.NoError(t, err)
			require.Len(t, got, 50)
			assert.Equal(t, "m11", got[0].ID)
			assert.Equal(t, "m60", got[49].ID)
		})
	}
}

func TestExpiryAfterTTL(t *testing.T) {
	ctx := context.Background()
	for _, tc := range newCaches(t, 50, 2*time.Hour) {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.cache.Append(ctx, "u1_u2", msg(1)))

			tc.advance(time.Hour)
			// 写入刷新 TTL
			require.NoError(t, tc.cache.Append(ctx, "u1_u2", msg(2)))
			tc.advance(90 * time.Minute)
			got, err := tc.cache.Get(ctx, "u1_u2")
			require.NoError(t, err)
			assert.Len(t, got, 2)

			tc.advance(31 * time.Minute)
			got, err = tc.cache.Get(ctx, "u1_u2")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestRefillReplacesAndTrims(t *testing.T) {
	ctx := context.Background()
	for _, tc := range newCaches(t, 3, time.Hour) {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.cache.Append(ctx, "u1_u2", msg(99)))

			history := []models.Message{*msg(1), *msg(2), *msg(3), *msg(4), *msg(5)}
			require.NoError(t, tc.cache.Refill(ctx, "u1_u2", history))
			got, err := tc.cache.Get(ctx, "u1_u2")
			require.NoError(t, err)
			assert.Equal(t, []string{"m03", "m04", "m05"}, ids(got))

			// 调用方持有的切片不受裁剪影响
			assert.Len(t, history, 5)

			require.NoError(t, tc.cache.Refill(ctx, "u1_u2", nil))
			got, err = tc.cache.Get(ctx, "u1_u2")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestKeysAreIsolated(t *testing.T) {
	ctx := context.Background()
	for _, tc := range newCaches(t, 50, time.Hour) {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.cache.Append(ctx, "u1_u2", msg(1)))
			require.NoError(t, tc.cache.Append(ctx, "u1_u3", msg(2)))
			got, err := tc.cache.Get(ctx, "u1_u3")
			require.NoError(t, err)
			assert.Equal(t, []string{"m02"}, ids(got))
		})
	}
}

func TestRedisLayoutAndCorruptEntry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewRedisMessageCache(client, 50, 2*time.Hour)

	require.NoError(t, c.Append(ctx, "u1_u2", msg(1)))
	assert.True(t, mr.Exists("im:chat:u1_u2"))
	assert.Equal(t, 2*time.Hour, mr.TTL("im:chat:u1_u2"))

	_, err := mr.Push("im:chat:u1_u2", "{not json")
	require.NoError(t, err)
	_, err = c.Get(ctx, "u1_u2")
	assert.Error(t, err)
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	c := NewRedisMessageCache(client, 50, time.Hour)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Get(ctx, "u1_u2")
	assert.Error(t, err)
	assert.Error(t, c.Append(ctx, "u1_u2", msg(1)))
}

func TestUserFromDeliverChannel(t *testing.T) {
	uid, ok := UserFromDeliverChannel(DeliverChannel("u9"))
	assert.True(t, ok)
	assert.Equal(t, "u9", uid)
	_, ok = UserFromDeliverChannel("im:chat:u1_u2")
	assert.False(t, ok)
}
