package keylock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultLockExpiry = 15 * time.Second
	lockRetryDelay    = 20 * time.Millisecond
	lockKeyPrefix     = "dm:lock:"
)

// Distributed 先取本进程的分片锁，再取 Redis 上的同名锁。
// 本进程内的竞争不会打到 Redis，跨实例的竞争由 redsync 串行。
// expiry 需大于持锁期间最长的操作（入库超时 + 缓存超时）。
type Distributed struct {
	local  *Striped
	rs     *redsync.Redsync
	expiry time.Duration
	log    zerolog.Logger
}

func NewDistributed(client redis.UniversalClient, expiry time.Duration, log zerolog.Logger) *Distributed {
	if expiry <= 0 {
		expiry = DefaultLockExpiry
	}
	return &Distributed{
		local:  New(DefaultStripes),
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		log:    log.With().Str("component", "keylock").Logger(),
	}
}

// LockName Redis 中的锁键。
func LockName(key string) string { return lockKeyPrefix + key }

// Acquire 等待直到拿到锁或 ctx 结束。
func (d *Distributed) Acquire(ctx context.Context, key string) (func(), error) {
	unlockLocal := d.local.Lock(key)
	m := d.rs.NewMutex(LockName(key),
		redsync.WithExpiry(d.expiry),
		redsync.WithTries(int(d.expiry/lockRetryDelay)),
		redsync.WithRetryDelay(lockRetryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		unlockLocal()
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		// 锁已过期时 Unlock 报错，此时键可能已被他人持有，不做处理
		if ok, err := m.UnlockContext(rctx); err != nil || !ok {
			d.log.Warn().Err(err).Str("key", key).Msg("release lock")
		}
		unlockLocal()
	}, nil
}
