// Package keylock 提供按字符串键的互斥锁：
// - Striped：进程内分片锁，同一键串行，不同键大概率并行
// - Distributed：进程内分片锁 + Redis 锁（redsync），多实例共用一个键空间时使用
package keylock

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultStripes = 256

// Locker 获取 key 的互斥权，返回解锁函数；获取失败（超时、后端不可用）返回错误。
type Locker interface {
	Acquire(ctx context.Context, key string) (unlock func(), err error)
}

type Striped struct {
	mus []sync.Mutex
}

func New(stripes int) *Striped {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	return &Striped{mus: make([]sync.Mutex, stripes)}
}

// Lock 锁住 key 所在分片，返回解锁函数。
func (s *Striped) Lock(key string) (unlock func()) {
	mu := &s.mus[xxhash.Sum64String(key)%uint64(len(s.mus))]
	mu.Lock()
	return mu.Unlock
}

// Acquire 进程内锁不会失败。
func (s *Striped) Acquire(_ context.Context, key string) (func(), error) {
	return s.Lock(key), nil
}
