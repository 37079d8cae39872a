// Package presence 维护“用户 -> 当前连接”的映射（单设备：新连接替换旧连接），
// 不依赖任何具体传输层，连接通过 Channel 接口抽象。
package presence

import (
	"errors"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrChannelFull 下行队列已满，本次推送被丢弃。
	ErrChannelFull = errors.New("channel outbound queue full")
	// ErrChannelClosed 连接已关闭。
	ErrChannelClosed = errors.New("channel closed")
)

// Channel 是一条可推送的实时连接。Push 不得阻塞调用方。
type Channel interface {
	Push(payload []byte) error
	Close() error
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	conns map[string]Channel
}

// Registry 分片存储，按用户 ID 的 xxhash 选择分片，读多写少用 RWMutex。
type Registry struct {
	shards [shardCount]shard

	lmu       sync.RWMutex
	listeners []ChangeFunc
}

// ChangeFunc 在线集合变化回调：online=true 上线，false 下线。
type ChangeFunc func(userID string, online bool)

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]Channel)
	}
	return r
}

func (r *Registry) shard(userID string) *shard {
	return &r.shards[xxhash.Sum64String(userID)%shardCount]
}

// Register 将 ch 设为 userID 的当前连接，返回被替换的旧连接（无则为 nil），由调用方负责关闭。
func (r *Registry) Register(userID string, ch Channel) Channel {
	s := r.shard(userID)
	s.mu.Lock()
	prev, existed := s.conns[userID]
	s.conns[userID] = ch
	s.mu.Unlock()
	if !existed {
		r.notify(userID, true)
	}
	return prev
}

// Unregister 无条件移除；重复调用无副作用。
func (r *Registry) Unregister(userID string) {
	s := r.shard(userID)
	s.mu.Lock()
	_, existed := s.conns[userID]
	delete(s.conns, userID)
	s.mu.Unlock()
	if existed {
		r.notify(userID, false)
	}
}

// Release 仅当 ch 仍是 userID 的当前连接时移除，返回是否移除。
// 旧连接断开晚于新连接注册时，不会把新连接踢下线。
func (r *Registry) Release(userID string, ch Channel) bool {
	s := r.shard(userID)
	s.mu.Lock()
	cur, ok := s.conns[userID]
	removed := ok && cur == ch
	if removed {
		delete(s.conns, userID)
	}
	s.mu.Unlock()
	if removed {
		r.notify(userID, false)
	}
	return removed
}

func (r *Registry) Lookup(userID string) (Channel, bool) {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.conns[userID]
	return ch, ok
}

// ListOnline 返回本实例在线用户（升序）。
func (r *Registry) ListOnline() []string {
	out := make([]string, 0)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for uid := range s.conns {
			out = append(out, uid)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Each 遍历当前全部连接的快照。
func (r *Registry) Each(fn func(userID string, ch Channel)) {
	type entry struct {
		uid string
		ch  Channel
	}
	var snap []entry
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for uid, ch := range s.conns {
			snap = append(snap, entry{uid, ch})
		}
		s.mu.RUnlock()
	}
	for _, e := range snap {
		fn(e.uid, e.ch)
	}
}

func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// OnChange 订阅在线集合变化（上线/下线，不含同一用户的连接替换）。回调在锁外同步执行。
func (r *Registry) OnChange(fn ChangeFunc) {
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

func (r *Registry) notify(userID string, online bool) {
	r.lmu.RLock()
	ls := r.listeners
	r.lmu.RUnlock()
	for _, fn := range ls {
		fn(userID, online)
	}
}
