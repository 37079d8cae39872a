package delivery

import (
	"context"

	"go-dm/internal/metrics"
	"go-dm/internal/presence"
	"go-dm/internal/tasks"

	"github.com/rs/zerolog"
)

// Directory 跨实例在线目录（presence.RedisDirectory）。
type Directory interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
	Members(ctx context.Context) ([]string, error)
}

// Submitter 后台任务提交（tasks.Runner）。
type Submitter interface {
	GoKeyed(key, name string, fn tasks.Func)
}

// 所有在线状态任务共用一个 key，保证目录更新与广播按发生顺序执行
const presenceTaskKey = "presence"

// Broadcaster 在线集合变化时同步目录，并向本实例全部连接推送 onlineUsers。
type Broadcaster struct {
	reg   *presence.Registry
	dir   Directory
	tasks Submitter
	log   zerolog.Logger
}

// NewBroadcaster dir 可为 nil，此时在线列表只来自本实例注册表。
func NewBroadcaster(reg *presence.Registry, dir Directory, tasks Submitter, log zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		reg:   reg,
		dir:   dir,
		tasks: tasks,
		log:   log.With().Str("component", "broadcaster").Logger(),
	}
	reg.OnChange(b.handleChange)
	return b
}

// handleChange 的 online 参数不直接使用：任务执行时重新读取注册表，
// 同一用户的上线/下线任务即使乱序执行，最后一个任务也会写入当前状态。
func (b *Broadcaster) handleChange(userID string, _ bool) {
	metrics.OnlineUsers.Set(float64(b.reg.Count()))
	b.tasks.GoKeyed(presenceTaskKey, "presence-change", func(ctx context.Context) error {
		b.syncDirectory(ctx, userID)
		return b.Broadcast(ctx)
	})
}

func (b *Broadcaster) syncDirectory(ctx context.Context, userID string) {
	if b.dir == nil {
		return
	}
	_, online := b.reg.Lookup(userID)
	var err error
	if online {
		err = b.dir.MarkOnline(ctx, userID)
	} else {
		err = b.dir.MarkOffline(ctx, userID)
	}
	if err != nil {
		// 目录不可用不影响本地广播
		b.log.Warn().Err(err).Str("user_id", userID).Bool("online", online).Msg("presence directory update failed")
	}
}

// RemoteChanged 其他实例的在线集合发生变化。
func (b *Broadcaster) RemoteChanged() {
	b.tasks.GoKeyed(presenceTaskKey, "presence-remote", b.Broadcast)
}

// OnlineUsers 全局在线用户；目录不可用时退化为本实例视图。
func (b *Broadcaster) OnlineUsers(ctx context.Context) []string {
	if b.dir == nil {
		return b.reg.ListOnline()
	}
	ids, err := b.dir.Members(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("presence directory unavailable, using local view")
		return b.reg.ListOnline()
	}
	return ids
}

// Broadcast 向本实例全部连接推送当前在线列表。
func (b *Broadcaster) Broadcast(ctx context.Context) error {
	payload, err := Encode(ActionOnlineUsers, b.OnlineUsers(ctx))
	if err != nil {
		return err
	}
	b.reg.Each(func(userID string, ch presence.Channel) {
		if err := ch.Push(payload); err != nil {
			b.log.Debug().Err(err).Str("user_id", userID).Msg("online users push failed")
		}
	})
	return nil
}

// PushSnapshot 向单个连接推送在线列表（连接替换不会触发集合变化）。
func (b *Broadcaster) PushSnapshot(ctx context.Context, ch presence.Channel) error {
	payload, err := Encode(ActionOnlineUsers, b.OnlineUsers(ctx))
	if err != nil {
		return err
	}
	return ch.Push(payload)
}
