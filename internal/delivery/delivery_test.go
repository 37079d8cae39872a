package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go-dm/internal/models"
	"go-dm/internal/presence"
	"go-dm/internal/tasks"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder 记录推送内容；full=true 模拟下行队列已满
type recorder struct {
	mu   sync.Mutex
	got  [][]byte
	full bool
}

func (r *recorder) Push(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return presence.ErrChannelFull
	}
	r.got = append(r.got, p)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) events(t *testing.T) []Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.got))
	for _, p := range r.got {
		var e Event
		require.NoError(t, json.Unmarshal(p, &e))
		out = append(out, e)
	}
	return out
}

type relayStub struct {
	err   error
	calls []string
}

func (s *relayStub) Publish(_ context.Context, userID string, _ []byte) error {
	s.calls = append(s.calls, userID)
	return s.err
}

func testMessage() *models.Message {
	return &models.Message{ID: "m1", SenderID: "u2", ReceiverID: "u1", Text: "hi", CreatedAt: time.Now().UTC()}
}

func TestDispatchPushesToOnlineRecipientOnly(t *testing.T) {
	reg := presence.NewRegistry()
	u1, u2 := &recorder{}, &recorder{}
	reg.Register("u1", u1)
	reg.Register("u2", u2)

	d := NewDispatcher(reg, nil, zerolog.Nop())
	assert.Equal(t, OutcomePushed, d.Dispatch(context.Background(), "u1", testMessage()))

	evs := u1.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, ActionNewMessage, evs[0].Action)
	data := evs[0].Data.(map[string]any)
	assert.Equal(t, "hi", data["text"])
	assert.Equal(t, "m1", data["_id"])
	assert.Empty(t, u2.events(t))
}

func TestDispatchOfflineIsSkipped(t *testing.T) {
	d := NewDispatcher(presence.NewRegistry(), nil, zerolog.Nop())
	assert.Equal(t, OutcomeSkipped, d.Dispatch(context.Background(), "u1", testMessage()))
}

func TestDispatchFullChannelFails(t *testing.T) {
	reg := presence.NewRegistry()
	reg.Register("u1", &recorder{full: true})
	d := NewDispatcher(reg, nil, zerolog.Nop())
	assert.Equal(t, OutcomeFailed, d.Dispatch(context.Background(), "u1", testMessage()))
}

func TestDispatchRelaysWhenNotLocal(t *testing.T) {
	reg := presence.NewRegistry()
	relay := &relayStub{}
	d := NewDispatcher(reg, relay, zerolog.Nop())

	assert.Equal(t, OutcomeRelayed, d.Dispatch(context.Background(), "u1", testMessage()))
	assert.Equal(t, []string{"u1"}, relay.calls)

	// 本地在线时不经过中继
	reg.Register("u1", &recorder{})
	assert.Equal(t, OutcomePushed, d.Dispatch(context.Background(), "u1", testMessage()))
	assert.Len(t, relay.calls, 1)

	relay.err = errors.New("redis down")
	assert.Equal(t, OutcomeFailed, d.Dispatch(context.Background(), "u9", testMessage()))
}

func TestRedisRelayEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// 实例 B 持有 u1 的连接
	regB := presence.NewRegistry()
	u1 := &recorder{}
	regB.Register("u1", u1)
	dispB := NewDispatcher(regB, nil, zerolog.Nop())
	relayB := NewRedisRelay(client, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- relayB.Run(ctx, dispB.DeliverLocal) }()
	require.Eventually(t, func() bool {
		n, _ := client.PubSubNumPat(context.Background()).Result()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	// 实例 A 没有 u1 的连接，经中继转发
	dispA := NewDispatcher(presence.NewRegistry(), NewRedisRelay(client, zerolog.Nop()), zerolog.Nop())
	assert.Equal(t, OutcomeRelayed, dispA.Dispatch(context.Background(), "u1", testMessage()))

	require.Eventually(t, func() bool { return len(u1.events(t)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ActionNewMessage, u1.events(t)[0].Action)

	cancel()
	assert.NoError(t, <-done)
}

type dirStub struct {
	mu      sync.Mutex
	online  map[string]bool
	failGet bool
}

func (d *dirStub) MarkOnline(_ context.Context, uid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online[uid] = true
	return nil
}

func (d *dirStub) MarkOffline(_ context.Context, uid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.online, uid)
	return nil
}

func (d *dirStub) Members(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failGet {
		return nil, errors.New("unavailable")
	}
	out := []string{"remote"}
	for uid := range d.online {
		out = append(out, uid)
	}
	return out, nil
}

func onlineLists(t *testing.T, r *recorder) [][]string {
	var out [][]string
	for _, e := range r.events(t) {
		if e.Action != ActionOnlineUsers {
			continue
		}
		var ids []string
		for _, v := range e.Data.([]any) {
			ids = append(ids, v.(string))
		}
		out = append(out, ids)
	}
	return out
}

func TestBroadcasterPushesOnlineListOnChange(t *testing.T) {
	reg := presence.NewRegistry()
	runner := tasks.New(2, 16, time.Second, zerolog.Nop())
	NewBroadcaster(reg, nil, runner, zerolog.Nop())

	u1, u2 := &recorder{}, &recorder{}
	reg.Register("u1", u1)
	reg.Register("u2", u2)
	reg.Release("u2", u2)
	require.NoError(t, runner.Close(context.Background()))

	lists := onlineLists(t, u1)
	require.NotEmpty(t, lists)
	// 最后一次广播发生在全部变更之后
	assert.Equal(t, []string{"u1"}, lists[len(lists)-1])
}

func TestBroadcasterSyncsDirectory(t *testing.T) {
	reg := presence.NewRegistry()
	runner := tasks.New(1, 16, time.Second, zerolog.Nop())
	dir := &dirStub{online: map[string]bool{}}
	b := NewBroadcaster(reg, dir, runner, zerolog.Nop())

	u1 := &recorder{}
	reg.Register("u1", u1)
	require.NoError(t, runner.Close(context.Background()))

	assert.True(t, dir.online["u1"])
	assert.ElementsMatch(t, []string{"remote", "u1"}, b.OnlineUsers(context.Background()))

	dir.failGet = true
	assert.Equal(t, []string{"u1"}, b.OnlineUsers(context.Background()))
}

func TestPushSnapshot(t *testing.T) {
	reg := presence.NewRegistry()
	runner := tasks.New(1, 4, time.Second, zerolog.Nop())
	defer runner.Close(context.Background())
	b := NewBroadcaster(reg, nil, runner, zerolog.Nop())

	ch := &recorder{}
	require.NoError(t, b.PushSnapshot(context.Background(), ch))
	assert.Equal(t, [][]string{nil}, onlineLists(t, ch))
}

// heldTasks 收集任务，由测试决定执行顺序
type heldTasks struct {
	fns []tasks.Func
}

func (h *heldTasks) GoKeyed(_, _ string, fn tasks.Func) { h.fns = append(h.fns, fn) }

func TestBroadcasterDirectoryFollowsRegistryWhenTasksReorder(t *testing.T) {
	reg := presence.NewRegistry()
	held := &heldTasks{}
	dir := &dirStub{online: map[string]bool{}}
	NewBroadcaster(reg, dir, held, zerolog.Nop())
	ctx := context.Background()

	ch := &recorder{}
	reg.Register("u1", ch)
	reg.Release("u1", ch)
	require.Len(t, held.fns, 2)

	// 下线任务先执行，上线任务后执行
	require.NoError(t, held.fns[1](ctx))
	require.NoError(t, held.fns[0](ctx))
	assert.False(t, dir.online["u1"])

	// 重新上线后同样以注册表为准
	held.fns = nil
	reg.Register("u1", ch)
	for i := len(held.fns) - 1; i >= 0; i-- {
		require.NoError(t, held.fns[i](ctx))
	}
	assert.True(t, dir.online["u1"])
}
