// Package services 实现业务服务：消息发送与历史读取、用户与联系人。
package services

import (
	"context"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/cache"
	"go-dm/internal/delivery"
	"go-dm/internal/keylock"
	"go-dm/internal/metrics"
	"go-dm/internal/models"
	"go-dm/internal/store"
	"go-dm/internal/tasks"

	"github.com/rs/zerolog"
)

// Uploader 把内联图片转存并返回 URL（media.LocalStore）。
type Uploader interface {
	Upload(ctx context.Context, payload string) (string, error)
}

// Dispatcher 实时推送（delivery.Dispatcher）。
type Dispatcher interface {
	Dispatch(ctx context.Context, recipientID string, m *models.Message) delivery.Outcome
}

// EventPublisher 消息入库事件（Kafka 或直接更新会话索引）。
type EventPublisher interface {
	PublishMessageSent(ctx context.Context, m *models.Message) error
}

// TaskRunner 后台任务（tasks.Runner）。
type TaskRunner interface {
	GoKeyed(key, name string, fn tasks.Func)
}

const (
	DefaultCacheTimeout = 500 * time.Millisecond
	DefaultStoreTimeout = 5 * time.Second
)

// MessageService 负责消息生命周期：
// - Send：校验/图片转存/入库/写缓存，随后后台推送与发布事件
// - History：先读缓存，未命中回源持久层并回填
// 同一会话的“入库+写缓存”与“回源+回填”由 Locks 串行化，缓存追加顺序与入库顺序一致。
// 多实例共享缓存时 Locks 需为 keylock.Distributed；拿不到锁时不写缓存，只删除该会话的缓存。
// 依赖：MessageRepository + MessageCache（可选 Media/Dispatcher/Events）
type MessageService struct {
	Store      store.MessageRepository
	Cache      cache.MessageCache
	Tasks      TaskRunner
	Media      Uploader       // 可选，为 nil 时拒绝图片消息
	Dispatcher Dispatcher     // 可选
	Events     EventPublisher // 可选
	Locks      keylock.Locker

	CacheTimeout     time.Duration
	StoreTimeout     time.Duration
	AllowSelfMessage bool

	log zerolog.Logger
}

func NewMessageService(ms store.MessageRepository, mc cache.MessageCache, runner TaskRunner, log zerolog.Logger) *MessageService {
	return &MessageService{
		Store:        ms,
		Cache:        mc,
		Tasks:        runner,
		Locks:        keylock.New(keylock.DefaultStripes),
		CacheTimeout: DefaultCacheTimeout,
		StoreTimeout: DefaultStoreTimeout,
		log:          log.With().Str("component", "message-service").Logger(),
	}
}

// SendRequest 来自 HTTP/WS 层；Image 为内联图片（data URL 或 base64）。
type SendRequest struct {
	SenderID   string `json:"-"`
	ReceiverID string `json:"-"`
	Text       string `json:"text"`
	Image      string `json:"image"`
}

// Send 执行消息发送：
// 1) 校验草稿；有图片先转存（失败则不入库）
// 2) 加会话锁，入库（失败直接返回 Persistence 错误）
// 3) 在同一把锁内追加缓存（失败只记日志），并按会话入队推送与事件任务
// 4) 释放锁返回，推送不阻塞响应
func (s *MessageService) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	start := time.Now()
	d, err := models.NewDraft(req.SenderID, req.ReceiverID, req.Text, req.Image, s.AllowSelfMessage)
	if err != nil {
		return nil, err
	}
	if req.Image != "" {
		if d.ImageURL, err = s.upload(ctx, req.Image); err != nil {
			return nil, err
		}
	}

	key := models.ConversationKey(d.SenderID, d.ReceiverID)
	unlock, lockErr := s.lock(ctx, key)
	m, err := s.insert(ctx, d)
	if err != nil {
		unlock()
		s.log.Error().Err(err).Str("conversation", key).Msg("persist message")
		return nil, apperr.Persistence("failed to save message", err)
	}
	if lockErr == nil {
		s.appendToCache(ctx, key, m)
	} else {
		s.invalidate(ctx, key)
	}
	s.enqueueSideEffects(key, m)
	unlock()

	metrics.MessageSendLatency.Observe(float64(time.Since(start).Milliseconds()))
	s.log.Debug().Str("conversation", key).Str("message_id", m.ID).Msg("message sent")
	return m, nil
}

func (s *MessageService) upload(ctx context.Context, payload string) (string, error) {
	if s.Media == nil {
		return "", apperr.Upload("image messages are not supported", nil, false)
	}
	url, err := s.Media.Upload(ctx, payload)
	if err != nil {
		if apperr.IsKind(err, apperr.KindUpload) {
			return "", err
		}
		return "", apperr.Upload("image upload failed", err, false)
	}
	return url, nil
}

// lock 获取会话锁，最多等待 StoreTimeout。失败时返回空操作的解锁函数，调用方不得写缓存。
func (s *MessageService) lock(ctx context.Context, key string) (func(), error) {
	lctx, cancel := context.WithTimeout(ctx, s.StoreTimeout)
	defer cancel()
	unlock, err := s.Locks.Acquire(lctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", key).Msg("conversation lock unavailable")
		return func() {}, err
	}
	return unlock, nil
}

func (s *MessageService) insert(ctx context.Context, d *models.Draft) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.StoreTimeout)
	defer cancel()
	return s.Store.Insert(ctx, d)
}

// appendToCache 消息已入库，调用方断开也要完成追加，因此脱离请求的取消信号。
func (s *MessageService) appendToCache(ctx context.Context, key string, m *models.Message) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.CacheTimeout)
	defer cancel()
	err := s.Cache.Append(actx, key, m)
	if err == nil {
		metrics.CacheRequests.WithLabelValues("append", "ok").Inc()
		return
	}
	metrics.CacheRequests.WithLabelValues("append", "error").Inc()
	s.log.Warn().Err(apperr.CacheUnavailable("cache append", err)).Str("conversation", key).Msg("cache append failed")
	s.repair(ctx, key, m)
}

// repair 追加失败后（仍持有会话锁）先删除该键；删除成功说明缓存可达，
// 再用持久层结果重建，避免下一次追加惰性新建一个只含最新消息的列表。
func (s *MessageService) repair(ctx context.Context, key string, m *models.Message) {
	if !s.invalidate(ctx, key) {
		return
	}
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.StoreTimeout)
	defer cancel()
	msgs, err := s.Store.QueryConversation(qctx, m.SenderID, m.ReceiverID)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", key).Msg("reload conversation after cache failure")
		return
	}
	if len(msgs) > 0 {
		s.refill(ctx, key, msgs)
	}
}

// invalidate 尽力删除该会话的缓存，避免之后命中缺少消息的列表。
// 调用时原超时可能已耗尽，这里使用新的超时。
func (s *MessageService) invalidate(ctx context.Context, key string) bool {
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.CacheTimeout)
	defer cancel()
	if err := s.Cache.Refill(ictx, key, nil); err != nil {
		metrics.CacheRequests.WithLabelValues("invalidate", "error").Inc()
		s.log.Warn().Err(err).Str("conversation", key).Msg("cache invalidate failed")
		return false
	}
	metrics.CacheRequests.WithLabelValues("invalidate", "ok").Inc()
	return true
}

func (s *MessageService) enqueueSideEffects(key string, m *models.Message) {
	if s.Dispatcher != nil {
		s.Tasks.GoKeyed(key, "dispatch", func(ctx context.Context) error {
			s.Dispatcher.Dispatch(ctx, m.ReceiverID, m)
			return nil
		})
	}
	if s.Events != nil {
		s.Tasks.GoKeyed(key, "message-sent", func(ctx context.Context) error {
			return s.Events.PublishMessageSent(ctx, m)
		})
	}
}

// History 返回两人会话历史（按写入顺序）。
// 命中缓存直接返回；未命中时加会话锁、二次检查缓存、回源并回填。
// 缓存故障或超时时退化为只读持久层，且不再尝试回填。
func (s *MessageService) History(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	if userID == "" || peerID == "" {
		return nil, apperr.Validation("user id is required")
	}
	key := models.ConversationKey(userID, peerID)
	if msgs, hit, _ := s.cachedHistory(ctx, key); hit {
		return msgs, nil
	}

	unlock, lockErr := s.lock(ctx, key)
	defer unlock()

	// 等锁期间可能已有其他请求完成回填；没拿到锁则只读持久层
	cacheOK := false
	if lockErr == nil {
		var (
			msgs []models.Message
			hit  bool
		)
		if msgs, hit, cacheOK = s.cachedHistory(ctx, key); hit {
			return msgs, nil
		}
	}

	qctx, cancel := context.WithTimeout(ctx, s.StoreTimeout)
	defer cancel()
	msgs, err := s.Store.QueryConversation(qctx, userID, peerID)
	if err != nil {
		s.log.Error().Err(err).Str("conversation", key).Msg("query conversation")
		return nil, apperr.Persistence("failed to load messages", err)
	}
	if cacheOK && len(msgs) > 0 {
		s.refill(ctx, key, msgs)
	}
	return msgs, nil
}

// cachedHistory 返回 (消息, 是否命中, 缓存是否可用)。
func (s *MessageService) cachedHistory(ctx context.Context, key string) ([]models.Message, bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.CacheTimeout)
	defer cancel()
	msgs, err := s.Cache.Get(ctx, key)
	if err != nil {
		metrics.CacheRequests.WithLabelValues("get", "error").Inc()
		s.log.Warn().Err(apperr.CacheUnavailable("cache get", err)).Str("conversation", key).Msg("cache read failed, falling back to store")
		return nil, false, false
	}
	if len(msgs) == 0 {
		metrics.CacheRequests.WithLabelValues("get", "miss").Inc()
		return nil, false, true
	}
	metrics.CacheRequests.WithLabelValues("get", "hit").Inc()
	return msgs, true, true
}

func (s *MessageService) refill(ctx context.Context, key string, msgs []models.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.CacheTimeout)
	defer cancel()
	if err := s.Cache.Refill(ctx, key, msgs); err != nil {
		metrics.CacheRequests.WithLabelValues("refill", "error").Inc()
		s.log.Warn().Err(apperr.CacheUnavailable("cache refill", err)).Str("conversation", key).Msg("cache refill failed")
		return
	}
	metrics.CacheRequests.WithLabelValues("refill", "ok").Inc()
}
