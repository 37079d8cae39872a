package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-dm/internal/cache"
	"go-dm/internal/config"
	"go-dm/internal/delivery"
	"go-dm/internal/keylock"
	"go-dm/internal/logging"
	"go-dm/internal/media"
	"go-dm/internal/metrics"
	"go-dm/internal/mq"
	"go-dm/internal/notify"
	httpapi "go-dm/internal/presentation/http"
	"go-dm/internal/presence"
	"go-dm/internal/ratelimit"
	"go-dm/internal/services"
	"go-dm/internal/store"
	"go-dm/internal/store/mongostore"
	"go-dm/internal/store/sqlstore"
	"go-dm/internal/tasks"
	"go-dm/internal/transport/tcp"
	"go-dm/internal/transport/ws"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty, "dm-server")
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

// backends 持久层组合：用户与会话索引在 MySQL（memory 模式下在进程内），消息按 messageDB 选择。
type backends struct {
	users    services.UserRepository
	convs    *store.ConversationStore // memory 模式下为 nil
	messages store.MessageRepository
	close    func()
}

func openBackends(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backends, error) {
	if cfg.MessageDB == "memory" {
		log.Warn().Msg("using in-process stores, data is lost on restart")
		return &backends{users: store.NewMemoryUserStore(), messages: store.NewMemoryMessageStore(), close: func() {}}, nil
	}

	sqlMessages := cfg.MessageDB == "mysql" || cfg.MessageDB == "tidb"
	messageDSN := ""
	if sqlMessages {
		messageDSN = cfg.MessageDSN()
	}
	st, err := sqlstore.OpenStores(cfg.MySQLDSN, messageDSN)
	if err != nil {
		return nil, fmt.Errorf("open sql stores: %w", err)
	}
	if err := sqlstore.Migrate(ctx, st, sqlMessages); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	b := &backends{
		users: store.NewUserStore(st.Primary),
		convs: store.NewConversationStore(st.Primary),
		close: func() { _ = st.Close() },
	}

	switch cfg.MessageDB {
	case "mysql", "tidb":
		b.messages = store.NewSQLMessageStore(st.Message)
	case "mongodb":
		client, db, err := mongostore.Connect(ctx, cfg.MongoURI)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("mongodb: %w", err)
		}
		ms := store.NewMongoMessageStore(db)
		if err := ms.EnsureIndexes(ctx); err != nil {
			log.Warn().Err(err).Msg("ensure mongodb indexes")
		}
		b.messages = ms
		b.close = func() {
			_ = client.Disconnect(context.Background())
			_ = st.Close()
		}
	default:
		st.Close()
		return nil, fmt.Errorf("unknown messageDB %q", cfg.MessageDB)
	}
	return b, nil
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EnableMetrics {
		metrics.Init()
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	log = log.With().Str("instance", instanceID).Logger()

	runner := tasks.New(cfg.TaskWorkers, cfg.TaskQueue, cfg.TaskTimeout, log)

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		defer rdb.Close()
		// 缓存与限流都可降级，启动时不可达只告警
		if err := cache.Ping(ctx, rdb, 3*time.Second); err != nil {
			log.Warn().Err(err).Msg("redis unreachable at startup")
		}
	}

	be, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	var msgCache cache.MessageCache
	if cfg.CacheBackend == "memory" {
		msgCache = cache.NewMemoryMessageCache(cfg.CacheMaxMessages, cfg.CacheTTL)
	} else {
		msgCache = cache.NewRedisMessageCache(rdb, cfg.CacheMaxMessages, cfg.CacheTTL)
	}

	// 在线与投递：开启 relay 时在线目录与投递都跨实例
	reg := presence.NewRegistry()
	var (
		dir   delivery.Directory
		relay delivery.Relay
		rd    *presence.RedisDirectory
		rr    *delivery.RedisRelay
	)
	if cfg.RelayEnabled {
		rd = presence.NewRedisDirectory(rdb, instanceID)
		rr = delivery.NewRedisRelay(rdb, log)
		dir, relay = rd, rr
	}
	broadcaster := delivery.NewBroadcaster(reg, dir, runner, log)
	dispatcher := delivery.NewDispatcher(reg, relay, log)
	if cfg.RelayEnabled {
		go func() {
			if err := rr.Run(ctx, dispatcher.DeliverLocal); err != nil {
				log.Error().Err(err).Msg("relay stopped")
			}
		}()
		go func() {
			if err := rd.Watch(ctx, broadcaster.RemoteChanged); err != nil {
				log.Error().Err(err).Msg("presence watch stopped")
			}
		}()
	}

	// MessageSent：配置 Kafka 时由 conv_indexer 消费，否则直接更新会话索引
	var events services.EventPublisher
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		producer, err := mq.NewKafkaProducer(brokers, cfg.KafkaMessageTopic, log)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer producer.Close()
		events = mq.NewKafkaPublisher(producer)
	} else if be.convs != nil {
		events = mq.NewInlineIndexer(be.convs)
	}

	mediaStore, err := media.NewLocalStore(cfg.MediaDir, cfg.MediaBaseURL, cfg.MediaMaxSizeMB, log)
	if err != nil {
		return fmt.Errorf("media store: %w", err)
	}

	msgSvc := services.NewMessageService(be.messages, msgCache, runner, log)
	msgSvc.Media = mediaStore
	msgSvc.Dispatcher = dispatcher
	msgSvc.Events = events
	msgSvc.CacheTimeout = cfg.CacheTimeout
	msgSvc.StoreTimeout = cfg.StoreTimeout
	msgSvc.AllowSelfMessage = cfg.AllowSelfMessage
	if cfg.UseRedisLock() {
		// 持锁最长：入库 + 追加 + 修复（删除、回源、回填）
		msgSvc.Locks = keylock.NewDistributed(rdb, 2*cfg.StoreTimeout+3*cfg.CacheTimeout, log)
	}

	userSvc := services.NewUserService(be.users, cfg.JWTSecret, log)
	userSvc.Media = mediaStore
	userSvc.Online = broadcaster
	if be.convs != nil {
		userSvc.Convs = be.convs
	}
	if cfg.SignupVerification {
		if cfg.CacheBackend == "redis" {
			userSvc.Pending = store.NewRedisPendingSignupStore(rdb)
		} else {
			userSvc.Pending = store.NewMemoryPendingSignupStore()
		}
		userSvc.Notifier = notify.NewLogNotifier(log)
		userSvc.CodeTTL = cfg.SignupCodeTTL
		userSvc.CodeMaxAttempts = cfg.SignupCodeMaxAttempts
		userSvc.PendingSignupTTL = cfg.PendingSignupTTL
	}

	wsSrv := &ws.Server{JWTSecret: cfg.JWTSecret, Registry: reg, Messages: msgSvc, Presence: broadcaster, Log: log}
	routerCfg := httpapi.RouterConfig{
		Users:         httpapi.NewUserHandler(userSvc, cfg.CookieSecure),
		Messages:      httpapi.NewMessageHandler(msgSvc),
		WS:            wsSrv.Handle,
		JWTSecret:     cfg.JWTSecret,
		EnableMetrics: cfg.EnableMetrics,
		MediaDir:      mediaStore.Dir(),
		MediaBaseURL:  cfg.MediaBaseURL,
		Log:           log,
	}
	if rdb != nil && cfg.SendQPS > 0 {
		limiter := ratelimit.NewTokenBucketLimiter(rdb, cfg.SendQPS, cfg.SendBurst)
		wsSrv.Limiter = limiter
		routerCfg.Limiter = limiter
	}
	if log.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	// TCP（可选）
	tcpSrv := &tcp.Server{Addr: cfg.TCPAddr, JWTSecret: cfg.JWTSecret, Registry: reg, Presence: broadcaster, Log: log}
	go func() {
		if err := tcpSrv.Start(ctx); err != nil {
			log.Error().Err(err).Msg("tcp server stopped")
		}
	}()

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: httpapi.NewRouter(routerCfg), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("message_db", cfg.MessageDB).Str("cache", cfg.CacheBackend).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// 本实例的连接随进程退出，先从全局目录摘除
	if rd != nil {
		for _, uid := range reg.ListOnline() {
			_ = rd.MarkOffline(shutdownCtx, uid)
		}
	}
	if err := runner.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("background tasks not drained")
	}
	return nil
}
