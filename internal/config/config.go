package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	TCPAddr    string `yaml:"tcpAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MySQLDSN   string `yaml:"mysqlDSN"`
	TiDBDSN    string `yaml:"tidbDSN"`
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`
	InstanceID string `yaml:"instanceID"`

	// 消息存储选择：mongodb、mysql、tidb 或 memory
	MessageDB string `yaml:"messageDB"`

	// 最近消息缓存：redis 或 memory
	CacheBackend     string        `yaml:"cacheBackend"`
	CacheMaxMessages int           `yaml:"cacheMaxMessages"`
	CacheTTL         time.Duration `yaml:"cacheTTL"`
	CacheTimeout     time.Duration `yaml:"cacheTimeout"`
	StoreTimeout     time.Duration `yaml:"storeTimeout"`

	AllowSelfMessage bool `yaml:"allowSelfMessage"`

	// 后台任务
	TaskWorkers int           `yaml:"taskWorkers"`
	TaskQueue   int           `yaml:"taskQueue"`
	TaskTimeout time.Duration `yaml:"taskTimeout"`

	// 跨实例投递与在线目录（依赖 Redis）
	RelayEnabled bool `yaml:"relayEnabled"`
	// 会话锁：local 或 redis；为空时开启 relay 且缓存在 Redis 则用 redis
	LockBackend string `yaml:"lockBackend"`

	// 注册邮箱验证码
	SignupVerification    bool          `yaml:"signupVerification"`
	SignupCodeTTL         time.Duration `yaml:"signupCodeTTL"`
	SignupCodeMaxAttempts int           `yaml:"signupCodeMaxAttempts"`
	PendingSignupTTL      time.Duration `yaml:"pendingSignupTTL"`

	// Kafka 配置（可选）
	KafkaBrokers      string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaMessageTopic string `yaml:"kafkaMessageTopic"`
	KafkaGroupID      string `yaml:"kafkaGroupID"`

	// 速率限制（发送）
	SendQPS   int `yaml:"sendQPS"`
	SendBurst int `yaml:"sendBurst"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`

	// 本地媒体存储
	MediaDir       string `yaml:"mediaDir"`
	MediaBaseURL   string `yaml:"mediaBaseURL"`
	MediaMaxSizeMB int    `yaml:"mediaMaxSizeMB"`

	// 日志
	LogLevel  string `yaml:"logLevel"`
	LogPretty bool   `yaml:"logPretty"`

	CookieSecure bool `yaml:"cookieSecure"`
}

func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		TCPAddr:    "",
		RedisAddr:  "127.0.0.1:6379",
		MySQLDSN:   "root:password@tcp(127.0.0.1:3306)/chat_db?parseTime=true&loc=UTC&charset=utf8mb4",
		TiDBDSN:    "root:@tcp(127.0.0.1:4000)/chat_db?parseTime=true&loc=UTC&charset=utf8mb4",
		MongoURI:   "mongodb://127.0.0.1:27017/chat_db",
		JWTSecret:  "change-me-in-prod",

		MessageDB: "mongodb",

		CacheBackend:     "redis",
		CacheMaxMessages: 50,
		CacheTTL:         2 * time.Hour,
		CacheTimeout:     500 * time.Millisecond,
		StoreTimeout:     5 * time.Second,

		TaskWorkers: 8,
		TaskQueue:   1024,
		TaskTimeout: 10 * time.Second,

		SignupVerification:    true,
		SignupCodeTTL:         time.Minute,
		SignupCodeMaxAttempts: 3,
		PendingSignupTTL:      15 * time.Minute,

		KafkaMessageTopic: "dm-message-sent",
		KafkaGroupID:      "dm-conv-indexer",

		SendQPS:       20,
		SendBurst:     40,
		EnableMetrics: true,

		MediaDir:       "./uploads",
		MediaBaseURL:   "/media",
		MediaMaxSizeMB: 10,

		LogLevel: "info",
	}
}

// Load 按 默认值 -> YAML -> .env/环境变量 的顺序加载，并校验取值。
func Load() (*Config, error) {
	// 1) 默认值
	cfg := Default()

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("DM_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) .env 只补充未设置的环境变量，再由环境变量覆盖 YAML
	_ = godotenv.Load()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 拒绝未知的后端取值，避免拼写错误在运行时才暴露。
func (c *Config) Validate() error {
	switch c.MessageDB {
	case "mongodb", "mysql", "tidb", "memory":
	default:
		return fmt.Errorf("config: unknown messageDB %q (mongodb, mysql, tidb, memory)", c.MessageDB)
	}
	switch c.CacheBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unknown cacheBackend %q (redis, memory)", c.CacheBackend)
	}
	switch c.LockBackend {
	case "", "local", "redis":
	default:
		return fmt.Errorf("config: unknown lockBackend %q (local, redis)", c.LockBackend)
	}
	if c.CacheTimeout <= 0 || c.StoreTimeout <= 0 {
		return fmt.Errorf("config: cacheTimeout and storeTimeout must be positive")
	}
	if c.SignupVerification && (c.SignupCodeTTL <= 0 || c.SignupCodeMaxAttempts <= 0 || c.PendingSignupTTL < c.SignupCodeTTL) {
		return fmt.Errorf("config: signupCodeTTL/signupCodeMaxAttempts must be positive and pendingSignupTTL >= signupCodeTTL")
	}
	return nil
}

// UseRedisLock 会话锁是否跨实例。
func (c *Config) UseRedisLock() bool {
	if c.LockBackend != "" {
		return c.LockBackend == "redis"
	}
	return c.RelayEnabled && c.CacheBackend == "redis"
}

// NeedsRedis 缓存、跨实例投递、限流、会话锁任一使用 Redis。
func (c *Config) NeedsRedis() bool {
	return c.CacheBackend == "redis" || c.RelayEnabled || c.SendQPS > 0 || c.UseRedisLock()
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}
	setDur := func(env string, dst *time.Duration) {
		if v := os.Getenv(env); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setStr("DM_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("DM_TCP_ADDR", &cfg.TCPAddr)
	setStr("DM_REDIS_ADDR", &cfg.RedisAddr)
	setStr("DM_REDIS_PASS", &cfg.RedisPass)
	setInt("DM_REDIS_DB", &cfg.RedisDB)
	setStr("DM_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("DM_TIDB_DSN", &cfg.TiDBDSN)
	setStr("DM_MONGO_URI", &cfg.MongoURI)
	setStr("DM_JWT_SECRET", &cfg.JWTSecret)
	setStr("DM_INSTANCE_ID", &cfg.InstanceID)

	setStr("DM_MESSAGE_DB", &cfg.MessageDB)

	setStr("DM_CACHE_BACKEND", &cfg.CacheBackend)
	setInt("DM_CACHE_MAX_MESSAGES", &cfg.CacheMaxMessages)
	setDur("DM_CACHE_TTL", &cfg.CacheTTL)
	setDur("DM_CACHE_TIMEOUT", &cfg.CacheTimeout)
	setDur("DM_STORE_TIMEOUT", &cfg.StoreTimeout)
	setBool("DM_ALLOW_SELF_MESSAGE", &cfg.AllowSelfMessage)

	setInt("DM_TASK_WORKERS", &cfg.TaskWorkers)
	setInt("DM_TASK_QUEUE", &cfg.TaskQueue)
	setDur("DM_TASK_TIMEOUT", &cfg.TaskTimeout)

	setBool("DM_RELAY_ENABLED", &cfg.RelayEnabled)
	setStr("DM_LOCK_BACKEND", &cfg.LockBackend)

	setBool("DM_SIGNUP_VERIFICATION", &cfg.SignupVerification)
	setDur("DM_SIGNUP_CODE_TTL", &cfg.SignupCodeTTL)
	setInt("DM_SIGNUP_CODE_MAX_ATTEMPTS", &cfg.SignupCodeMaxAttempts)
	setDur("DM_PENDING_SIGNUP_TTL", &cfg.PendingSignupTTL)

	setStr("DM_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("DM_KAFKA_MESSAGE_TOPIC", &cfg.KafkaMessageTopic)
	setStr("DM_KAFKA_GROUP_ID", &cfg.KafkaGroupID)

	setInt("DM_SEND_QPS", &cfg.SendQPS)
	setInt("DM_SEND_BURST", &cfg.SendBurst)
	setBool("DM_ENABLE_METRICS", &cfg.EnableMetrics)

	setStr("DM_MEDIA_DIR", &cfg.MediaDir)
	setStr("DM_MEDIA_BASE_URL", &cfg.MediaBaseURL)
	setInt("DM_MEDIA_MAX_SIZE_MB", &cfg.MediaMaxSizeMB)

	setStr("DM_LOG_LEVEL", &cfg.LogLevel)
	setBool("DM_LOG_PRETTY", &cfg.LogPretty)
	setBool("DM_COOKIE_SECURE", &cfg.CookieSecure)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// KafkaBrokerList 解析逗号分隔的 broker 列表。
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// MessageDSN 消息库 DSN：tidb 使用独立集群，mysql 复用主库。
func (c *Config) MessageDSN() string {
	if c.MessageDB == "tidb" {
		return c.TiDBDSN
	}
	return c.MySQLDSN
}
