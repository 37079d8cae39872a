package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
listenAddr: ":9090"
cacheMaxMessages: 20
cacheTTL: 30m
messageDB: mysql
`), 0o644))

	t.Setenv("DM_CONFIG_FILE", path)
	t.Setenv("DM_CACHE_MAX_MESSAGES", "80")
	t.Setenv("DM_ALLOW_SELF_MESSAGE", "true")
	t.Setenv("DM_CACHE_TIMEOUT", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	// YAML
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL)
	assert.Equal(t, "mysql", cfg.MessageDB)
	// 环境变量覆盖 YAML
	assert.Equal(t, 80, cfg.CacheMaxMessages)
	assert.True(t, cfg.AllowSelfMessage)
	assert.Equal(t, 250*time.Millisecond, cfg.CacheTimeout)
	// 默认值
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 50, cfg.CacheMaxMessages)
	assert.Equal(t, 2*time.Hour, cfg.CacheTTL)
	assert.False(t, cfg.AllowSelfMessage)
	assert.Equal(t, "mongodb", cfg.MessageDB)
	assert.Equal(t, "dm-message-sent", cfg.KafkaMessageTopic)
}

func TestInvalidEnvIgnored(t *testing.T) {
	t.Setenv("DM_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yml"))
	t.Setenv("DM_CACHE_TTL", "soon")
	t.Setenv("DM_TASK_WORKERS", "many")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 8, cfg.TaskWorkers)
}

func TestKafkaBrokerListAndMessageDSN(t *testing.T) {
	cfg := Default()
	cfg.KafkaBrokers = " k1:9092, ,k2:9092"
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokerList())

	cfg.KafkaBrokers = ""
	assert.Nil(t, cfg.KafkaBrokerList())

	cfg.MessageDB = "tidb"
	assert.Equal(t, cfg.TiDBDSN, cfg.MessageDSN())
	cfg.MessageDB = "mysql"
	assert.Equal(t, cfg.MySQLDSN, cfg.MessageDSN())
}

func TestUnknownBackendsRejected(t *testing.T) {
	t.Setenv("DM_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yml"))
	t.Setenv("DM_CACHE_BACKEND", "rediss")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cacheBackend")

	for _, mutate := range []func(*Config){
		func(c *Config) { c.MessageDB = "postgres" },
		func(c *Config) { c.LockBackend = "etcd" },
		func(c *Config) { c.CacheTimeout = 0 },
		func(c *Config) { c.PendingSignupTTL = time.Second },
	} {
		cfg := Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate())
	}
	assert.NoError(t, Default().Validate())
}

func TestLockBackendSelection(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.UseRedisLock())

	cfg.RelayEnabled = true
	assert.True(t, cfg.UseRedisLock())

	cfg.LockBackend = "local"
	assert.False(t, cfg.UseRedisLock())

	cfg = Default()
	cfg.CacheBackend = "memory"
	cfg.SendQPS = 0
	assert.False(t, cfg.NeedsRedis())
	cfg.LockBackend = "redis"
	assert.True(t, cfg.UseRedisLock())
	assert.True(t, cfg.NeedsRedis())
}
