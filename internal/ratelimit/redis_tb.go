package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucketLimiter 基于 Redis 的令牌桶限流：
// - 两个键：tokensKey（令牌数）、tsKey（上次补充时间）
// - Lua 原子脚本：计算补充、扣减与过期
// - Allow 出错时“失败即放行”，限流不可用不阻断发消息
type TokenBucketLimiter struct {
	client redis.UniversalClient
	rate   int
	burst  int
	now    func() time.Time
}

func NewTokenBucketLimiter(c redis.UniversalClient, ratePerSec, burst int) *TokenBucketLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	if burst <= 0 {
		burst = ratePerSec * 2
	}
	return &TokenBucketLimiter{client: c, rate: ratePerSec, burst: burst, now: time.Now}
}

// SendKey 发送动作的限流维度。
func SendKey(userID string) string { return "dm:tb:send:" + userID }

var luaScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])        -- 每秒新增令牌
local burst = tonumber(ARGV[2])       -- 桶容量
local now_ms = tonumber(ARGV[3])      -- 当前时间毫秒

local tokens = tonumber(redis.call('GET', tokens_key))
if tokens == nil then tokens = burst end
local ts = tonumber(redis.call('GET', ts_key))
if ts == nil then ts = now_ms end

-- 补充令牌
local delta = math.max(0, now_ms - ts) / 1000.0
local new_tokens = math.min(burst, tokens + delta * rate)

local allowed = 0
if new_tokens >= 1 then
  allowed = 1
  new_tokens = new_tokens - 1
end

-- 桶补满所需时间之后键即可丢弃
local ttl_ms = math.ceil(burst / rate * 1000) + 1000
redis.call('SET', tokens_key, new_tokens, 'PX', ttl_ms)
redis.call('SET', ts_key, now_ms, 'PX', ttl_ms)

return {allowed, math.floor(new_tokens)}
`)

// Allow 尝试消耗一个令牌，返回 (allowed, remainingTokens, err)；err 非空时 allowed 恒为 true。
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (bool, int64, error) {
	nowMs := l.now().UnixMilli()
	vals, err := luaScript.Run(ctx, l.client, []string{key + ":t", key + ":ts"}, l.rate, l.burst, nowMs).Int64Slice()
	if err != nil {
		return true, 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(vals) != 2 {
		return true, 0, fmt.Errorf("token bucket %s: unexpected reply %v", key, vals)
	}
	return vals[0] == 1, vals[1], nil
}
