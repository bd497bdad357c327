package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateConfig describes a token bucket: Rate tokens per second, Burst capacity.
type RateConfig struct {
	Rate  float64
	Burst float64
}

// Every converts "one call per interval" into a bucket.
func Every(interval time.Duration) RateConfig {
	if interval <= 0 {
		return RateConfig{}
	}
	return RateConfig{Rate: 1 / interval.Seconds(), Burst: 1}
}

// RedisLimiter is a token bucket shared by every process using the same Redis.
type RedisLimiter struct {
	client redis.Scripter
	prefix string
	cfg    RateConfig
	script *redis.Script
	now    func() time.Time
}

// NewRedisLimiter returns nil when client is nil so callers can fall back to
// a local limiter.
func NewRedisLimiter(client redis.Scripter, prefix string, cfg RateConfig) *RedisLimiter {
	if client == nil {
		return nil
	}
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisLimiter{client: client, prefix: prefix, cfg: cfg, script: redis.NewScript(tokenBucketLua), now: time.Now}
}

// SetClock overrides the time source used to refill buckets.
func (l *RedisLimiter) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// AllowKey takes one token from the bucket identified by key. When denied it
// reports how long until a token is available.
func (l *RedisLimiter) AllowKey(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.cfg.Rate <= 0 || l.cfg.Burst <= 0 {
		return true, 0, nil
	}
	bucket := strings.Join([]string{l.prefix, key}, ":")
	result, err := l.script.Run(ctx, l.client, []string{bucket}, l.now().UnixMilli(), l.cfg.Rate, l.cfg.Burst, 1).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket: %w", err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, errors.New("invalid redis response")
	}
	allowed, err := toInt64(values[0])
	if err != nil {
		return false, 0, err
	}
	waitMS, err := toInt64(values[1])
	if err != nil {
		return false, 0, err
	}
	if allowed != 1 {
		return false, time.Duration(waitMS) * time.Millisecond, nil
	}
	return true, 0, nil
}

// For binds the limiter to one bucket. Redis failures deny the call.
func (l *RedisLimiter) For(key string, logger *zap.Logger) Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &boundLimiter{limiter: l, key: key, logger: logger}
}

type boundLimiter struct {
	limiter *RedisLimiter
	key     string
	logger  *zap.Logger
}

func (b *boundLimiter) Allow(ctx context.Context) bool {
	ok, _, err := b.limiter.AllowKey(ctx, b.key)
	if err != nil {
		b.logger.Warn("rate limiter unavailable", zap.String("bucket", b.key), zap.Error(err))
		return false
	}
	return ok
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, errors.New("unsupported type")
	}
}

// Lua numbers are truncated to integers in replies, so the wait is returned in
// whole milliseconds.
const tokenBucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'timestamp')
local tokens = tonumber(state[1])
local last = tonumber(state[2])

if tokens == nil then
  tokens = capacity
end
if last == nil then
  last = now_ms
end

local delta = now_ms - last
if delta < 0 then
  delta = 0
end
local refill = delta * rate / 1000
if refill > 0 then
  tokens = math.min(capacity, tokens + refill)
  last = now_ms
end

local allowed = tokens >= requested
local wait_ms = 0
if allowed then
  tokens = tokens - requested
else
  wait_ms = math.ceil((requested - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'timestamp', tostring(last))
redis.call('PEXPIRE', key, math.ceil((capacity / rate) * 1000))

if allowed then
  return {1, 0}
end
return {0, wait_ms}
`
