package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/riderlink/internal/ride/domain"
)

const defaultKeyPrefix = "ride:request:"

// RedisGate shares rider claims across processes using SET NX with a TTL so a
// crashed holder cannot block the rider forever.
type RedisGate struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
	release   *redis.Script
}

func NewRedisGate(client redis.Cmdable, prefix string, ttl time.Duration) *RedisGate {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGate{client: client, keyPrefix: prefix, ttl: ttl, release: redis.NewScript(compareDeleteLua)}
}

func (g *RedisGate) CreateRideRequest(ctx context.Context, uniqueKey, riderID string) error {
	ok, err := g.client.SetNX(ctx, g.keyPrefix+riderID, uniqueKey, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: rider %s", domain.ErrDuplicateRequest, riderID)
	}
	return nil
}

// ExpireRideRequest deletes the claim if uniqueKey still holds it.
func (g *RedisGate) ExpireRideRequest(ctx context.Context, uniqueKey, riderID string) error {
	if err := g.release.Run(ctx, g.client, []string{g.keyPrefix + riderID}, uniqueKey).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// ReleaseRideRequest drops the claim of an accepted request.
func (g *RedisGate) ReleaseRideRequest(ctx context.Context, uniqueKey, riderID string) error {
	return g.ExpireRideRequest(ctx, uniqueKey, riderID)
}

const compareDeleteLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`
