package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "login"

// KEYS[1] attempts counter, KEYS[2] block marker.
// ARGV[1] max attempts, ARGV[2] block duration in milliseconds.
var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
local attempts = tonumber(redis.call('GET', KEYS[1]) or '0')
if attempts >= tonumber(ARGV[1]) then
	redis.call('DEL', KEYS[1])
	redis.call('SET', KEYS[2], '1', 'PX', ARGV[2])
	return 0
end
redis.call('INCR', KEYS[1])
return 1
`)

// RedisLimiter shares attempt counters between replicas through Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	policy Policy
	prefix string
}

// NewRedisLimiter constructs a limiter backed by client. prefix namespaces the keys.
func NewRedisLimiter(client redis.UniversalClient, policy Policy, prefix string) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisLimiter{client: client, policy: policy.normalise(), prefix: prefix}, nil
}

// TryAcquire records an attempt for identity. Errors mean the decision could not be made.
func (l *RedisLimiter) TryAcquire(ctx context.Context, identity string) (bool, error) {
	attemptsKey, blockKey := l.keys(identity)
	res, err := acquireScript.Run(ctx, l.client,
		[]string{attemptsKey, blockKey},
		l.policy.MaxAttempts, l.policy.BlockDuration.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: acquire: %w", err)
	}
	return res == 1, nil
}

// ResetLimit removes the counter and any block for identity.
func (l *RedisLimiter) ResetLimit(ctx context.Context, identity string) error {
	attemptsKey, blockKey := l.keys(identity)
	if err := l.client.Del(ctx, attemptsKey, blockKey).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset: %w", err)
	}
	return nil
}

// keys share the {identity} hash tag so the script's two keys land in one cluster slot.
func (l *RedisLimiter) keys(identity string) (string, string) {
	tag := "{" + normaliseIdentity(identity) + "}"
	return fmt.Sprintf("%s:%s:attempts", l.prefix, tag), fmt.Sprintf("%s:%s:blocked", l.prefix, tag)
}
