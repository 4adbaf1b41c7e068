package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisLimiter keys fixed windows in Redis so multiple reviewd processes
// share one poll budget per case. INCR plus a window-length EXPIRE on the
// first hit gives the same counting semantics as WindowLimiter.
//
// The limiter fails open: if Redis is unreachable the poll endpoint keeps
// serving rather than turning an outage into a 429 storm.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// Compile-time check.
var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a Redis-backed limiter with the given budget.
// Non-positive arguments fall back to the protocol defaults.
func NewRedisLimiter(rdb *redis.Client, limit int,
	window time.Duration) *RedisLimiter {

	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}

	return &RedisLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
	}
}

// key returns the Redis key for a case window.
func (l *RedisLimiter) key(caseID string) string {
	return fmt.Sprintf("hitl:rl:%s", caseID)
}

// Check implements Limiter.
func (l *RedisLimiter) Check(ctx context.Context, caseID string) Decision {
	open := Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit,
	}

	key := l.key(caseID)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("case_id", caseID).
			Msg("rate limit check failed, failing open")
		return open
	}

	if count == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			log.Warn().Err(err).Str("case_id", caseID).
				Msg("failed to set rate limit window expiry")
		}
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= int64(l.limit),
		Limit:     l.limit,
		Remaining: remaining,
	}
}

// Clear implements Limiter.
func (l *RedisLimiter) Clear(ctx context.Context, caseID string) {
	if err := l.rdb.Del(ctx, l.key(caseID)).Err(); err != nil {
		log.Warn().Err(err).Str("case_id", caseID).
			Msg("failed to clear rate limit window")
	}
}
