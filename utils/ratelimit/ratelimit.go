package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	AllowN(ctx context.Context, key string, n int, limit int, window time.Duration) (bool, error)
	Reset(ctx context.Context, key string, window time.Duration) error
	Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// WindowLimiter is a fixed-window counter kept in Redis, so every replica
// shares the same budget. Counters expire on their own.
type WindowLimiter struct {
	redis    redis.Cmdable
	logger   *zap.Logger
	failOpen bool
	now      func() time.Time
}

// NewWindowLimiter creates a limiter. With failOpen, a Redis failure lets the
// request through instead of returning an error.
func NewWindowLimiter(rdb redis.Cmdable, logger *zap.Logger, failOpen bool) *WindowLimiter {
	return &WindowLimiter{
		redis:    rdb,
		logger:   logger,
		failOpen: failOpen,
		now:      time.Now,
	}
}

func (l *WindowLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return l.AllowN(ctx, key, 1, limit, window)
}

func (l *WindowLimiter) AllowN(ctx context.Context, key string, n int, limit int, window time.Duration) (bool, error) {
	bucketKey := l.bucketKey(key, window)

	pipe := l.redis.Pipeline()
	incrCmd := pipe.IncrBy(ctx, bucketKey, int64(n))
	pipe.Expire(ctx, bucketKey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error("rate limit check failed", zap.String("key", bucketKey), zap.Error(err))
		if l.failOpen {
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := incrCmd.Val()
	if count > int64(limit) {
		l.logger.Warn("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", limit),
			zap.Duration("window", window),
		)
		return false, nil
	}
	return true, nil
}

func (l *WindowLimiter) Reset(ctx context.Context, key string, window time.Duration) error {
	if err := l.redis.Del(ctx, l.bucketKey(key, window)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit for key %s: %w", key, err)
	}
	return nil
}

func (l *WindowLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	count, err := l.redis.Get(ctx, l.bucketKey(key, window)).Int64()
	if errors.Is(err, redis.Nil) {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining requests: %w", err)
	}
	return max(limit-int(count), 0), nil
}

// bucketKey names the counter of the window containing now.
func (l *WindowLimiter) bucketKey(key string, window time.Duration) string {
	seconds := int64(window / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return fmt.Sprintf("ratelimit:%s:%d", key, l.now().Unix()/seconds)
}
