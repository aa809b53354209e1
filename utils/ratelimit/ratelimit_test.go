package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func fixedClock(l *WindowLimiter, at time.Time) {
	l.now = func() time.Time { return at }
}

func TestWindowLimiter_Allow(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewWindowLimiter(client, zap.NewNop(), false)
	fixedClock(limiter, time.Unix(1_800_000_000, 0))

	ctx := context.Background()
	for i := range 5 {
		allowed, err := limiter.Allow(ctx, "user:1", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, err := limiter.Allow(ctx, "user:1", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	// other keys have their own budget
	allowed, err = limiter.Allow(ctx, "user:2", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestWindowLimiter_AllowN(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewWindowLimiter(client, zap.NewNop(), false)
	ctx := context.Background()
	fixedClock(limiter, time.Unix(1_800_000_000, 0))

	allowed, err := limiter.AllowN(ctx, "k", 7, 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.AllowN(ctx, "k", 4, 10, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestWindowLimiter_NextWindowRecovers(t *testing.T) {
	client, mr := setupTestRedis(t)
	limiter := NewWindowLimiter(client, zap.NewNop(), false)
	ctx := context.Background()

	start := time.Unix(1_800_000_000, 0)
	fixedClock(limiter, start)
	for range 3 {
		_, err := limiter.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
	}
	allowed, err := limiter.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	// counters carry a TTL slightly longer than the window
	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, time.Minute+time.Second, mr.TTL(keys[0]))

	fixedClock(limiter, start.Add(time.Minute))
	allowed, err = limiter.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestWindowLimiter_ResetAndRemaining(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewWindowLimiter(client, zap.NewNop(), false)
	ctx := context.Background()
	fixedClock(limiter, time.Unix(1_800_000_000, 0))

	remaining, err := limiter.Remaining(ctx, "k", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)

	_, err = limiter.AllowN(ctx, "k", 7, 5, time.Minute)
	require.NoError(t, err)
	remaining, err = limiter.Remaining(ctx, "k", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	require.NoError(t, limiter.Reset(ctx, "k", time.Minute))
	remaining, err = limiter.Remaining(ctx, "k", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)
}

func TestWindowLimiter_Concurrent(t *testing.T) {
	client, _ := setupTestRedis(t)
	limiter := NewWindowLimiter(client, zap.NewNop(), false)
	fixedClock(limiter, time.Unix(1_800_000_000, 0))

	var allowedCount int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := limiter.Allow(context.Background(), "burst", 20, time.Minute)
			if assert.NoError(t, err) && ok {
				atomic.AddInt32(&allowedCount, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), allowedCount)
}

func TestWindowLimiter_RedisDown(t *testing.T) {
	t.Run("fail open", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		mr.Close()

		allowed, err := NewWindowLimiter(client, zap.NewNop(), true).Allow(context.Background(), "k", 1, time.Minute)
		assert.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("fail closed", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		mr.Close()

		allowed, err := NewWindowLimiter(client, zap.NewNop(), false).Allow(context.Background(), "k", 1, time.Minute)
		assert.Error(t, err)
		assert.False(t, allowed)
	})
}
