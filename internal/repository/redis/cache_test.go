package redis

import (
	"context"
	"testing"
	"time"

	"fintrack-auth/internal/client"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return client.WrapRedis(rdb, zap.NewNop()), mr
}

func TestBlacklistCache(t *testing.T) {
	rc, mr := newClient(t)
	cache := NewBlacklistCache(rc, zap.NewNop())
	ctx := context.Background()

	revoked, err := cache.IsRevoked(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, cache.MarkRevoked(ctx, "abc", time.Minute))
	revoked, err = cache.IsRevoked(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Minute)
	revoked, err = cache.IsRevoked(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, revoked, "entry expires with the token")

	require.NoError(t, cache.MarkRevoked(ctx, "expired", 0))
	assert.False(t, mr.Exists(blacklistPrefix+"expired"))
}

func TestPinAttemptCacheLocksAfterMax(t *testing.T) {
	rc, mr := newClient(t)
	cache := NewPinAttemptCache(rc, 3, 10*time.Minute, zap.NewNop())
	ctx := context.Background()

	for i := 1; i < 3; i++ {
		n, locked, err := cache.RegisterFailure(ctx, "acct")
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Zero(t, locked)
	}
	_, locked, err := cache.RegisterFailure(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, locked)

	remaining, err := cache.LockedFor(ctx, "acct")
	require.NoError(t, err)
	assert.Greater(t, remaining, time.Duration(0))

	mr.FastForward(11 * time.Minute)
	remaining, err = cache.LockedFor(ctx, "acct")
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestPinAttemptCacheReset(t *testing.T) {
	rc, _ := newClient(t)
	cache := NewPinAttemptCache(rc, 2, time.Minute, zap.NewNop())
	ctx := context.Background()

	_, _, err := cache.RegisterFailure(ctx, "acct")
	require.NoError(t, err)
	require.NoError(t, cache.Reset(ctx, "acct"))

	n, _, err := cache.RegisterFailure(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRateLimitCacheFixedWindow(t *testing.T) {
	rc, mr := newClient(t)
	limiter := NewRateLimitCache(rc, 2, time.Minute, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, retry, err := limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute)

	ok, _, err = limiter.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok, "other IPs have their own window")

	mr.FastForward(time.Minute + time.Second)
	ok, _, err = limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
}
