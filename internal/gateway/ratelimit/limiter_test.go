package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int) (*Limiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	l := New(rdb, limit, WithNow(func() time.Time { return now }))
	return l, mr, &now
}

func TestLimiterAllowsUnderLimit(t *testing.T) {
	l, _, _ := newTestLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := l.Allow(ctx, "user-1")
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 3, res.Limit)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res := l.Allow(ctx, "user-1")
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), res.Reset)
}

func TestLimiterIsPerIdentifier(t *testing.T) {
	l, _, _ := newTestLimiter(t, 1)
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "user-1").Allowed)
	assert.False(t, l.Allow(ctx, "user-1").Allowed)
	assert.True(t, l.Allow(ctx, "user-2").Allowed)
	assert.True(t, l.Allow(ctx, "10.0.0.7").Allowed)
}

func TestLimiterWindowRolls(t *testing.T) {
	l, _, now := newTestLimiter(t, 1)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "user-1").Allowed)
	require.False(t, l.Allow(ctx, "user-1").Allowed)

	// The next minute opens a fresh window.
	*now = now.Add(time.Minute)
	assert.True(t, l.Allow(ctx, "user-1").Allowed)
}

func TestLimiterFailsOpen(t *testing.T) {
	l, mr, _ := newTestLimiter(t, 1)
	mr.Close()

	res := l.Allow(context.Background(), "user-1")
	assert.True(t, res.Allowed, "rate-store failure must not block requests")
	assert.Equal(t, 1, res.Remaining)
}
