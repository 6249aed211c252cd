// Package ratelimit enforces per-identifier request quotas with
// fixed-window counters in redis.
//
// Fixed windows permit up to 2x the limit across a window boundary; the
// simplicity is a deliberate trade documented in DESIGN.md.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const window = time.Minute

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter counts requests per identifier per minute. A counter-store
// failure fails open: a broken redis must not take the gateway down.
type Limiter struct {
	rdb    redis.Cmdable
	limit  int
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithNow overrides the limiter clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the limiter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter allowing limit requests per identifier per minute.
func New(rdb redis.Cmdable, limit int, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:    rdb,
		limit:  limit,
		now:    time.Now,
		logger: slog.Default().WithGroup("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow admits or rejects one request for the identifier (user id when
// authenticated, client ip otherwise).
func (l *Limiter) Allow(ctx context.Context, id string) Result {
	now := l.now()
	minute := now.Unix() / 60
	reset := time.Unix((minute+1)*60, 0).UTC()
	key := fmt.Sprintf("rate:%s:%d", id, minute)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn("rate store unavailable, admitting request", "id", id, "error", err)
		return Result{Allowed: true, Limit: l.limit, Remaining: l.limit, Reset: reset}
	}

	count := int(incr.Val())
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     reset,
	}
}
