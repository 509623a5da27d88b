// Package ratelimit bounds how often a tenant may request report regeneration.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Window is a fixed-window counter shared through Redis, so every API
// replica enforces the same per-key budget.
type Window struct {
	client *redis.Client
	prefix string
	limit  int
	size   time.Duration
	now    func() time.Time
}

// NewWindow allows limit calls per key in each window of the given size.
// A non-positive limit disables limiting.
func NewWindow(client *redis.Client, prefix string, limit int, size time.Duration) *Window {
	return &Window{client: client, prefix: prefix, limit: limit, size: size, now: time.Now}
}

// PerMinute is NewWindow with a one minute window.
func PerMinute(client *redis.Client, prefix string, limit int) *Window {
	return NewWindow(client, prefix, limit, time.Minute)
}

// Allow counts one call for key in the current window.
func (w *Window) Allow(ctx context.Context, key string) (Decision, error) {
	if w.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	now := w.now()
	slot := now.UnixMilli() / w.size.Milliseconds()
	redisKey := fmt.Sprintf("%s:%s:%d", w.prefix, key, slot)

	pipe := w.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	// Twice the window so a key never outlives its slot by much.
	pipe.PExpire(ctx, redisKey, 2*w.size)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	count := int(incr.Val())
	if count > w.limit {
		windowEnd := time.UnixMilli((slot + 1) * w.size.Milliseconds())
		return Decision{Allowed: false, RetryAfter: windowEnd.Sub(now)}, nil
	}
	return Decision{Allowed: true, Remaining: w.limit - count}, nil
}
