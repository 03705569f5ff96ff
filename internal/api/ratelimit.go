package api

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watmarket/market-engine/internal/metrics"
)

// RateLimiter is a fixed-window request counter kept in Redis, so every
// server instance shares the same budget per account.
type RateLimiter struct {
	rdb    redis.Cmdable
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter allows limit calls per key per window.
func NewRateLimiter(rdb redis.Cmdable, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, limit: limit, window: window, now: time.Now}
}

// Allow counts one call for key. When the window's budget is spent it
// returns false and how long until the window rolls over.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	start := now.Truncate(l.window)
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, start.Unix())

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.Expire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if incr.Val() > int64(l.limit) {
		return false, start.Add(l.window).Sub(now), nil
	}
	return true, 0, nil
}

// Middleware limits the authenticated account on route. A Redis failure
// lets the request through: the ledger stays correct under bursts, only
// slower.
func (l *RateLimiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := route + ":" + r.RemoteAddr
			if acct, ok := AccountFrom(r.Context()); ok {
				key = route + ":" + acct.ID
			}

			ok, retryAfter, err := l.Allow(r.Context(), key)
			if err != nil {
				slog.Warn("rate limiter unavailable", "route", route, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				metrics.RateLimitRejections.WithLabelValues(route).Inc()
				secs := int(math.Ceil(retryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":               "rate limit exceeded",
					"retry_after_seconds": max(secs, 1),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
