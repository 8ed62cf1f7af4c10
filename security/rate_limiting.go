package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/hook"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
	logger *slog.Logger
}

// NewRateLimiter allows limit requests per identity per window.
func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		redis:  redisClient,
		limit:  int64(limit),
		window: window,
		logger: logger.With("component", "rate_limiter"),
	}
}

// Allow counts one request for identity in scope. The counter is created
// with its window TTL in the same MULTI as the increment, so it can never
// outlive the window.
func (r *RateLimiter) Allow(ctx context.Context, scope, identity string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", scope, identity)
	var incr *redis.IntCmd
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, r.window)
		incr = pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return true, err
	}
	return incr.Val() <= r.limit, nil
}

// Middleware limits a route per authenticated user, or per client IP for
// guests. Redis errors let the request through.
func (r *RateLimiter) Middleware(scope string) *hook.Handler[*core.RequestEvent] {
	return &hook.Handler[*core.RequestEvent]{
		Id: "rateLimit:" + scope,
		Func: func(e *core.RequestEvent) error {
			allowed, err := r.Allow(e.Request.Context(), scope, identityOf(e))
			if err != nil {
				r.logger.Warn("rate limit check failed", "scope", scope, "error", err)
			}
			if !allowed {
				return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
			}
			return e.Next()
		},
	}
}

// AntiBot rejects requests from crawler-like user agents.
func (r *RateLimiter) AntiBot() *hook.Handler[*core.RequestEvent] {
	return &hook.Handler[*core.RequestEvent]{
		Id: "antiBot",
		Func: func(e *core.RequestEvent) error {
			if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
				return apis.NewForbiddenError("Access denied", nil)
			}
			return e.Next()
		},
	}
}

func identityOf(e *core.RequestEvent) string {
	if e.Auth != nil {
		return "user:" + e.Auth.Id
	}
	return "ip:" + e.RealIP()
}

func isSuspiciousUserAgent(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range []string{"bot", "crawler", "spider", "scraper"} {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
