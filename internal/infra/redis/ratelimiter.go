package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opsdash/dispatch-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimit  = 20
	defaultScope  = "tenant"
	defaultWindow = time.Second
	minWaitStep   = 5 * time.Millisecond
)

// windowScript increments the window counter and reports whether the caller
// is still within limit. The key expires with its window.
var windowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

// RateLimitOptions configures a RedisRateLimiter.
type RateLimitOptions struct {
	// Scope namespaces keys, e.g. "tenant".
	Scope string
	// Limit is the number of calls allowed per window and key.
	Limit int
	// Window defaults to one second.
	Window time.Duration
}

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a fixed-window counter shared by every API replica.
// Keys look like ratelimit:<scope>:<key>:<window start in ms>.
type RedisRateLimiter struct {
	client *goredis.Client
	scope  string
	limit  int64
	window time.Duration
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, opts RateLimitOptions) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	scope := strings.ToLower(strings.TrimSpace(opts.Scope))
	if scope == "" {
		scope = defaultScope
	}

	return &RedisRateLimiter{
		client: client,
		scope:  scope,
		limit:  int64(opts.Limit),
		window: opts.Window,
		now:    time.Now,
		sleep:  sleepWithContext,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if normalizedKey == "" {
		return false, fmt.Errorf("rate limit key is required")
	}

	windowStart := r.now().UTC().Truncate(r.window)
	windowKey := fmt.Sprintf("ratelimit:%s:%s:%d", r.scope, normalizedKey, windowStart.UnixMilli())
	result, err := windowScript.Run(ctx, r.client, []string{windowKey}, r.limit, r.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

// Wait blocks until key is admitted, sleeping to the start of the next window
// after each rejection.
func (r *RedisRateLimiter) Wait(ctx context.Context, key string) error {
	for {
		allowed, err := r.Allow(ctx, key)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		now := r.now().UTC()
		untilNext := now.Truncate(r.window).Add(r.window).Sub(now)
		if err := r.sleep(ctx, max(untilNext, minWaitStep)); err != nil {
			return err
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
