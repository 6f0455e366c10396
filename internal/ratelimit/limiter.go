package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/opsdash/dispatch-engine/internal/domain"
	"golang.org/x/time/rate"
)

// RateLimiter controls throughput per key (a channel or a tenant).
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}

// ChannelLimitsPerMinute are the vendor send limits per channel.
var ChannelLimitsPerMinute = map[domain.Channel]int{
	domain.ChannelEmail:   100,
	domain.ChannelSMS:     50,
	domain.ChannelPush:    200,
	domain.ChannelWebhook: 100,
	domain.ChannelChat:    50,
}

// Limit describes one token bucket.
type Limit struct {
	Rate  rate.Limit
	Burst int
}

// PerMinute spreads n tokens over a minute with a tenth of the budget as burst.
func PerMinute(n int) Limit {
	return Limit{Rate: rate.Limit(float64(n) / 60), Burst: max(n/10, 1)}
}

// PerSecond allows n tokens per second with an n-token burst.
func PerSecond(n int) Limit {
	return Limit{Rate: rate.Limit(n), Burst: max(n, 1)}
}

var _ RateLimiter = (*LocalLimiter)(nil)

// LocalLimiter keeps one in-process token bucket per key.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limits   map[string]Limit
	fallback Limit
}

// NewLocalLimiter uses limits for known keys and fallback for the rest.
func NewLocalLimiter(limits map[string]Limit, fallback Limit) *LocalLimiter {
	normalized := make(map[string]Limit, len(limits))
	for key, limit := range limits {
		normalized[normalizeKey(key)] = limit
	}
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		limits:   normalized,
		fallback: fallback,
	}
}

// NewChannelLimiter enforces ChannelLimitsPerMinute.
func NewChannelLimiter() *LocalLimiter {
	limits := make(map[string]Limit, len(ChannelLimitsPerMinute))
	for channel, perMinute := range ChannelLimitsPerMinute {
		limits[channel.String()] = PerMinute(perMinute)
	}
	return NewLocalLimiter(limits, PerMinute(60))
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	limiter, err := l.limiter(key)
	if err != nil {
		return false, err
	}
	return limiter.Allow(), nil
}

func (l *LocalLimiter) Wait(ctx context.Context, key string) error {
	limiter, err := l.limiter(key)
	if err != nil {
		return err
	}
	return limiter.Wait(ctx)
}

func (l *LocalLimiter) limiter(key string) (*rate.Limiter, error) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return nil, fmt.Errorf("rate limit key is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, ok := l.limiters[normalized]; ok {
		return limiter, nil
	}

	limit, ok := l.limits[normalized]
	if !ok {
		limit = l.fallback
	}
	limiter := rate.NewLimiter(limit.Rate, limit.Burst)
	l.limiters[normalized] = limiter
	return limiter, nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
