package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix            = "cache:"
	defaultRemoteTimeout = 200 * time.Millisecond
	defaultSweepInterval = time.Minute
	clearScanCount       = 500
)

// Layer names reported to the Recorder.
const (
	LayerRemote = "remote"
	LayerLocal  = "local"
)

// Recorder observes cache lookups.
type Recorder interface {
	ObserveCacheLookup(layer string, hit bool)
}

type Options struct {
	// Remote is optional; without it the cache is local only.
	Remote        *redis.Client
	RemoteTimeout time.Duration
	SweepInterval time.Duration
	Recorder      Recorder
	Logger        *zap.Logger
	Now           func() time.Time
}

// Cache is a two-layer key/value cache. The Redis layer is consulted first
// and any failure there degrades to the local layer.
type Cache struct {
	remote        *redis.Client
	remoteTimeout time.Duration
	sweepInterval time.Duration
	local         *localStore
	recorder      Recorder
	logger        *zap.Logger
	now           func() time.Time
}

func New(opts Options) *Cache {
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = defaultRemoteTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Cache{
		remote:        opts.Remote,
		remoteTimeout: opts.RemoteTimeout,
		sweepInterval: opts.SweepInterval,
		local:         newLocalStore(),
		recorder:      opts.Recorder,
		logger:        opts.Logger,
		now:           opts.Now,
	}
}

// Get returns the value for key. A value past its expiry is a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.remote != nil {
		value, err := c.remoteGet(ctx, key)
		switch {
		case err == nil:
			c.observe(LayerRemote, true)
			return value, true
		case errors.Is(err, redis.Nil):
			c.observe(LayerRemote, false)
		default:
			c.logError("get", key, err)
		}
	}

	value, ok := c.local.get(key, c.now())
	c.observe(LayerLocal, ok)
	return value, ok
}

// Set stores value in both layers. A ttl of zero never expires.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if c.remote != nil {
		if err := c.remoteSet(ctx, key, value, ttl); err != nil {
			c.logError("set", key, err)
		}
	}
	c.local.set(key, value, expiresAt)
}

func (c *Cache) Delete(ctx context.Context, key string) {
	if c.remote != nil {
		rctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
		err := c.remote.Del(rctx, keyPrefix+key).Err()
		cancel()
		if err != nil {
			c.logError("delete", key, err)
		}
	}
	c.local.delete(key)
}

// Clear empties the local layer and removes every prefixed key from Redis.
// Keys outside the cache prefix are left untouched.
func (c *Cache) Clear(ctx context.Context) {
	if c.remote != nil {
		if err := c.remoteClear(ctx); err != nil {
			c.logError("clear", "*", err)
		}
	}
	c.local.clear()
}

// Run sweeps expired local entries until ctx is canceled.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := c.local.sweep(c.now()); removed > 0 {
				c.logger.Debug("cache sweep removed expired entries", zap.Int("removed", removed))
			}
		}
	}
}

func (c *Cache) remoteGet(ctx context.Context, key string) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()
	return c.remote.Get(rctx, keyPrefix+key).Bytes()
}

func (c *Cache) remoteSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()
	return c.remote.Set(rctx, keyPrefix+key, value, ttl).Err()
}

func (c *Cache) remoteClear(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()

	iter := c.remote.Scan(rctx, 0, keyPrefix+"*", clearScanCount).Iterator()
	var batch []string
	for iter.Next(rctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= clearScanCount {
			if err := c.remote.Del(rctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.remote.Del(rctx, batch...).Err()
	}
	return nil
}

func (c *Cache) observe(layer string, hit bool) {
	if c.recorder != nil {
		c.recorder.ObserveCacheLookup(layer, hit)
	}
}

func (c *Cache) logError(op, key string, err error) {
	c.logger.Warn("CacheError",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

// GetJSON decodes the cached value for key into T. A nil cache always misses.
func GetJSON[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var out T
	if c == nil {
		return out, false
	}
	raw, ok := c.Get(ctx, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logError("decode", key, err)
		return out, false
	}
	return out, true
}

// SetJSON encodes value and stores it under key.
func SetJSON[T any](ctx context.Context, c *Cache, key string, value T, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	c.Set(ctx, key, raw, ttl)
	return nil
}
