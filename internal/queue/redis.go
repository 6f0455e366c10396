package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

var _ Backend = (*RedisBackend)(nil)

const (
	redisKeyPrefix   = "dispatch:queue:"
	promoteBatchSize = 100
)

// popScript promotes due jobs from the delayed set into the ready set and
// removes the head of the ready set.
//
// KEYS[1] delayed zset (score = readyAt ms), KEYS[2] ready zset (score = rank),
// KEYS[3] payload hash, KEYS[4] rank hash. ARGV[1] now ms, ARGV[2] batch size.
var popScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  local rank = redis.call('HGET', KEYS[4], id)
  redis.call('ZREM', KEYS[1], id)
  if rank then
    redis.call('ZADD', KEYS[2], rank, id)
  end
end

local head = redis.call('ZRANGE', KEYS[2], 0, 0)
if #head == 0 then
  return false
end

local id = head[1]
redis.call('ZREM', KEYS[2], id)
redis.call('HDEL', KEYS[4], id)
local payload = redis.call('HGET', KEYS[3], id)
redis.call('HDEL', KEYS[3], id)
return payload
`)

// RedisBackend stores a channel queue in Redis so waiting jobs survive restarts.
type RedisBackend struct {
	client *redis.Client

	delayedKey string
	readyKey   string
	jobsKey    string
	rankKey    string
	seqKey     string
}

func NewRedisBackend(client *redis.Client, channel domain.Channel) (*RedisBackend, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if !channel.IsValid() {
		return nil, fmt.Errorf("invalid channel %q", channel)
	}

	prefix := redisKeyPrefix + channel.String()
	return &RedisBackend{
		client:     client,
		delayedKey: prefix + ":delayed",
		readyKey:   prefix + ":ready",
		jobsKey:    prefix + ":jobs",
		rankKey:    prefix + ":rank",
		seqKey:     prefix + ":seq",
	}, nil
}

func (b *RedisBackend) Push(ctx context.Context, job Job, now time.Time) error {
	seq, err := b.client.Incr(ctx, b.seqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate job sequence: %w", err)
	}
	job.Seq = seq

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	rank := strconv.FormatFloat(job.rank(), 'f', 0, 64)

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, b.jobsKey, job.ID, payload)
	pipe.HSet(ctx, b.rankKey, job.ID, rank)
	if job.ReadyAt.After(now) {
		pipe.ZAdd(ctx, b.delayedKey, redis.Z{Score: float64(job.ReadyAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, b.readyKey, redis.Z{Score: job.rank(), Member: job.ID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

func (b *RedisBackend) Pop(ctx context.Context, now time.Time) (*Job, error) {
	keys := []string{b.delayedKey, b.readyKey, b.jobsKey, b.rankKey}
	payload, err := popScript.Run(ctx, b.client, keys, now.UnixMilli(), promoteBatchSize).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (b *RedisBackend) Len(ctx context.Context) (int64, error) {
	pipe := b.client.Pipeline()
	delayed := pipe.ZCard(ctx, b.delayedKey)
	ready := pipe.ZCard(ctx, b.readyKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return delayed.Val() + ready.Val(), nil
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBackend) Close() error { return nil }
