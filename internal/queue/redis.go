package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps delayed jobs in a sorted set scored by due time (ms),
// leased jobs in a second sorted set scored by lease expiry, and payloads in a hash.
// Every transition runs as a single Lua script.
type RedisQueue struct {
	rdb  redis.UniversalClient
	name string
}

func NewRedisQueue(rdb redis.UniversalClient, name string) (*RedisQueue, error) {
	if rdb == nil {
		return nil, errors.New("queue: redis client is nil")
	}
	if name == "" {
		return nil, errors.New("queue: name is required")
	}
	return &RedisQueue{rdb: rdb, name: name}, nil
}

func (q *RedisQueue) keys() []string {
	return []string{
		q.name + ":delayed",
		q.name + ":inflight",
		q.name + ":jobs",
	}
}

var enqueueScript = redis.NewScript(`
-- KEYS[1] delayed, KEYS[2] inflight, KEYS[3] jobs
-- ARGV[1] id, ARGV[2] payload, ARGV[3] due_ms
-- Returns 1 when added, 0 when the id already exists.
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
-- KEYS[1] delayed, KEYS[2] inflight, KEYS[3] jobs
-- ARGV[1] now_ms, ARGV[2] limit, ARGV[3] lease_ms
-- Expired leases go back to delayed first so they are redelivered.
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end

local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local payload = redis.call('HGET', KEYS[3], id)
  if payload then
    redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[3]), id)
    table.insert(out, payload)
  end
end
return out
`)

var rescheduleScript = redis.NewScript(`
-- KEYS[1] delayed, KEYS[2] inflight, KEYS[3] jobs
-- ARGV[1] id, ARGV[2] due_ms
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

var removeScript = redis.NewScript(`
-- KEYS[1] delayed, KEYS[2] inflight, KEYS[3] jobs
-- ARGV[1] id
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return redis.call('HDEL', KEYS[3], ARGV[1])
`)

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if err := validate(job); err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := enqueueScript.Run(ctx, q.rdb, q.keys(), job.ID, payload, due).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Cancel(ctx context.Context, id string) error {
	n, err := removeScript.Run(ctx, q.rdb, q.keys(), id).Int()
	if err != nil {
		return fmt.Errorf("queue: cancel %s: %w", id, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *RedisQueue) Reschedule(ctx context.Context, id string, at time.Time) error {
	n, err := rescheduleScript.Run(ctx, q.rdb, q.keys(), id, at.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("queue: reschedule %s: %w", id, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *RedisQueue) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	raw, err := claimScript.Run(ctx, q.rdb, q.keys(), now.UnixMilli(), limit, lease.Milliseconds()).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	out := make([]Job, 0, len(raw))
	for _, p := range raw {
		var j Job
		if err := json.Unmarshal([]byte(p), &j); err != nil {
			return out, fmt.Errorf("queue: decode job: %w", err)
		}
		out = append(out, j)
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	if err := removeScript.Run(ctx, q.rdb, q.keys(), id).Err(); err != nil {
		return fmt.Errorf("queue: ack %s: %w", id, err)
	}
	return nil
}
