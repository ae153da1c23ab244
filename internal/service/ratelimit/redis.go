package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
if now > ts then
  tokens = math.min(capacity, tokens + (now - ts) * rate)
  ts = now
end
local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate)
end
redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', key, ttl)
return {allowed, wait}
`)

// RedisBucket is a token bucket shared by every process using the same key.
// Acquisition runs as a single Lua script so no two callers drain one token.
type RedisBucket struct {
	client *redis.Client
	key    string
	cfg    Config
}

// NewRedisBucket constructs a fleet-wide limiter stored under prefix.
func NewRedisBucket(client *redis.Client, prefix string, cfg Config) *RedisBucket {
	return &RedisBucket{client: client, key: fmt.Sprintf("%s:ratelimit:dispatch", prefix), cfg: cfg}
}

func (b *RedisBucket) TryAcquire(ctx context.Context) (bool, error) {
	ok, _, err := b.reserve(ctx)
	return ok, err
}

func (b *RedisBucket) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	return waitLoop(ctx, timeout, func() (bool, time.Duration, error) {
		return b.reserve(ctx)
	})
}

func (b *RedisBucket) reserve(ctx context.Context) (bool, time.Duration, error) {
	perMs := b.cfg.perSecond() / 1000
	if perMs <= 0 {
		return true, 0, nil
	}
	ttl := time.Duration(b.cfg.capacity()/perMs)*time.Millisecond + time.Minute

	res, err := bucketScript.Run(ctx, b.client, []string{b.key},
		perMs, b.cfg.capacity(), time.Now().UnixMilli(), ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: reserve: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}
