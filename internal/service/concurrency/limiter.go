package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Gate bounds the number of simultaneously active tasks per campaign.
type Gate interface {
	Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error)
	Release(ctx context.Context, campaignID uuid.UUID) error
}

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 1 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// RedisGate coordinates campaign slots across processes using Redis counters.
type RedisGate struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisGate constructs a fleet-wide gate. ttl bounds how long a leaked
// slot survives a crashed holder.
func NewRedisGate(client *redis.Client, prefix string, ttl time.Duration) *RedisGate {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisGate{client: client, prefix: prefix, ttl: ttl}
}

// Acquire attempts to reserve a slot for the campaign.
func (g *RedisGate) Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, g.client, []string{g.key(campaignID)}, limit, g.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (g *RedisGate) Release(ctx context.Context, campaignID uuid.UUID) error {
	if _, err := releaseScript.Run(ctx, g.client, []string{g.key(campaignID)}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

func (g *RedisGate) key(campaignID uuid.UUID) string {
	return fmt.Sprintf("%s:campaign:%s:active", g.prefix, campaignID.String())
}

// MemoryGate is the single-process Gate.
type MemoryGate struct {
	mu     sync.Mutex
	active map[uuid.UUID]int
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{active: make(map[uuid.UUID]int)}
}

func (g *MemoryGate) Acquire(_ context.Context, campaignID uuid.UUID, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[campaignID] >= limit {
		return false, nil
	}
	g.active[campaignID]++
	return true, nil
}

func (g *MemoryGate) Release(_ context.Context, campaignID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[campaignID] <= 1 {
		delete(g.active, campaignID)
		return nil
	}
	g.active[campaignID]--
	return nil
}

// Active reports the number of held slots.
func (g *MemoryGate) Active(campaignID uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[campaignID]
}
