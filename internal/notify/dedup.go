package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// Deduper claims intent IDs. Claim returns true the first time an ID is
// seen within the TTL. On error the dispatcher delivers anyway.
type Deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
}

// sweepEvery bounds how many claims pass between full expiry sweeps.
const sweepEvery = 256

// MemoryDeduper is a process-local TTL set.
type MemoryDeduper struct {
	mu     sync.Mutex
	ttl    time.Duration
	clock  telemetry.Clock
	seen   map[string]time.Time
	claims int
}

// NewMemoryDeduper creates an in-memory deduper. A nil clock uses the
// system clock.
func NewMemoryDeduper(ttl time.Duration, clock telemetry.Clock) *MemoryDeduper {
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	return &MemoryDeduper{ttl: ttl, clock: clock, seen: make(map[string]time.Time)}
}

// Claim implements Deduper.
func (d *MemoryDeduper) Claim(_ context.Context, id string) (bool, error) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.claims++
	if d.claims%sweepEvery == 0 {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
	}

	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[id] = now.Add(d.ttl)
	return true, nil
}

// Len returns the number of tracked IDs, including expired ones not yet swept.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// RedisDeduper shares claims between instances with SET NX EX.
type RedisDeduper struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a Redis-backed deduper. Keys are prefix+"dedup:"+id.
func NewRedisDeduper(client redis.Cmdable, prefix string, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

// Claim implements Deduper.
func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+"dedup:"+id, 1, d.ttl).Result()
}
