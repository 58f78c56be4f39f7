package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BucketStore holds hourly sent counters keyed by an opaque bucket key.
// Get and Incr are always called under the identity's admission lock.
type BucketStore interface {
	Get(ctx context.Context, key string) (int, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int, error)
}

// =============================================================================
// In-memory buckets
// =============================================================================

// MemoryBuckets is the single-process bucket registry. Expired buckets are
// pruned on write.
type MemoryBuckets struct {
	mu      sync.Mutex
	buckets map[string]memBucket
	now     func() time.Time
}

type memBucket struct {
	count     int
	expiresAt time.Time
}

// NewMemoryBuckets creates an empty registry.
func NewMemoryBuckets() *MemoryBuckets {
	return &MemoryBuckets{buckets: make(map[string]memBucket), now: time.Now}
}

// Get returns the count, or 0 for a missing or expired bucket.
func (m *MemoryBuckets) Get(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok || !m.now().Before(b.expiresAt) {
		return 0, nil
	}
	return b.count, nil
}

// Incr adds one and returns the new count.
func (m *MemoryBuckets) Incr(_ context.Context, key string, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, b := range m.buckets {
		if !now.Before(b.expiresAt) {
			delete(m.buckets, k)
		}
	}
	b := m.buckets[key]
	if b.count == 0 {
		b.expiresAt = now.Add(ttl)
	}
	b.count++
	m.buckets[key] = b
	return b.count, nil
}

// =============================================================================
// Redis buckets
// =============================================================================

// Lua script that increments and sets the TTL on first write
const incrLuaScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`

// RedisBuckets shares hourly buckets across processes.
type RedisBuckets struct {
	client     *redis.Client
	prefix     string
	incrScript *redis.Script
}

// NewRedisBuckets creates a Redis-backed store. Keys are namespaced under prefix.
func NewRedisBuckets(client *redis.Client, prefix string) *RedisBuckets {
	if prefix == "" {
		prefix = "quota"
	}
	return &RedisBuckets{client: client, prefix: prefix, incrScript: redis.NewScript(incrLuaScript)}
}

func (r *RedisBuckets) key(k string) string { return r.prefix + ":" + k }

// Get returns the count, or 0 for a missing bucket.
func (r *RedisBuckets) Get(ctx context.Context, key string) (int, error) {
	n, err := r.client.Get(ctx, r.key(key)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bucket get: %w", err)
	}
	return n, nil
}

// Incr adds one and returns the new count.
func (r *RedisBuckets) Incr(ctx context.Context, key string, ttl time.Duration) (int, error) {
	n, err := r.incrScript.Run(ctx, r.client, []string{r.key(key)}, ttl.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("bucket incr: %w", err)
	}
	return n, nil
}
