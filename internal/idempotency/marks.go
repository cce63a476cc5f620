package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Marks records that a piece of work has been claimed. MarkOnce returns true
// only for the first caller of a key until the key expires or is released.
type Marks interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

const keyPrefix = "orchestrator:idem:"

// RedisMarks stores marks with SET NX so they survive restarts and are
// shared between replicas.
type RedisMarks struct {
	client *redis.Client
}

func NewRedisMarks(client *redis.Client) *RedisMarks {
	return &RedisMarks{client: client}
}

func (m *RedisMarks) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.client.SetNX(ctx, keyPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (m *RedisMarks) Release(ctx context.Context, key string) error {
	return m.client.Del(ctx, keyPrefix+key).Err()
}

// MemoryMarks is the in-process implementation used without Redis and in tests.
type MemoryMarks struct {
	mu    sync.Mutex
	marks map[string]time.Time // key -> expiry, zero = never
	now   func() time.Time
}

func NewMemoryMarks() *MemoryMarks {
	return &MemoryMarks{marks: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryMarks) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.marks[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.marks[key] = exp
	return true, nil
}

func (m *MemoryMarks) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.marks, key)
	m.mu.Unlock()
	return nil
}
