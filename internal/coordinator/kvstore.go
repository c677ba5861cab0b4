package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

var ErrKeyMissing = errors.New("key missing")

// KVStore is the shared key-value store with expiring keys that backs every
// exclusion mechanism in the core. Production uses Redis; tests use MemKV.
// TTLs exist so a crashed worker cannot hold a resource forever.
type KVStore interface {
	// SetNX claims key atomically. It returns false when the key already
	// exists (someone else holds the claim).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns ErrKeyMissing when the key does not exist or has expired.
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

// RedisKV adapts a go-redis client to KVStore.
type RedisKV struct {
	rdb *redis.Client
}

func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrKeyMissing
	}
	return val, err
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

// MemKV is an in-process KVStore with real TTL semantics, for tests and
// single-node runs without Redis.
type MemKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemKV() *MemKV {
	return &MemKV{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (m *MemKV) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}

func (m *MemKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && !m.expired(e) {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return true, nil
}

func (m *MemKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		return "", ErrKeyMissing
	}
	return e.value, nil
}

func (m *MemKV) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
