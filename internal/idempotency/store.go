package idempotency

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"webhook-rules/internal/redis"
)

// Store is an atomic check-and-insert backend. Claim reports true when the
// key was absent and has now been recorded for ttl.
type Store interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Clear(ctx context.Context) error
	Name() string
}

// MemoryStore keeps claims in process memory
type MemoryStore struct {
	cache *gocache.Cache
}

// NewMemoryStore creates a store whose expired entries are swept every
// cleanupInterval
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Claim uses go-cache's Add, which fails when an unexpired item exists and
// runs under the cache's own lock.
func (m *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := m.cache.Add(key, time.Now(), ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.cache.Flush()
	return nil
}

func (m *MemoryStore) Name() string { return "memory" }

const redisKeyPrefix = "idempotency:"

// RedisStore shares claims between instances with SET NX PX
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix}
}

func (r *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.Claim(ctx, r.prefix+key, time.Now().UnixMilli(), ttl)
}

func (r *RedisStore) Clear(ctx context.Context) error {
	_, err := r.client.DeleteByPrefix(ctx, r.prefix)
	return err
}

func (r *RedisStore) Name() string { return "redis" }
