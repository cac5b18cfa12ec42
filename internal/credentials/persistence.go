package credentials

import (
	"context"
	"errors"
	"sync"

	"webhook-rules/internal/redis"
)

// Persistence keeps workspace credentials beyond the in-memory map
type Persistence interface {
	Save(ctx context.Context, workspaceID string, record Record) error
	Load(ctx context.Context, workspaceID string) (Record, bool, error)
	Remove(ctx context.Context, workspaceID string) error
	Clear(ctx context.Context) error
}

// MemoryPersistence lives for the process lifetime. It is useful as a second
// tier in tests and for single-instance deployments.
type MemoryPersistence struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{records: make(map[string]Record)}
}

func (m *MemoryPersistence) Save(_ context.Context, workspaceID string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[workspaceID] = record
	return nil
}

func (m *MemoryPersistence) Load(_ context.Context, workspaceID string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[workspaceID]
	return record, ok, nil
}

func (m *MemoryPersistence) Remove(_ context.Context, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, workspaceID)
	return nil
}

func (m *MemoryPersistence) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]Record)
	return nil
}

const redisKeyPrefix = "credentials:"

// RedisPersistence stores one JSON record per workspace. Records carry no
// Redis TTL; expiry is evaluated by the Store on read.
type RedisPersistence struct {
	client *redis.Client
	prefix string
}

func NewRedisPersistence(client *redis.Client) *RedisPersistence {
	return &RedisPersistence{client: client, prefix: redisKeyPrefix}
}

func (r *RedisPersistence) Save(ctx context.Context, workspaceID string, record Record) error {
	return r.client.SetJSON(ctx, r.prefix+workspaceID, record, 0)
}

func (r *RedisPersistence) Load(ctx context.Context, workspaceID string) (Record, bool, error) {
	var record Record
	err := r.client.GetJSON(ctx, r.prefix+workspaceID, &record)
	if errors.Is(err, redis.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

func (r *RedisPersistence) Remove(ctx context.Context, workspaceID string) error {
	return r.client.Delete(ctx, r.prefix+workspaceID)
}

func (r *RedisPersistence) Clear(ctx context.Context) error {
	_, err := r.client.DeleteByPrefix(ctx, r.prefix)
	return err
}
