package commands

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Commands are keyed by the client's request ID. A key holds 0 while the
// write is in progress and the affected task ID once it has been applied.
const requestKeyPrefix = "todo:cmd:"

// RedisDeduper shares applied request IDs between server instances.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper records request IDs in Redis for ttl.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func requestKey(requestID string) string {
	return requestKeyPrefix + requestID
}

// Claim reserves requestID. For a request seen before it returns false and
// the task ID recorded by Complete.
func (r *RedisDeduper) Claim(ctx context.Context, requestID string) (bool, int64, error) {
	key := requestKey(requestID)
	claimed, err := r.client.SetNX(ctx, key, 0, r.ttl).Result()
	if err != nil || claimed {
		return claimed, 0, err
	}
	id, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		// Released between the two calls.
		return r.Claim(ctx, requestID)
	}
	return false, id, err
}

// Complete stores the task ID the request produced, keeping the expiry.
func (r *RedisDeduper) Complete(ctx context.Context, requestID string, id int64) error {
	err := r.client.SetArgs(ctx, requestKey(requestID), id, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Release forgets requestID so a failed command may be retried.
func (r *RedisDeduper) Release(ctx context.Context, requestID string) error {
	return r.client.Del(ctx, requestKey(requestID)).Err()
}

type memoryEntry struct {
	id      int64
	expires time.Time
}

// MemoryDeduper keeps request IDs in process. It is used when no Redis is
// configured, so a re-sent command is still applied once per server.
type MemoryDeduper struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]memoryEntry
	lastSweep time.Time
}

// NewMemoryDeduper records request IDs for ttl.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *MemoryDeduper) Claim(_ context.Context, requestID string) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.sweep(now)
	if e, ok := m.entries[requestID]; ok && now.Before(e.expires) {
		return false, e.id, nil
	}
	m.entries[requestID] = memoryEntry{expires: now.Add(m.ttl)}
	return true, 0, nil
}

func (m *MemoryDeduper) Complete(_ context.Context, requestID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[requestID]; ok {
		e.id = id
		m.entries[requestID] = e
	}
	return nil
}

func (m *MemoryDeduper) Release(_ context.Context, requestID string) error {
	m.mu.Lock()
	delete(m.entries, requestID)
	m.mu.Unlock()
	return nil
}

// sweep drops expired entries at most once per ttl. Must hold m.mu.
func (m *MemoryDeduper) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < m.ttl {
		return
	}
	m.lastSweep = now
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}
