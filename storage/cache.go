package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"todo-sync/domain"
)

const (
	snapshotGenerationKey = "tasks:generation"
	snapshotKeyPrefix     = "tasks:snapshot:"
)

type backend interface {
	FetchTasks(ctx context.Context) ([]domain.Task, error)
}

// Cache wraps snapshot reads with a Redis copy. Entries are keyed by a
// generation counter so a snapshot read before an invalidation is never
// served after it.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
// A nil client or zero TTL disables caching.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

// FetchTasks returns the cached snapshot for the current generation, falling
// back to the store on a miss or any Redis error.
func (c *Cache) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	if c.redis == nil || c.ttl == 0 {
		return c.base.FetchTasks(ctx)
	}
	gen, err := c.generation(ctx)
	if err != nil {
		return c.base.FetchTasks(ctx)
	}
	if tasks, ok := c.load(ctx, gen); ok {
		return tasks, nil
	}
	tasks, err := c.base.FetchTasks(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, gen, tasks)
	return tasks, nil
}

// Invalidate bumps the generation so every existing entry becomes unreachable.
func (c *Cache) Invalidate(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Incr(ctx, snapshotGenerationKey).Err()
}

func (c *Cache) generation(ctx context.Context) (int64, error) {
	gen, err := c.redis.Get(ctx, snapshotGenerationKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return gen, err
}

func (c *Cache) load(ctx context.Context, gen int64) ([]domain.Task, bool) {
	data, err := c.redis.Get(ctx, snapshotKey(gen)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, snapshotKey(gen)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, snapshotKey(gen)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, gen int64, tasks []domain.Task) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, snapshotKey(gen), data, c.ttl).Err()
}

func snapshotKey(gen int64) string {
	return snapshotKeyPrefix + strconv.FormatInt(gen, 10)
}
