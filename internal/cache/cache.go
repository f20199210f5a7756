package cache

import (
	"context"
	"sync"
	"time"

	"fiscalpos/backend/internal/domain"
)

// OffsetCache keeps the authority clock offset across restarts.
type OffsetCache interface {
	Get(ctx context.Context, key string) (*domain.ClockSample, bool, error)
	Set(ctx context.Context, key string, value *domain.ClockSample, ttl time.Duration) error
}

type NoopOffsetCache struct{}

func (NoopOffsetCache) Get(_ context.Context, _ string) (*domain.ClockSample, bool, error) {
	return nil, false, nil
}

func (NoopOffsetCache) Set(_ context.Context, _ string, _ *domain.ClockSample, _ time.Duration) error {
	return nil
}

type memoryItem struct {
	sample    domain.ClockSample
	expiresAt time.Time
}

// MemoryOffsetCache is a process-local cache with TTL expiry.
type MemoryOffsetCache struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]memoryItem
}

func NewMemoryOffsetCache() *MemoryOffsetCache {
	return &MemoryOffsetCache{now: time.Now, items: make(map[string]memoryItem)}
}

func (c *MemoryOffsetCache) Get(_ context.Context, key string) (*domain.ClockSample, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if !item.expiresAt.IsZero() && !c.now().Before(item.expiresAt) {
		delete(c.items, key)
		return nil, false, nil
	}
	sample := item.sample
	return &sample, true, nil
}

func (c *MemoryOffsetCache) Set(_ context.Context, key string, value *domain.ClockSample, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	item := memoryItem{sample: *value}
	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
	}
	c.items[key] = item
	return nil
}
