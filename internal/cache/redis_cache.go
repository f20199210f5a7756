package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fiscalpos/backend/internal/domain"
)

type RedisOffsetCache struct {
	client *redis.Client
}

func NewRedisOffsetCache(addr string, password string, db int) *RedisOffsetCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisOffsetCache{client: client}
}

func (c *RedisOffsetCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisOffsetCache) Close() error {
	return c.client.Close()
}

func (c *RedisOffsetCache) Get(ctx context.Context, key string) (*domain.ClockSample, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var sample domain.ClockSample
	if err := json.Unmarshal(val, &sample); err != nil {
		return nil, false, err
	}
	return &sample, true, nil
}

func (c *RedisOffsetCache) Set(ctx context.Context, key string, value *domain.ClockSample, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
