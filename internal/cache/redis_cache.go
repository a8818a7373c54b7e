package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"opnameinaja/backend/internal/domain"
)

type RedisVarianceCache struct {
	client *redis.Client
}

func NewRedisVarianceCache(addr string, password string, db int) *RedisVarianceCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisVarianceCache{client: client}
}

func (c *RedisVarianceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisVarianceCache) Close() error {
	return c.client.Close()
}

func (c *RedisVarianceCache) Get(ctx context.Context, key string) (*domain.VarianceReport, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.VarianceReport
	if err := json.Unmarshal([]byte(val), &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisVarianceCache) Set(ctx context.Context, key string, value *domain.VarianceReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisVarianceCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
