package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"repairpos/internal/domain"
)

const stockKeyPrefix = "repairpos:stock:"

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(addr string, password string, db int) *RedisStockCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStockCache{client: client}
}

// Client exposes the underlying connection so the notifier and the
// dispatcher lock can share it.
func (c *RedisStockCache) Client() *redis.Client {
	return c.client
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Close() error {
	return c.client.Close()
}

func (c *RedisStockCache) Get(ctx context.Context, productID string) (*domain.InventorySummary, bool, error) {
	val, err := c.client.Get(ctx, stockKeyPrefix+productID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary domain.InventorySummary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (c *RedisStockCache) Set(ctx context.Context, summary domain.InventorySummary, ttl time.Duration) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, stockKeyPrefix+summary.ProductID, payload, ttl).Err()
}

func (c *RedisStockCache) Invalidate(ctx context.Context, productID string) error {
	return c.client.Del(ctx, stockKeyPrefix+productID).Err()
}
