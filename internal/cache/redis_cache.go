package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"replenish/backend/internal/domain"
)

const queueKeyPrefix = "replenish:queue:"

type RedisQueueCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisQueueCache(client *redis.Client) *RedisQueueCache {
	return &RedisQueueCache{client: client}
}

func (c *RedisQueueCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisQueueCache) Get(ctx context.Context, branchID string) (*domain.ReplacementQueue, bool, error) {
	val, err := c.client.Get(ctx, queueKeyPrefix+branchID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var queue domain.ReplacementQueue
	if err := json.Unmarshal([]byte(val), &queue); err != nil {
		return nil, false, err
	}
	return &queue, true, nil
}

func (c *RedisQueueCache) Set(ctx context.Context, queue *domain.ReplacementQueue, ttl time.Duration) error {
	if queue == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(queue)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, queueKeyPrefix+queue.BranchID, payload, ttl).Err()
}

func (c *RedisQueueCache) Invalidate(ctx context.Context, branchIDs ...string) error {
	if len(branchIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(branchIDs))
	for _, id := range branchIDs {
		if id != "" {
			keys = append(keys, queueKeyPrefix+id)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
