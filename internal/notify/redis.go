package notify

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"replenish/backend/internal/domain"
)

// RedisPublisher publishes JSON events on a pub/sub channel. The client is shared with the
// queue cache and is not closed here.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s on %s: %w", event.Type, p.channel, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error { return nil }
