package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans notifications out on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.Cmdable
	channel string
}

func NewRedisPublisher(client redis.Cmdable, channel string) *RedisPublisher {
	if channel == "" {
		channel = "clinical:notifications"
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
