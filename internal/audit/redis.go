package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const DefaultCursorKey = "audit:relay:cursor"

// RedisPublisher fans events out over Redis pub/sub.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (p *RedisPublisher) Close() error { return nil }

type RedisCursor struct {
	client *redis.Client
	key    string
}

func NewRedisCursor(client *redis.Client, key string) *RedisCursor {
	if key == "" {
		key = DefaultCursorKey
	}
	return &RedisCursor{client: client, key: key}
}

func (c *RedisCursor) Load(ctx context.Context) (int64, error) {
	id, err := c.client.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", c.key, err)
	}
	return id, nil
}

func (c *RedisCursor) Save(ctx context.Context, logID int64) error {
	if err := c.client.Set(ctx, c.key, logID, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", c.key, err)
	}
	return nil
}
