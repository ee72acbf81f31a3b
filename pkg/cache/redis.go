package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps a go-redis client with a key/channel prefix.
type RedisClient struct {
	client *redis.Client
	prefix string
}

// RedisMessage is one payload for PublishBatch.
type RedisMessage struct {
	Channel string
	Payload []byte
}

// NewRedisClient connects and pings within ctx.
func NewRedisClient(ctx context.Context, opts ...RedisOption) (*RedisClient, error) {
	cfg := &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
		MinIdleConns: 2,
		Prefix:       "marketgate",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		PoolTimeout:  cfg.PoolTimeout,
		MinIdleConns: cfg.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisClientFrom(client, cfg.Prefix), nil
}

// NewRedisClientFrom wraps an existing client.
func NewRedisClientFrom(client *redis.Client, prefix string) *RedisClient {
	return &RedisClient{client: client, prefix: prefix}
}

// Client returns the underlying redis client.
func (c *RedisClient) Client() *redis.Client {
	return c.client
}

func (c *RedisClient) Close() error {
	return c.client.Close()
}

func (c *RedisClient) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Key prefixes name, e.g. "marketgate:btcusdt@trade".
func (c *RedisClient) Key(name string) string {
	if c.prefix == "" || strings.HasPrefix(name, c.prefix+":") {
		return name
	}
	return c.prefix + ":" + name
}

// Publish sends payload on the prefixed channel.
func (c *RedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.client.Publish(ctx, c.Key(channel), payload).Err()
}

// PublishBatch sends all messages in one pipeline round trip.
func (c *RedisClient) PublishBatch(ctx context.Context, msgs []RedisMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range msgs {
			p.Publish(ctx, c.Key(m.Channel), m.Payload)
		}
		return nil
	})
	return err
}
