package redisclient

import (
	"context"
	"fmt"
	"time"

	"order-stream/internal/dedup"

	"github.com/go-redis/redis/v8"
)

const seenKeyPrefix = "order:seen:"

type Client struct {
	rdb *redis.Client
}

var _ dedup.Marker = (*Client)(nil)

// NewClient creates a new Redis client and checks the connection
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// MarkOrderSeen records that an order is persisted. The marker expires after ttl.
func (c *Client) MarkOrderSeen(ctx context.Context, orderID string, ttl time.Duration) error {
	if err := c.rdb.SetNX(ctx, seenKey(orderID), time.Now().UTC().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("mark order seen: %w", err)
	}
	return nil
}

// IsOrderSeen checks whether an order was marked as persisted
func (c *Client) IsOrderSeen(ctx context.Context, orderID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, seenKey(orderID)).Result()
	if err != nil {
		return false, fmt.Errorf("check order seen: %w", err)
	}
	return n > 0, nil
}

func seenKey(orderID string) string {
	return seenKeyPrefix + orderID
}
