package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client.
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

// GetClient returns the underlying Redis client.
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// NextOrderSequence returns the next value of the per-day order-number
// sequence. The key expires two days later so sequences reset daily.
func (c *Client) NextOrderSequence(ctx context.Context, date string) (int64, error) {
	key := fmt.Sprintf("orderseq:%s", date)

	seq, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("order sequence incr failed: %w", err)
	}
	if seq == 1 {
		c.rdb.Expire(ctx, key, 48*time.Hour)
	}
	return seq, nil
}

// CacheAvailability stores a best-effort copy of a product's available count
// for catalog display. The database remains the source of truth.
func (c *Client) CacheAvailability(ctx context.Context, productID string, available int) error {
	key := fmt.Sprintf("inventory:%s:available", productID)
	return c.rdb.Set(ctx, key, available, time.Hour).Err()
}

// GetCachedAvailability returns the cached available count, or -1 when the
// cache has no entry.
func (c *Client) GetCachedAvailability(ctx context.Context, productID string) (int, error) {
	key := fmt.Sprintf("inventory:%s:available", productID)
	n, err := c.rdb.Get(ctx, key).Int()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return n, nil
}

// SetIdempotencyKey stores an idempotency key with TTL. Returns false when
// the key already existed.
func (c *Client) SetIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Result()
}

// UpdateIdempotencyKey overwrites the value stored under an idempotency key.
func (c *Client) UpdateIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// DeleteIdempotencyKey removes an idempotency key so the request may be
// retried with it.
func (c *Client) DeleteIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("idempotency:%s", key)).Err()
}

// GetIdempotencyKey retrieves the value stored under an idempotency key.
func (c *Client) GetIdempotencyKey(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// AcquireOrderLock takes the per-order lock that serializes cancellation
// against webhook processing for the same order.
func (c *Client) AcquireOrderLock(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:order:%s", orderID), "1", ttl).Result()
}

// ReleaseOrderLock releases the per-order lock.
func (c *Client) ReleaseOrderLock(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:order:%s", orderID)).Err()
}
