// Package cache keeps canonical source-document snapshots in Redis so imports
// do not reload text and segmentation from PostgreSQL on every upload.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"annoremote/api/internal/document"
)

// ErrMiss is returned when no snapshot is cached for a document.
var ErrMiss = errors.New("snapshot not cached")

const defaultTTL = 10 * time.Minute

// RedisCache stores document.Canonical values as JSON under a key prefix.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{
		client: client,
		prefix: "snapshot:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(documentID string) string {
	return c.prefix + documentID
}

func (c *RedisCache) Get(ctx context.Context, documentID string) (document.Canonical, error) {
	payload, err := c.client.Get(ctx, c.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return document.Canonical{}, ErrMiss
	}
	if err != nil {
		return document.Canonical{}, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot document.Canonical
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return document.Canonical{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

func (c *RedisCache) Put(ctx context.Context, snapshot document.Canonical) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(snapshot.ID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Invalidate drops the snapshot; a missing key is not an error.
func (c *RedisCache) Invalidate(ctx context.Context, documentID string) error {
	if err := c.client.Del(ctx, c.key(documentID)).Err(); err != nil {
		return fmt.Errorf("invalidate snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
