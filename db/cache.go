package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache fronts the read-heavy GUI polling endpoints with a short-TTL
// redis cache. Terminal cascades invalidate eagerly; everything else ages
// out. A nil StatusCache is a valid no-op.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatusCache connects a go-redis client from a redis URL
// ("redis://host:port/db"). Works against Redis, Valkey and DragonflyDB.
func NewStatusCache(redisURL string, ttl time.Duration) (*StatusCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return &StatusCache{client: client, ttl: ttl}, nil
}

// NewStatusCacheWithClient wraps an existing client; used by tests with
// miniredis.
func NewStatusCacheWithClient(client *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, ttl: ttl}
}

// Close releases the underlying client.
func (c *StatusCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func workflowStatusKey(workflowID int64) string {
	return fmt.Sprintf("jobmon:wf:%d:status", workflowID)
}

// GetWorkflowStatus returns the cached payload, reporting a miss via ok.
func (c *StatusCache) GetWorkflowStatus(ctx context.Context, workflowID int64, dest interface{}) (bool, error) {
	if c == nil || c.client == nil {
		return false, nil
	}
	raw, err := c.client.Get(ctx, workflowStatusKey(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read status cache: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to decode cached status: %w", err)
	}
	return true, nil
}

// SetWorkflowStatus stores the payload under the configured TTL.
func (c *StatusCache) SetWorkflowStatus(ctx context.Context, workflowID int64, payload interface{}) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode status payload: %w", err)
	}
	if err := c.client.Set(ctx, workflowStatusKey(workflowID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write status cache: %w", err)
	}
	return nil
}

// InvalidateWorkflowStatus drops the cached entry after a terminal cascade.
func (c *StatusCache) InvalidateWorkflowStatus(ctx context.Context, workflowID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, workflowStatusKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate status cache: %w", err)
	}
	return nil
}
