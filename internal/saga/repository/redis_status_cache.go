package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
)

// StatusProjection is the cached read model of an instance. It serves fast
// status lookups only; any decision that can trigger compensation must re-read
// the durable repository instead.
type StatusProjection struct {
	ID        string                    `json:"id"`
	SagaType  string                    `json:"saga_type"`
	Status    sagaDomain.InstanceStatus `json:"status"`
	Version   int64                     `json:"version"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// RedisStatusCache caches instance status projections in Redis. Failures are
// logged and swallowed: the cache is an accelerator, never an authority.
type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStatusCache creates a new RedisStatusCache.
func NewRedisStatusCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisStatusCache {
	return &RedisStatusCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func cacheKey(id uuid.UUID) string {
	return fmt.Sprintf("saga:instance:%s", id)
}

// Set writes the projection for an instance after a successful mutation.
func (c *RedisStatusCache) Set(ctx context.Context, instance *sagaDomain.SagaInstance) {
	projection := StatusProjection{
		ID:        instance.ID.String(),
		SagaType:  instance.SagaType,
		Status:    instance.Status,
		Version:   instance.Version,
		UpdatedAt: instance.UpdatedAt,
	}

	data, err := json.Marshal(projection)
	if err != nil {
		c.logger.Warn("failed to marshal status projection", slog.Any("error", err))
		return
	}

	if err := c.client.Set(ctx, cacheKey(instance.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("failed to cache status projection",
			slog.String("saga_id", instance.ID.String()),
			slog.Any("error", err),
		)
	}
}

// Get returns the cached projection, or nil on miss or error.
func (c *RedisStatusCache) Get(ctx context.Context, id uuid.UUID) *StatusProjection {
	data, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("failed to read status projection",
				slog.String("saga_id", id.String()),
				slog.Any("error", err),
			)
		}
		return nil
	}

	var projection StatusProjection
	if err := json.Unmarshal(data, &projection); err != nil {
		c.logger.Warn("failed to unmarshal status projection", slog.Any("error", err))
		return nil
	}
	return &projection
}

// Invalidate removes the projection, forcing the next read through to the
// durable store. Called when a mutation's cache write cannot be trusted.
func (c *RedisStatusCache) Invalidate(ctx context.Context, id uuid.UUID) {
	if err := c.client.Del(ctx, cacheKey(id)).Err(); err != nil {
		c.logger.Warn("failed to invalidate status projection",
			slog.String("saga_id", id.String()),
			slog.Any("error", err),
		)
	}
}

// Ping reports cache reachability for health checks.
func (c *RedisStatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
