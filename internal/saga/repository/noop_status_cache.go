package repository

import (
	"context"

	"github.com/google/uuid"

	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
)

// NoopStatusCache is used when no cache backend is configured. Reads always
// miss, so callers fall through to the repository.
type NoopStatusCache struct{}

// NewNoopStatusCache creates a NoopStatusCache.
func NewNoopStatusCache() *NoopStatusCache {
	return &NoopStatusCache{}
}

// Set does nothing.
func (c *NoopStatusCache) Set(ctx context.Context, instance *sagaDomain.SagaInstance) {}

// Get always misses.
func (c *NoopStatusCache) Get(ctx context.Context, id uuid.UUID) *StatusProjection {
	return nil
}

// Invalidate does nothing.
func (c *NoopStatusCache) Invalidate(ctx context.Context, id uuid.UUID) {}

// Ping reports healthy; there is nothing to probe.
func (c *NoopStatusCache) Ping(ctx context.Context) error {
	return nil
}
