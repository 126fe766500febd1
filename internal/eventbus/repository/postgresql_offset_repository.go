// Package repository provides durable consumer offset persistence for the event bus.
package repository

import (
	"context"
	"database/sql"

	"github.com/txnflow/sagaengine/internal/database"
	apperrors "github.com/txnflow/sagaengine/internal/errors"
)

// PostgreSQLOffsetRepository stores per consumer group positions in PostgreSQL.
type PostgreSQLOffsetRepository struct {
	db *sql.DB
}

// NewPostgreSQLOffsetRepository creates a new PostgreSQL offset repository instance.
func NewPostgreSQLOffsetRepository(db *sql.DB) *PostgreSQLOffsetRepository {
	return &PostgreSQLOffsetRepository{db: db}
}

// Get returns the last committed global position for a consumer group
// (0 when the group has never committed).
func (r *PostgreSQLOffsetRepository) Get(ctx context.Context, consumerGroup string) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	var position int64
	query := `SELECT position FROM consumer_offsets WHERE consumer_group = $1`
	err := querier.QueryRowContext(ctx, query, consumerGroup).Scan(&position)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, apperrors.Wrap(err, "failed to get consumer offset")
	}
	return position, nil
}

// Commit advances a consumer group's position. Positions only move forward so
// a replayed commit after redelivery is harmless.
func (r *PostgreSQLOffsetRepository) Commit(ctx context.Context, consumerGroup string, position int64) error {
	querier := database.GetTx(ctx, r.db)

	query := `INSERT INTO consumer_offsets (consumer_group, position, updated_at)
			  VALUES ($1, $2, NOW())
			  ON CONFLICT (consumer_group)
			  DO UPDATE SET position = GREATEST(consumer_offsets.position, EXCLUDED.position), updated_at = NOW()`

	if _, err := querier.ExecContext(ctx, query, consumerGroup, position); err != nil {
		return apperrors.Wrap(err, "failed to commit consumer offset")
	}
	return nil
}
