// Package repository implements the append-only event store on PostgreSQL.
// A UNIQUE(stream_id, version) constraint turns concurrent append races into
// recoverable concurrency conflicts instead of lost writes.
package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/txnflow/sagaengine/internal/database"
	apperrors "github.com/txnflow/sagaengine/internal/errors"
	eventDomain "github.com/txnflow/sagaengine/internal/event/domain"
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// PostgreSQLEventRepository implements event stream persistence for PostgreSQL.
type PostgreSQLEventRepository struct {
	db *sql.DB
}

// NewPostgreSQLEventRepository creates a new PostgreSQL event repository instance.
func NewPostgreSQLEventRepository(db *sql.DB) *PostgreSQLEventRepository {
	return &PostgreSQLEventRepository{db: db}
}

// Append appends a batch of events to a stream. The batch is atomic: either
// every event is inserted contiguously after expectedVersion or none are.
// Returns the new stream version, or ErrConcurrencyConflict when another
// writer advanced the stream first.
func (r *PostgreSQLEventRepository) Append(
	ctx context.Context,
	streamID string,
	expectedVersion int64,
	events []*eventDomain.Event,
) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	// Join an ambient transaction when the caller opened one (the engine
	// persists instance state and events atomically); otherwise open our own
	// so the batch stays all-or-nothing.
	var tx database.Querier
	var ownTx *sql.Tx
	if database.HasTx(ctx) {
		tx = database.GetTx(ctx, r.db)
	} else {
		var err error
		ownTx, err = r.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, apperrors.Wrap(err, "failed to begin append transaction")
		}
		defer ownTx.Rollback() //nolint:errcheck
		tx = ownTx
	}

	// Read the current head under the transaction so the version check and the
	// inserts observe the same state. The unique constraint remains the final
	// arbiter for writers that race between the read and the insert.
	var currentVersion int64
	query := `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = $1`
	if err := tx.QueryRowContext(ctx, query, streamID).Scan(&currentVersion); err != nil {
		return 0, apperrors.Wrap(err, "failed to read stream head")
	}

	if currentVersion != expectedVersion {
		return 0, apperrors.ErrConcurrencyConflict
	}

	insert := `INSERT INTO events
			   (id, stream_id, aggregate_type, aggregate_id, event_type, payload, version, correlation_id, created_at)
			   VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	version := expectedVersion
	for _, event := range events {
		version++
		event.Version = version
		_, err := tx.ExecContext(
			ctx,
			insert,
			event.ID,
			streamID,
			event.AggregateType,
			event.AggregateID,
			event.EventType,
			event.Payload,
			event.Version,
			event.CorrelationID,
			event.CreatedAt,
		)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
				return 0, apperrors.ErrConcurrencyConflict
			}
			return 0, apperrors.Wrap(err, "failed to append event")
		}
	}

	if ownTx != nil {
		if err := ownTx.Commit(); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
				return 0, apperrors.ErrConcurrencyConflict
			}
			return 0, apperrors.Wrap(err, "failed to commit append")
		}
	}

	return version, nil
}

// ReadStream retrieves events of a stream ordered by version, starting after
// fromVersion (pass 0 for the full stream).
func (r *PostgreSQLEventRepository) ReadStream(
	ctx context.Context,
	streamID string,
	fromVersion int64,
) ([]*eventDomain.Event, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT global_position, id, stream_id, aggregate_type, aggregate_id,
			         event_type, payload, version, correlation_id, created_at
			  FROM events
			  WHERE stream_id = $1 AND version > $2
			  ORDER BY version ASC`

	rows, err := querier.QueryContext(ctx, query, streamID, fromVersion)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read stream")
	}
	defer rows.Close() //nolint:errcheck

	return scanEvents(rows)
}

// ReadAll retrieves events across all streams ordered by global position,
// starting after afterPosition. Used by the bus relay and projection rebuilds.
func (r *PostgreSQLEventRepository) ReadAll(
	ctx context.Context,
	afterPosition int64,
	limit int,
) ([]*eventDomain.Event, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT global_position, id, stream_id, aggregate_type, aggregate_id,
			         event_type, payload, version, correlation_id, created_at
			  FROM events
			  WHERE global_position > $1
			  ORDER BY global_position ASC
			  LIMIT $2`

	rows, err := querier.QueryContext(ctx, query, afterPosition, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read all events")
	}
	defer rows.Close() //nolint:errcheck

	return scanEvents(rows)
}

// StreamVersion returns the current head version of a stream (0 when empty).
func (r *PostgreSQLEventRepository) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	querier := database.GetTx(ctx, r.db)

	var version int64
	query := `SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = $1`
	if err := querier.QueryRowContext(ctx, query, streamID).Scan(&version); err != nil {
		return 0, apperrors.Wrap(err, "failed to read stream version")
	}
	return version, nil
}

func scanEvents(rows *sql.Rows) ([]*eventDomain.Event, error) {
	var events []*eventDomain.Event
	for rows.Next() {
		var event eventDomain.Event
		err := rows.Scan(
			&event.GlobalPosition,
			&event.ID,
			&event.StreamID,
			&event.AggregateType,
			&event.AggregateID,
			&event.EventType,
			&event.Payload,
			&event.Version,
			&event.CorrelationID,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to scan event")
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate events")
	}

	return events, nil
}
