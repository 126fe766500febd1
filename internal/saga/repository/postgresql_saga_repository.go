// Package repository implements saga instance persistence. The PostgreSQL
// table is the source of truth; every update is a compare-and-swap against the
// instance version so that two executors racing on the same instance produce
// exactly one winner.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/txnflow/sagaengine/internal/database"
	apperrors "github.com/txnflow/sagaengine/internal/errors"
	sagaDomain "github.com/txnflow/sagaengine/internal/saga/domain"
)

// InstanceFilter narrows List results.
type InstanceFilter struct {
	Status   sagaDomain.InstanceStatus
	SagaType string
}

// PostgreSQLSagaRepository implements saga instance persistence for PostgreSQL.
type PostgreSQLSagaRepository struct {
	db *sql.DB
}

// NewPostgreSQLSagaRepository creates a new PostgreSQL saga repository instance.
func NewPostgreSQLSagaRepository(db *sql.DB) *PostgreSQLSagaRepository {
	return &PostgreSQLSagaRepository{db: db}
}

// Create inserts a new saga instance.
func (r *PostgreSQLSagaRepository) Create(ctx context.Context, instance *sagaDomain.SagaInstance) error {
	querier := database.GetTx(ctx, r.db)

	stepsJSON, err := json.Marshal(instance.Steps)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal steps")
	}

	query := `INSERT INTO saga_instances
			  (id, saga_type, status, steps, input_data, correlation_id, retry_count, version, created_at, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = querier.ExecContext(
		ctx,
		query,
		instance.ID,
		instance.SagaType,
		instance.Status,
		stepsJSON,
		instance.InputData,
		instance.CorrelationID,
		instance.RetryCount,
		instance.Version,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to create saga instance")
	}
	return nil
}

// Get retrieves a saga instance by id.
func (r *PostgreSQLSagaRepository) Get(ctx context.Context, id uuid.UUID) (*sagaDomain.SagaInstance, error) {
	querier := database.GetTx(ctx, r.db)

	query := `SELECT id, saga_type, status, steps, input_data, correlation_id, retry_count, version, created_at, updated_at
			  FROM saga_instances
			  WHERE id = $1`

	return scanInstance(querier.QueryRowContext(ctx, query, id))
}

// UpdateWithVersion persists the instance if expectedVersion still matches the
// stored row, bumping the version by one. Zero affected rows means another
// executor won the race and the caller must abort its step.
func (r *PostgreSQLSagaRepository) UpdateWithVersion(
	ctx context.Context,
	instance *sagaDomain.SagaInstance,
	expectedVersion int64,
) error {
	querier := database.GetTx(ctx, r.db)

	stepsJSON, err := json.Marshal(instance.Steps)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal steps")
	}

	query := `UPDATE saga_instances
			  SET status = $1, steps = $2, retry_count = $3, version = version + 1, updated_at = $4
			  WHERE id = $5 AND version = $6`

	result, err := querier.ExecContext(
		ctx,
		query,
		instance.Status,
		stepsJSON,
		instance.RetryCount,
		instance.UpdatedAt,
		instance.ID,
		expectedVersion,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to update saga instance")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return apperrors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return apperrors.ErrConcurrencyConflict
	}

	instance.Version = expectedVersion + 1
	return nil
}

// List retrieves instances matching the filter, newest first, with the total
// count for pagination.
func (r *PostgreSQLSagaRepository) List(
	ctx context.Context,
	filter InstanceFilter,
	offset, limit int,
) ([]*sagaDomain.SagaInstance, int, error) {
	querier := database.GetTx(ctx, r.db)

	where := ""
	args := []any{}
	argIndex := 1

	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, filter.Status)
		argIndex++
	}
	if filter.SagaType != "" {
		where += fmt.Sprintf(" AND saga_type = $%d", argIndex)
		args = append(args, filter.SagaType)
		argIndex++
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM saga_instances WHERE 1=1` + where
	if err := querier.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, apperrors.Wrap(err, "failed to count saga instances")
	}

	query := `SELECT id, saga_type, status, steps, input_data, correlation_id, retry_count, version, created_at, updated_at
			  FROM saga_instances WHERE 1=1` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, limit, offset)

	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, "failed to list saga instances")
	}
	defer rows.Close() //nolint:errcheck

	var instances []*sagaDomain.SagaInstance
	for rows.Next() {
		instance, err := scanInstanceRow(rows)
		if err != nil {
			return nil, 0, err
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperrors.Wrap(err, "failed to iterate saga instances")
	}

	return instances, total, nil
}

// ListByStatus returns every instance in the given statuses, oldest first.
// Used on startup to re-queue interrupted instances.
func (r *PostgreSQLSagaRepository) ListByStatus(
	ctx context.Context,
	statuses ...sagaDomain.InstanceStatus,
) ([]*sagaDomain.SagaInstance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	querier := database.GetTx(ctx, r.db)

	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, status := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += fmt.Sprintf("$%d", i+1)
		args = append(args, status)
	}

	query := `SELECT id, saga_type, status, steps, input_data, correlation_id, retry_count, version, created_at, updated_at
			  FROM saga_instances
			  WHERE status IN (` + placeholders + `)
			  ORDER BY created_at ASC`

	rows, err := querier.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list saga instances by status")
	}
	defer rows.Close() //nolint:errcheck

	var instances []*sagaDomain.SagaInstance
	for rows.Next() {
		instance, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate saga instances")
	}

	return instances, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row *sql.Row) (*sagaDomain.SagaInstance, error) {
	instance, err := scanFrom(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	return instance, err
}

func scanInstanceRow(rows *sql.Rows) (*sagaDomain.SagaInstance, error) {
	return scanFrom(rows)
}

func scanFrom(scanner rowScanner) (*sagaDomain.SagaInstance, error) {
	var (
		instance  sagaDomain.SagaInstance
		stepsJSON []byte
	)

	err := scanner.Scan(
		&instance.ID,
		&instance.SagaType,
		&instance.Status,
		&stepsJSON,
		&instance.InputData,
		&instance.CorrelationID,
		&instance.RetryCount,
		&instance.Version,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, apperrors.Wrap(err, "failed to scan saga instance")
	}

	if err := json.Unmarshal(stepsJSON, &instance.Steps); err != nil {
		return nil, apperrors.Wrap(err, "failed to unmarshal steps")
	}

	return &instance, nil
}
