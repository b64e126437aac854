package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classtrack/sync-server/internal/conflict"
	"github.com/classtrack/sync-server/internal/operation"
	"github.com/classtrack/sync-server/internal/sources"
	"github.com/classtrack/sync-server/internal/syncerr"
)

// dbService is the Postgres-backed Service.
type dbService struct {
	pool *pgxpool.Pool
}

// NewDBService creates a Service persisting to the given pool.
func NewDBService(pool *pgxpool.Pool) (Service, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	return &dbService{pool: pool}, nil
}

const insertOperationQuery = `
INSERT INTO sync_operations (
	id, type, source, target, status, date_start, date_end, priority,
	options, counters, total_records, errors, conflicts,
	created_by, created_at, started_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

func (s *dbService) CreateOperation(ctx context.Context, op *operation.SyncOperation) error {
	options, counters, errs, conflicts, err := marshalOperation(op)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, insertOperationQuery,
		op.ID, string(op.Type), op.Source, op.Target, string(op.Status),
		op.DateRange.Start, op.DateRange.End, op.Priority,
		options, counters, op.TotalRecords, errs, conflicts,
		op.CreatedBy, op.CreatedAt, op.StartedAt, op.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create operation %s: %w", op.ID, err)
	}
	return nil
}

const selectOperationQuery = `
SELECT id, type, source, target, status, date_start, date_end, priority,
	options, counters, total_records, errors, conflicts,
	created_by, created_at, started_at, completed_at
FROM sync_operations`

func (s *dbService) GetOperation(ctx context.Context, id uuid.UUID) (*operation.SyncOperation, error) {
	row := s.pool.QueryRow(ctx, selectOperationQuery+" WHERE id = $1", id)
	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation %s: %w", id, err)
	}
	return op, nil
}

func (s *dbService) ListNonTerminal(ctx context.Context) ([]*operation.SyncOperation, error) {
	rows, err := s.pool.Query(ctx,
		selectOperationQuery+" WHERE status NOT IN ($1, $2, $3) ORDER BY priority DESC, created_at",
		string(operation.StatusCompleted), string(operation.StatusFailed), string(operation.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal operations: %w", err)
	}
	defer rows.Close()

	var ops []*operation.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

const updateOperationQuery = `
UPDATE sync_operations SET
	status = $2, priority = $3, options = $4, counters = $5,
	total_records = $6, errors = $7, conflicts = $8,
	started_at = $9, completed_at = $10, updated_at = now()
WHERE id = $1`

func (s *dbService) UpdateOperation(ctx context.Context, op *operation.SyncOperation) error {
	options, counters, errs, conflicts, err := marshalOperation(op)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, updateOperationQuery,
		op.ID, string(op.Status), op.Priority, options, counters,
		op.TotalRecords, errs, conflicts, op.StartedAt, op.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %w", op.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOperationNotFound
	}
	return nil
}

func (s *dbService) UpdateStatusAtomically(
	ctx context.Context, id uuid.UUID, from, to operation.Status,
) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("invalid status transition %s -> %s", from, to)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_operations SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to update status of operation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a concurrent status change.
		var current string
		err := s.pool.QueryRow(ctx,
			`SELECT status FROM sync_operations WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOperationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read status of operation %s: %w", id, err)
		}
		return fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, from, current)
	}
	return nil
}

func (s *dbService) MarkBatchCommitted(ctx context.Context, operationID uuid.UUID, batchIndex int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO batch_cursors (operation_id, batch_index, committed_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (operation_id, batch_index) DO NOTHING`,
		operationID, batchIndex)
	if err != nil {
		return fmt.Errorf("failed to mark batch %d committed for operation %s: %w",
			batchIndex, operationID, err)
	}
	return nil
}

func (s *dbService) CommittedBatches(ctx context.Context, operationID uuid.UUID) (map[int]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT batch_index FROM batch_cursors WHERE operation_id = $1`, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch cursors for operation %s: %w", operationID, err)
	}
	defer rows.Close()

	committed := make(map[int]bool)
	for rows.Next() {
		var index int
		if err := rows.Scan(&index); err != nil {
			return nil, fmt.Errorf("failed to scan batch cursor: %w", err)
		}
		committed[index] = true
	}
	return committed, rows.Err()
}

func (s *dbService) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalOperation(op *operation.SyncOperation) (options, counters, errs, conflicts []byte, err error) {
	if options, err = json.Marshal(op.Options); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal options: %w", err)
	}
	if counters, err = json.Marshal(op.Counters); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal counters: %w", err)
	}
	if errs, err = json.Marshal(op.Errors); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal errors: %w", err)
	}
	if conflicts, err = json.Marshal(op.Conflicts); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal conflicts: %w", err)
	}
	return options, counters, errs, conflicts, nil
}

func scanOperation(row pgx.Row) (*operation.SyncOperation, error) {
	var (
		op                operation.SyncOperation
		opType, status    string
		start, end        time.Time
		options, counters []byte
		errs, conflicts   []byte
	)

	err := row.Scan(&op.ID, &opType, &op.Source, &op.Target, &status,
		&start, &end, &op.Priority, &options, &counters, &op.TotalRecords,
		&errs, &conflicts, &op.CreatedBy, &op.CreatedAt, &op.StartedAt, &op.CompletedAt)
	if err != nil {
		return nil, err
	}

	op.Type = operation.Type(opType)
	op.Status = operation.Status(status)
	op.DateRange = sources.DateRange{Start: start, End: end}

	if err := json.Unmarshal(options, &op.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if err := json.Unmarshal(counters, &op.Counters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal counters: %w", err)
	}
	if len(errs) > 0 {
		var stored []*syncerr.Error
		if err := json.Unmarshal(errs, &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal errors: %w", err)
		}
		op.Errors = stored
	}
	if len(conflicts) > 0 {
		var stored []*conflict.Record
		if err := json.Unmarshal(conflicts, &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflicts: %w", err)
		}
		op.Conflicts = stored
	}
	return &op, nil
}
