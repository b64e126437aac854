package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classtrack/sync-server/internal/record"
	"github.com/classtrack/sync-server/internal/syncerr"
)

// dbQueue is the Postgres-backed Queue.
type dbQueue struct {
	pool *pgxpool.Pool
}

// NewDBQueue creates a Queue persisting to the given pool.
func NewDBQueue(pool *pgxpool.Pool) (Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	return &dbQueue{pool: pool}, nil
}

func (q *dbQueue) Add(ctx context.Context, entry *Entry) error {
	recordJSON, err := json.Marshal(entry.Record)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter record: %w", err)
	}
	errorJSON, err := json.Marshal(entry.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter error: %w", err)
	}

	_, err = q.pool.Exec(ctx,
		`INSERT INTO dead_letters (
			id, operation_id, batch_index, entity, record, error, replay_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.OperationID, entry.BatchIndex, entry.Entity,
		recordJSON, errorJSON, entry.ReplayCount, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add dead letter entry: %w", err)
	}
	return nil
}

const selectEntryQuery = `
SELECT id, operation_id, batch_index, entity, record, error, replay_count, created_at
FROM dead_letters`

func (q *dbQueue) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := q.pool.QueryRow(ctx, selectEntryQuery+" WHERE id = $1", id)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letter entry %s: %w", id, err)
	}
	return entry, nil
}

func (q *dbQueue) List(ctx context.Context, operationID *uuid.UUID, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	if operationID != nil {
		rows, err = q.pool.Query(ctx,
			selectEntryQuery+" WHERE operation_id = $1 ORDER BY created_at DESC LIMIT $2",
			*operationID, limit)
	} else {
		rows, err = q.pool.Query(ctx,
			selectEntryQuery+" ORDER BY created_at DESC LIMIT $1", limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (q *dbQueue) MarkReplayed(ctx context.Context, id uuid.UUID) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE dead_letters SET replay_count = replay_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter entry %s replayed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (q *dbQueue) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := q.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (q *dbQueue) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM dead_letters WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letter entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q *dbQueue) Depth(ctx context.Context) (int64, error) {
	var depth int64
	if err := q.pool.QueryRow(ctx, `SELECT count(*) FROM dead_letters`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("failed to read dead letter depth: %w", err)
	}
	return depth, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		entry      Entry
		recordJSON []byte
		errorJSON  []byte
	)
	err := row.Scan(&entry.ID, &entry.OperationID, &entry.BatchIndex, &entry.Entity,
		&recordJSON, &errorJSON, &entry.ReplayCount, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	entry.Record = &record.Record{}
	if err := json.Unmarshal(recordJSON, entry.Record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter record: %w", err)
	}
	entry.Error = &syncerr.Error{}
	if err := json.Unmarshal(errorJSON, entry.Error); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter error: %w", err)
	}
	return &entry, nil
}
