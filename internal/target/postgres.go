package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classtrack/sync-server/internal/record"
	"github.com/classtrack/sync-server/internal/syncerr"
)

// entityTables is the allowlist of entities and their tables. Entity
// names arrive from configuration and source payloads, so identifiers
// are never interpolated from user input.
var entityTables = map[string]string{
	"students":             "students",
	"assessment_results":   "assessment_results",
	"intervention_records": "intervention_records",
}

// ValidEntity reports whether entity names a known target table.
func ValidEntity(entity string) bool {
	_, ok := entityTables[entity]
	return ok
}

type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by the given pool. The
// caller owns the pool lifecycle.
func NewPostgresStore(pool *pgxpool.Pool) (Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &postgresStore{pool: pool}, nil
}

func tableFor(entity string) (string, error) {
	table, ok := entityTables[entity]
	if !ok {
		return "", syncerr.New(syncerr.KindValidation,
			fmt.Sprintf("unknown target entity %q", entity))
	}
	return table, nil
}

func isoLevel(isolation IsolationLevel) pgx.TxIsoLevel {
	switch isolation {
	case IsolationSerializable:
		return pgx.Serializable
	case IsolationRepeatableRead:
		return pgx.RepeatableRead
	default:
		return pgx.ReadCommitted
	}
}

func (s *postgresStore) BeginTx(ctx context.Context, isolation IsolationLevel) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   isoLevel(isolation),
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindDatabase, err, "failed to begin transaction")
	}
	return &postgresTx{tx: tx}, nil
}

func (s *postgresStore) FetchExisting(
	ctx context.Context, entity string, keys []string,
) (map[string]*record.Record, error) {
	table, err := tableFor(entity)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[string]*record.Record{}, nil
	}

	query := fmt.Sprintf(
		`SELECT record_key, payload, source_modified_at FROM %s WHERE record_key = ANY($1)`, table)
	rows, err := s.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindDatabase, err,
			fmt.Sprintf("failed to fetch existing %s records", entity))
	}
	defer rows.Close()

	existing := make(map[string]*record.Record)
	for rows.Next() {
		var (
			key      string
			payload  []byte
			modified time.Time
		)
		if err := rows.Scan(&key, &payload, &modified); err != nil {
			return nil, syncerr.Wrap(syncerr.KindDatabase, err, "failed to scan existing record")
		}
		fields := make(map[string]any)
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, syncerr.Wrap(syncerr.KindDataFormat, err,
				fmt.Sprintf("stored payload for %s is not valid JSON", key))
		}
		existing[key] = &record.Record{
			Key:              key,
			Entity:           entity,
			Payload:          fields,
			SourceModifiedAt: modified,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Wrap(syncerr.KindDatabase, err, "failed to iterate existing records")
	}
	return existing, nil
}

func (s *postgresStore) RecomputeAggregates(ctx context.Context, entity string) error {
	table, err := tableFor(entity)
	if err != nil {
		return err
	}

	// Aggregates are rebuilt from the full dataset, never adjusted
	// incrementally, because batches may commit out of order.
	query := fmt.Sprintf(`
		INSERT INTO entity_aggregates (entity, record_count, latest_source_modified_at, computed_at)
		SELECT $1, COUNT(*), MAX(source_modified_at), NOW() FROM %s
		ON CONFLICT (entity) DO UPDATE SET
			record_count = EXCLUDED.record_count,
			latest_source_modified_at = EXCLUDED.latest_source_modified_at,
			computed_at = EXCLUDED.computed_at`, table)
	if _, err := s.pool.Exec(ctx, query, entity); err != nil {
		return syncerr.Wrap(syncerr.KindDatabase, err,
			fmt.Sprintf("failed to recompute aggregates for %s", entity))
	}
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return syncerr.Wrap(syncerr.KindDatabase, err, "target store unreachable")
	}
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) UpsertBatch(
	ctx context.Context, entity string, records []*record.Record,
) (int64, error) {
	table, err := tableFor(entity)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now()
	query := fmt.Sprintf(`
		INSERT INTO %s (record_key, payload, payload_hash, source_modified_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (record_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			payload_hash = EXCLUDED.payload_hash,
			source_modified_at = EXCLUDED.source_modified_at,
			updated_at = EXCLUDED.updated_at`, table)

	batch := &pgx.Batch{}
	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return 0, syncerr.Wrap(syncerr.KindDataFormat, err,
				fmt.Sprintf("failed to marshal payload for %s", rec.Key))
		}
		hash, err := rec.Hash()
		if err != nil {
			return 0, syncerr.Wrap(syncerr.KindDataFormat, err,
				fmt.Sprintf("failed to hash payload for %s", rec.Key))
		}
		batch.Queue(query, rec.Key, payload, hash, rec.SourceModifiedAt, now)
	}

	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()

	var affected int64
	for range records {
		tag, err := results.Exec()
		if err != nil {
			return affected, classifyPgError(err)
		}
		affected += tag.RowsAffected()
	}
	return affected, nil
}

func (t *postgresTx) DeleteBatch(ctx context.Context, entity string, keys []string) (int64, error) {
	table, err := tableFor(entity)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE record_key = ANY($1)`, table)
	tag, err := t.tx.Exec(ctx, query, keys)
	if err != nil {
		return 0, classifyPgError(err)
	}
	return tag.RowsAffected(), nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return syncerr.Wrap(syncerr.KindDatabase, err, "rollback failed")
	}
	return nil
}
