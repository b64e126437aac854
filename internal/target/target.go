// Package target defines the target store adapter contract the
// transaction coordinator writes through, plus its Postgres and
// in-memory implementations.
package target

import (
	"context"

	"github.com/classtrack/sync-server/internal/record"
)

// IsolationLevel selects the transaction isolation for a batch.
type IsolationLevel string

const (
	// IsolationReadCommitted is the default level.
	IsolationReadCommitted IsolationLevel = "READ_COMMITTED"

	// IsolationRepeatableRead guards against non-repeatable reads.
	IsolationRepeatableRead IsolationLevel = "REPEATABLE_READ"

	// IsolationSerializable gives full serializability.
	IsolationSerializable IsolationLevel = "SERIALIZABLE"
)

// Store is the target store adapter. Upserts must be idempotent under
// retry: writing the same records twice yields the same stored state.
//
//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=target.go Store,Tx
type Store interface {
	// BeginTx opens a transaction at the given isolation level.
	BeginTx(ctx context.Context, isolation IsolationLevel) (Tx, error)

	// FetchExisting returns the current records for the given keys,
	// keyed by record key. Missing keys are simply absent.
	FetchExisting(ctx context.Context, entity string, keys []string) (map[string]*record.Record, error)

	// RecomputeAggregates rebuilds derived cumulative values for an
	// entity from the full dataset. Called once after all batches of
	// an operation commit; never incremental.
	RecomputeAggregates(ctx context.Context, entity string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// Tx is one open target transaction. A batch holds at most one Tx at a
// time, so a runaway operation cannot exhaust the connection pool.
type Tx interface {
	// UpsertBatch writes the records keyed on conflictKey, returning
	// the number of rows affected.
	UpsertBatch(ctx context.Context, entity string, records []*record.Record) (int64, error)

	// DeleteBatch removes the records with the given keys. Used by saga
	// compensations to undo a committed upsert on one target while the
	// other target's write is rolled back.
	DeleteBatch(ctx context.Context, entity string, keys []string) (int64, error)

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback aborts the transaction. Safe to call after Commit.
	Rollback(ctx context.Context) error
}
