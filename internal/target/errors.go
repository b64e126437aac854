package target

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/classtrack/sync-server/internal/syncerr"
)

// Postgres SQLSTATE codes the coordinator cares about.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgForeignKeyViolation  = "23503"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgNotNullViolation     = "23502"
)

// classifyPgError maps a pgx error onto a structured sync error so the
// coordinator can route deadlocks to transaction-level retry and
// constraint violations straight to the dead letter queue.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return syncerr.Wrap(syncerr.KindDatabase, err, "database error")
	}

	switch pgErr.Code {
	case pgDeadlockDetected, pgSerializationFailure:
		return syncerr.Wrap(syncerr.KindDeadlock, err, "transaction deadlocked")
	case pgForeignKeyViolation, pgUniqueViolation, pgCheckViolation, pgNotNullViolation:
		return syncerr.Wrap(syncerr.KindConstraint, err, pgErr.Message)
	default:
		return syncerr.Wrap(syncerr.KindDatabase, err, pgErr.Message)
	}
}
