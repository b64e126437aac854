// Package state persists sync operation state and batch cursors so the
// orchestrator can recover and resume after a crash.
package state

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/classtrack/sync-server/internal/operation"
)

// ErrOperationNotFound is returned when no operation exists for an id.
var ErrOperationNotFound = errors.New("operation not found")

// ErrStatusConflict is returned when an atomic status update finds the
// operation in a different status than expected.
var ErrStatusConflict = errors.New("operation status changed concurrently")

// Service is the operational store for sync operations. All writes are
// durable before returning; the orchestrator treats this store as the
// source of truth on restart.
//
//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=state.go Service
type Service interface {
	// CreateOperation persists a new operation.
	CreateOperation(ctx context.Context, op *operation.SyncOperation) error

	// GetOperation returns the stored operation or ErrOperationNotFound.
	GetOperation(ctx context.Context, id uuid.UUID) (*operation.SyncOperation, error)

	// ListNonTerminal returns every operation whose status is not
	// terminal, for crash recovery on startup.
	ListNonTerminal(ctx context.Context) ([]*operation.SyncOperation, error)

	// UpdateOperation overwrites the stored operation.
	UpdateOperation(ctx context.Context, op *operation.SyncOperation) error

	// UpdateStatusAtomically moves the operation from one status to
	// another in a single compare-and-set, returning ErrStatusConflict
	// when the stored status no longer matches from.
	UpdateStatusAtomically(ctx context.Context, id uuid.UUID, from, to operation.Status) error

	// MarkBatchCommitted durably records that a batch committed, so a
	// resumed operation skips it.
	MarkBatchCommitted(ctx context.Context, operationID uuid.UUID, batchIndex int) error

	// CommittedBatches returns the set of batch indexes already
	// committed for an operation.
	CommittedBatches(ctx context.Context, operationID uuid.UUID) (map[int]bool, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
