// Package txn executes a batch of target writes atomically, retrying
// whole transactions on store-reported deadlocks.
package txn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/classtrack/sync-server/internal/record"
	"github.com/classtrack/sync-server/internal/syncerr"
	"github.com/classtrack/sync-server/internal/target"
)

// Status is the transaction context lifecycle state.
type Status string

const (
	// StatusPending means the context has not been executed.
	StatusPending Status = "PENDING"

	// StatusCommitted means all writes were persisted. Terminal.
	StatusCommitted Status = "COMMITTED"

	// StatusRolledBack means no writes were persisted. Terminal.
	StatusRolledBack Status = "ROLLED_BACK"
)

// Operation is one ordered write inside a transaction context.
type Operation struct {
	Entity          string
	Records         []*record.Record
	Status          Status
	RecordsAffected int64
}

// Context is one atomic unit of target writes belonging to a batch.
// Once committed or rolled back it is immutable; the coordinator owns
// it for its lifetime.
type Context struct {
	ID          uuid.UUID
	OperationID uuid.UUID
	BatchIndex  int
	Isolation   target.IsolationLevel
	Operations  []Operation
	Status      Status
}

// NewContext creates a pending transaction context for a batch.
func NewContext(operationID uuid.UUID, batchIndex int, isolation target.IsolationLevel) *Context {
	return &Context{
		ID:          uuid.New(),
		OperationID: operationID,
		BatchIndex:  batchIndex,
		Isolation:   isolation,
		Status:      StatusPending,
	}
}

// Add appends an ordered write to the context.
func (c *Context) Add(entity string, records []*record.Record) {
	c.Operations = append(c.Operations, Operation{
		Entity:  entity,
		Records: records,
		Status:  StatusPending,
	})
}

// RecordCount returns the total records across all operations.
func (c *Context) RecordCount() int {
	total := 0
	for _, op := range c.Operations {
		total += len(op.Records)
	}
	return total
}

// Coordinator executes transaction contexts against the target store.
type Coordinator struct {
	store                 target.Store
	deadlockRetryAttempts int
	logger                *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDeadlockRetryAttempts overrides the number of whole-transaction
// retries after a store-reported deadlock.
func WithDeadlockRetryAttempts(attempts int) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.deadlockRetryAttempts = attempts
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a Coordinator writing through the given store.
func NewCoordinator(store target.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:                 store,
		deadlockRetryAttempts: 3,
		logger:                slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs the context's writes in one transaction, all or
// nothing. Deadlocks retry the whole transaction up to the configured
// attempts. On failure every operation is marked rolled back, keeping
// per-record outcomes observable even though nothing persisted.
func (c *Coordinator) Execute(ctx context.Context, txc *Context) error {
	if txc.Status != StatusPending {
		return fmt.Errorf("transaction context %s already finished (status %s)", txc.ID, txc.Status)
	}

	var lastErr error
	for attempt := 0; attempt < c.deadlockRetryAttempts; attempt++ {
		err := c.executeOnce(ctx, txc)
		if err == nil {
			txc.Status = StatusCommitted
			return nil
		}
		lastErr = err

		if syncerr.KindOf(err) != syncerr.KindDeadlock {
			break
		}
		c.logger.Warn("Transaction deadlocked, retrying",
			"transaction_id", txc.ID,
			"operation_id", txc.OperationID,
			"attempt", attempt+1)
	}

	c.markRolledBack(txc)
	return lastErr
}

func (c *Coordinator) executeOnce(ctx context.Context, txc *Context) error {
	tx, err := c.store.BeginTx(ctx, txc.Isolation)
	if err != nil {
		return err
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			c.logger.Error("Rollback failed",
				"transaction_id", txc.ID,
				"error", rollbackErr)
		}
	}()

	for i := range txc.Operations {
		op := &txc.Operations[i]
		affected, err := tx.UpsertBatch(ctx, op.Entity, op.Records)
		if err != nil {
			return fmt.Errorf("upsert of %d %s records failed: %w",
				len(op.Records), op.Entity, err)
		}
		op.RecordsAffected = affected
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for i := range txc.Operations {
		txc.Operations[i].Status = StatusCommitted
	}
	return nil
}

func (c *Coordinator) markRolledBack(txc *Context) {
	txc.Status = StatusRolledBack
	for i := range txc.Operations {
		txc.Operations[i].Status = StatusRolledBack
		txc.Operations[i].RecordsAffected = 0
	}
}
