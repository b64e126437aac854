package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/classtrack/sync-server/internal/conflict"
	"github.com/classtrack/sync-server/internal/deadletter"
	"github.com/classtrack/sync-server/internal/events"
	"github.com/classtrack/sync-server/internal/operation"
	"github.com/classtrack/sync-server/internal/record"
	"github.com/classtrack/sync-server/internal/saga"
	"github.com/classtrack/sync-server/internal/syncerr"
	"github.com/classtrack/sync-server/internal/target"
	"github.com/classtrack/sync-server/internal/txn"
)

// processBatch resolves conflicts for one batch and commits the
// surviving writes atomically. Batch failures dead-letter the records
// and never fail the whole operation unless the abort options or the
// failure thresholds say so.
func (o *Orchestrator) processBatch(
	ctx context.Context,
	op *operation.SyncOperation,
	rs *runState,
	resolver *conflict.Resolver,
	index int,
	batch []*record.Record,
) error {
	// Detached from the operation timeout: an in-flight batch always
	// finishes committing or rolling back.
	batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), op.Options.BatchTimeout)
	defer cancel()

	res, err := o.resolveBatch(batchCtx, resolver, batch)
	if err != nil {
		return o.failBatch(batchCtx, op, rs, index, batch, err)
	}

	for _, c := range res.conflicts {
		o.recordConflict(op, rs, c)
	}

	// Record-level constraint violations dead-letter without dooming
	// the rest of the batch.
	for _, failed := range res.failed {
		o.deadLetter(batchCtx, op, rs, index, failed.rec, failed.err)
	}
	survivors := len(batch) - len(res.failed)

	if countWrites(res.writes) > 0 {
		txc := txn.NewContext(op.ID, index, op.Options.Isolation)
		for _, entity := range entitiesOf(batch) {
			if len(res.writes[entity]) > 0 {
				txc.Add(entity, res.writes[entity])
			}
		}

		if err := o.commitBatch(batchCtx, op, rs, txc, res.writes, res.existing); err != nil {
			o.publish(events.New(events.TypeTransactionRolledBack, op.ID, map[string]any{
				"batch":   index,
				"records": len(batch),
				"error":   err.Error(),
			}))
			return o.failBatch(batchCtx, op, rs, index, res.survivors, err)
		}
	}

	if err := o.stateSvc.MarkBatchCommitted(batchCtx, op.ID, index); err != nil {
		// The write is durable; a missing cursor only costs a redundant
		// idempotent replay after a crash.
		o.logger.Error("Failed to persist batch cursor",
			"operation_id", op.ID,
			"batch", index,
			"error", err)
	}

	rs.mu.Lock()
	op.Counters.Processed += int64(survivors)
	op.Counters.Successful += int64(survivors)
	exceeded := op.ExceedsFailureThreshold()
	if err := o.stateSvc.UpdateOperation(batchCtx, op); err != nil {
		o.logger.Error("Failed to persist operation counters",
			"operation_id", op.ID,
			"error", err)
	}
	rs.mu.Unlock()
	if exceeded {
		rs.aborted.Store(true)
	}

	if err := o.tracker.UpdateProgress(op.ID, int64(len(batch)), "commit"); err != nil {
		o.logger.Debug("Progress update skipped", "operation_id", op.ID, "error", err)
	}
	o.publish(events.New(events.TypeBatchProcessed, op.ID, map[string]any{
		"batch":   index,
		"records": len(batch),
		"writes":  countWrites(res.writes),
	}))
	return nil
}

// failedRecord pairs a record with its permanent error.
type failedRecord struct {
	rec *record.Record
	err error
}

// resolution is the outcome of resolving one batch.
type resolution struct {
	writes   map[string][]*record.Record
	existing map[string]*record.Record

	// failed holds records rejected by store constraints; they
	// dead-letter individually without dooming the batch.
	failed []failedRecord

	// survivors are the records that passed resolution, written or not.
	survivors []*record.Record

	conflicts []*conflict.Record
}

// resolveBatch fetches current target state for the batch's keys and
// runs every record through the conflict resolver. The returned error
// is reserved for failures that doom the whole batch.
func (o *Orchestrator) resolveBatch(
	ctx context.Context,
	resolver *conflict.Resolver,
	batch []*record.Record,
) (*resolution, error) {
	existing := make(map[string]*record.Record)
	for _, entity := range entitiesOf(batch) {
		keys := keysOf(batch, entity)
		found, err := o.store.FetchExisting(ctx, entity, keys)
		if err != nil {
			return nil, err
		}
		for key, rec := range found {
			existing[entity+"/"+key] = rec
		}
	}

	res := &resolution{
		writes:   make(map[string][]*record.Record),
		existing: existing,
	}
	for _, rec := range batch {
		outcome, err := resolver.Resolve(rec, existing[rec.Entity+"/"+rec.Key])
		if err != nil {
			if syncerr.KindOf(err) == syncerr.KindConstraint {
				res.failed = append(res.failed, failedRecord{rec: rec, err: err})
				if outcome != nil && outcome.Conflict != nil {
					res.conflicts = append(res.conflicts, outcome.Conflict)
				}
				continue
			}
			return nil, err
		}

		if outcome.Conflict != nil {
			res.conflicts = append(res.conflicts, outcome.Conflict)
		}
		res.survivors = append(res.survivors, rec)
		if outcome.Write {
			res.writes[rec.Entity] = append(res.writes[rec.Entity], outcome.Record)
		}
	}

	return res, nil
}

// commitBatch commits the transaction context, retrying transient
// failures at the batch level with the operation's retry policy. The
// RETRYING sub-state is reflected best-effort while a retry sleeps.
func (o *Orchestrator) commitBatch(
	ctx context.Context,
	op *operation.SyncOperation,
	rs *runState,
	txc *txn.Context,
	writes map[string][]*record.Record,
	existing map[string]*record.Record,
) error {
	secondary, ok := o.secondary[op.Target]
	if ok {
		return o.commitSaga(ctx, op, rs, txc, secondary, writes, existing)
	}

	coord := o.coordinatorFor(o.store, op.Options)
	attempt := 0
	for {
		err := coord.Execute(ctx, txc)
		if err == nil {
			return nil
		}

		attempt++
		if attempt >= op.Options.Retry.MaxAttempts || !op.Options.Retry.Retryable(err) {
			return err
		}

		o.setRetrying(ctx, op, true)
		delay := op.Options.Retry.Delay(attempt)
		o.logger.Warn("Batch commit failed, retrying",
			"operation_id", op.ID,
			"batch", txc.BatchIndex,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		select {
		case <-ctx.Done():
			o.setRetrying(ctx, op, false)
			return err
		case <-time.After(delay):
		}
		o.setRetrying(ctx, op, false)

		// The whole transaction rolled back; retry on a fresh context.
		txc = txn.NewContext(op.ID, txc.BatchIndex, op.Options.Isolation)
		for entity, records := range writes {
			txc.Add(entity, records)
		}
	}
}

// commitSaga commits a cross-target batch: the primary write and the
// secondary write are paired saga steps whose compensations restore
// the prior records.
func (o *Orchestrator) commitSaga(
	ctx context.Context,
	op *operation.SyncOperation,
	rs *runState,
	txc *txn.Context,
	secondary target.Store,
	writes map[string][]*record.Record,
	existing map[string]*record.Record,
) error {
	primaryCoord := o.coordinatorFor(o.store, op.Options)
	secondaryCoord := o.coordinatorFor(secondary, op.Options)

	steps := []saga.Step{
		{
			Name: "write-primary",
			Execute: func(ctx context.Context) error {
				return primaryCoord.Execute(ctx, txc)
			},
			Compensate: func(ctx context.Context) error {
				return restoreSnapshot(ctx, o.store, op.Options.Isolation, writes, existing)
			},
		},
		{
			Name: "write-secondary",
			Execute: func(ctx context.Context) error {
				mirror := txn.NewContext(op.ID, txc.BatchIndex, op.Options.Isolation)
				for entity, records := range writes {
					mirror.Add(entity, records)
				}
				return secondaryCoord.Execute(ctx, mirror)
			},
			Compensate: func(ctx context.Context) error {
				return restoreSnapshot(ctx, secondary, op.Options.Isolation, writes, existing)
			},
		},
	}

	sg := saga.New(op.ID, steps, saga.WithLogger(o.logger))
	err := sg.Execute(ctx)
	if err == nil {
		return nil
	}

	// Compensation failures leave cross-system state inconsistent;
	// surface them as CRITICAL and force the operation to FAILED.
	if sg.Status() == saga.StatusFailed {
		rs.critical.Store(true)
		rs.mu.Lock()
		for _, compErr := range sg.CompensationErrors() {
			op.RecordError(compErr)
		}
		rs.mu.Unlock()
		o.publish(events.New(events.TypeAlertTriggered, op.ID, map[string]any{
			"saga_id": sg.ID().String(),
			"batch":   txc.BatchIndex,
			"reason":  "saga compensation failed",
		}))
	}
	return err
}

// restoreSnapshot undoes an upsert batch on one store by deleting the
// keys that had no prior record and re-writing the ones that did.
func restoreSnapshot(
	ctx context.Context,
	store target.Store,
	isolation target.IsolationLevel,
	writes map[string][]*record.Record,
	existing map[string]*record.Record,
) error {
	tx, err := store.BeginTx(ctx, isolation)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for entity, records := range writes {
		var deleteKeys []string
		var restore []*record.Record
		for _, rec := range records {
			if prior, ok := existing[entity+"/"+rec.Key]; ok {
				restore = append(restore, prior)
			} else {
				deleteKeys = append(deleteKeys, rec.Key)
			}
		}
		if _, err := tx.DeleteBatch(ctx, entity, deleteKeys); err != nil {
			return err
		}
		if _, err := tx.UpsertBatch(ctx, entity, restore); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// failBatch dead-letters every record of a failed batch and decides
// whether the operation aborts.
func (o *Orchestrator) failBatch(
	ctx context.Context,
	op *operation.SyncOperation,
	rs *runState,
	index int,
	batch []*record.Record,
	cause error,
) error {
	o.logger.Error("Batch failed",
		"operation_id", op.ID,
		"batch", index,
		"records", len(batch),
		"error", cause)

	for _, rec := range batch {
		o.deadLetter(ctx, op, rs, index, rec, cause)
	}

	rs.mu.Lock()
	op.RecordError(syncerr.AsError(cause))
	exceeded := op.ExceedsFailureThreshold()
	if err := o.stateSvc.UpdateOperation(ctx, op); err != nil {
		o.logger.Error("Failed to persist operation counters",
			"operation_id", op.ID,
			"error", err)
	}
	rs.mu.Unlock()

	if op.Options.AbortOnBatchFailure || exceeded || rs.critical.Load() {
		rs.aborted.Store(true)
		return fmt.Errorf("batch %d aborted operation %s: %w", index, op.ID, cause)
	}

	if err := o.tracker.UpdateProgress(op.ID, int64(len(batch)), "dead-letter"); err != nil {
		o.logger.Debug("Progress update skipped", "operation_id", op.ID, "error", err)
	}
	return nil
}

// deadLetter stores one failed record on the dead letter queue.
func (o *Orchestrator) deadLetter(
	ctx context.Context,
	op *operation.SyncOperation,
	rs *runState,
	index int,
	rec *record.Record,
	cause error,
) {
	entry := deadletter.NewEntry(op.ID, index, rec, cause)
	if err := o.dlq.Add(ctx, entry); err != nil {
		o.logger.Error("Failed to add dead letter entry",
			"operation_id", op.ID,
			"record_key", rec.Key,
			"error", err)
	}

	rs.mu.Lock()
	op.Counters.Processed++
	op.Counters.Failed++
	rs.mu.Unlock()

	o.publish(events.New(events.TypeDeadLetterAdded, op.ID, map[string]any{
		"entry_id":   entry.ID.String(),
		"record_key": rec.Key,
		"entity":     rec.Entity,
		"kind":       string(syncerr.KindOf(cause)),
	}))
}

// recordConflict archives a resolved conflict on the operation and
// emits the conflict event.
func (o *Orchestrator) recordConflict(
	op *operation.SyncOperation, rs *runState, c *conflict.Record,
) {
	rs.mu.Lock()
	op.RecordConflict(c)
	rs.mu.Unlock()

	o.metrics.AddConflictsResolved(context.Background(), string(c.Type), 1)
	o.publish(events.New(events.TypeConflictDetected, op.ID, map[string]any{
		"type":     string(c.Type),
		"key":      c.Key,
		"entity":   c.Entity,
		"strategy": string(c.Strategy),
	}))
}

// coordinatorFor builds a transaction coordinator bound to the
// operation's deadlock retry setting.
func (o *Orchestrator) coordinatorFor(store target.Store, options operation.Options) *txn.Coordinator {
	return txn.NewCoordinator(store,
		txn.WithLogger(o.logger),
		txn.WithDeadlockRetryAttempts(options.DeadlockRetryAttempts))
}

// setRetrying flips the operation between IN_PROGRESS and RETRYING.
// Best-effort: with parallel batches another batch may have flipped it
// already, which is fine.
func (o *Orchestrator) setRetrying(ctx context.Context, op *operation.SyncOperation, retrying bool) {
	from, to := operation.StatusInProgress, operation.StatusRetrying
	if !retrying {
		from, to = operation.StatusRetrying, operation.StatusInProgress
	}
	if err := o.stateSvc.UpdateStatusAtomically(ctx, op.ID, from, to); err != nil {
		o.logger.Debug("Retry sub-state not updated", "operation_id", op.ID, "error", err)
	}
}

// countWrites totals the records destined for the store.
func countWrites(writes map[string][]*record.Record) int {
	total := 0
	for _, records := range writes {
		total += len(records)
	}
	return total
}

// keysOf returns the keys of batch records belonging to one entity.
func keysOf(batch []*record.Record, entity string) []string {
	var keys []string
	for _, rec := range batch {
		if rec.Entity == entity {
			keys = append(keys, rec.Key)
		}
	}
	return keys
}
