package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/classtrack/sync-server/internal/conflict"
	"github.com/classtrack/sync-server/internal/events"
	"github.com/classtrack/sync-server/internal/operation"
	"github.com/classtrack/sync-server/internal/progress"
	"github.com/classtrack/sync-server/internal/record"
	"github.com/classtrack/sync-server/internal/retry"
	"github.com/classtrack/sync-server/internal/sources"
	"github.com/classtrack/sync-server/internal/syncerr"
	"github.com/classtrack/sync-server/internal/target"
)

// runOperation executes one operation end to end: fetch, partition,
// resolve, commit, finalize.
func (o *Orchestrator) runOperation(ctx context.Context, op *operation.SyncOperation, rs *runState) {
	started := time.Now()

	// Resumed operations are already IN_PROGRESS; fresh ones move off
	// the queue here.
	if op.Status == operation.StatusQueued {
		if err := o.stateSvc.UpdateStatusAtomically(ctx, op.ID,
			operation.StatusQueued, operation.StatusInProgress); err != nil {
			o.logger.Error("Failed to start operation", "operation_id", op.ID, "error", err)
			return
		}
		if err := op.Transition(operation.StatusInProgress); err != nil {
			o.logger.Error("Failed to start operation", "operation_id", op.ID, "error", err)
			return
		}
		if err := o.stateSvc.UpdateOperation(ctx, op); err != nil {
			o.logger.Error("Failed to persist operation start", "operation_id", op.ID, "error", err)
			return
		}
	}

	o.tracker.StartTracking(op.ID, op.TotalRecords)
	defer o.tracker.Forget(op.ID)
	o.publish(events.New(events.TypeSyncStarted, op.ID, map[string]any{
		"source": op.Source,
		"type":   string(op.Type),
	}))

	// The operation timeout cancels remaining queued batches; in-flight
	// batches run on detached contexts and finish committing or rolling
	// back.
	opCtx, cancelOp := context.WithTimeout(ctx, op.Options.OperationTimeout)
	defer cancelOp()

	records, fetchErr := o.fetchAll(opCtx, op)
	if fetchErr != nil {
		op.RecordError(syncerr.AsError(fetchErr))
		o.finalize(ctx, op, rs, operation.StatusFailed, started)
		return
	}

	op.TotalRecords = int64(len(records))
	o.tracker.SetTotal(op.ID, op.TotalRecords)

	batches := partition(records, op.Options.BatchSize)
	committed, err := o.stateSvc.CommittedBatches(ctx, op.ID)
	if err != nil {
		op.RecordError(syncerr.AsError(err))
		o.finalize(ctx, op, rs, operation.StatusFailed, started)
		return
	}

	resolver := conflict.NewResolver(op.Options.ConflictStrategy,
		conflict.WithValidator(entityValidator))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(op.Options.ParallelBatches)

	var timedOut bool
	for index, batch := range batches {
		// Cancellation and abort are observed at batch boundaries only;
		// nothing interrupts an in-flight transaction.
		if rs.cancelled.Load() || rs.aborted.Load() {
			break
		}
		if opCtx.Err() != nil {
			timedOut = true
			break
		}

		if committed[index] {
			rs.mu.Lock()
			op.Counters.Skipped += int64(len(batch))
			rs.mu.Unlock()
			continue
		}

		group.Go(func() error {
			return o.processBatch(groupCtx, op, rs, resolver, index, batch)
		})
	}

	if err := group.Wait(); err != nil {
		op.RecordError(syncerr.AsError(err))
	}

	status := operation.StatusCompleted
	switch {
	case rs.cancelled.Load():
		status = operation.StatusCancelled
	case timedOut:
		op.RecordError(syncerr.New(syncerr.KindTimeout, "operation timeout elapsed"))
		status = operation.StatusFailed
	case rs.critical.Load(), rs.aborted.Load(), op.ExceedsFailureThreshold():
		status = operation.StatusFailed
	}

	// Derived aggregates are rebuilt from the full dataset only after
	// every batch has committed, since batches may commit out of order.
	if status == operation.StatusCompleted {
		for _, entity := range entitiesOf(records) {
			if err := o.store.RecomputeAggregates(ctx, entity); err != nil {
				op.RecordError(syncerr.AsError(err))
				status = operation.StatusFailed
				break
			}
		}
	}

	o.finalize(ctx, op, rs, status, started)
}

// fetchAll pulls every page from the source adapter, each call passing
// through the rate governor and the retry policy.
func (o *Orchestrator) fetchAll(ctx context.Context, op *operation.SyncOperation) ([]*record.Record, error) {
	adapter := o.adapters[op.Source]

	var records []*record.Record
	cursor := ""
	for {
		page, err := retry.Do(ctx, op.Options.Retry, func() (*sources.Page, error) {
			var page *sources.Page
			err := o.governor.Do(ctx, op.Source, func(ctx context.Context) error {
				callCtx, cancel := context.WithTimeout(ctx, op.Options.CallTimeout)
				defer cancel()

				var fetchErr error
				page, fetchErr = adapter.FetchPage(callCtx, op.Options.Filter, op.DateRange, cursor)
				return fetchErr
			})
			return page, err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch page from source %s: %w", op.Source, err)
		}

		records = append(records, page.Records...)
		if page.NextCursor == "" {
			return records, nil
		}
		cursor = page.NextCursor
	}
}

// finalize moves the operation to its terminal status, persists it, and
// emits the terminal event and metrics.
func (o *Orchestrator) finalize(
	ctx context.Context,
	op *operation.SyncOperation,
	rs *runState,
	status operation.Status,
	started time.Time,
) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := op.Transition(status); err != nil {
		o.logger.Error("Invalid terminal transition",
			"operation_id", op.ID,
			"status", status,
			"error", err)
		return
	}
	if err := o.stateSvc.UpdateOperation(ctx, op); err != nil {
		o.logger.Error("Failed to persist terminal operation state",
			"operation_id", op.ID,
			"error", err)
	}

	if err := o.tracker.CompleteTracking(op.ID); err != nil && !errors.Is(err, progress.ErrNotTracked) {
		o.logger.Debug("Progress tracking already finished", "operation_id", op.ID)
	}

	eventType := events.TypeSyncCompleted
	switch status {
	case operation.StatusFailed:
		eventType = events.TypeSyncFailed
	case operation.StatusCancelled:
		eventType = events.TypeSyncCancelled
	}
	o.publish(events.New(eventType, op.ID, map[string]any{
		"processed":  op.Counters.Processed,
		"successful": op.Counters.Successful,
		"failed":     op.Counters.Failed,
		"skipped":    op.Counters.Skipped,
		"conflicts":  op.Counters.Conflicts,
		"errors":     len(op.Errors),
	}))

	o.metrics.RecordOperationDuration(ctx, op.Source, string(status), time.Since(started))
	o.metrics.AddRecordsProcessed(ctx, op.Source, op.Counters.Processed)
	o.metrics.AddRecordsFailed(ctx, op.Source, op.Counters.Failed)

	o.logger.Info("Operation finished",
		"operation_id", op.ID,
		"status", status,
		"processed", op.Counters.Processed,
		"successful", op.Counters.Successful,
		"failed", op.Counters.Failed,
		"skipped", op.Counters.Skipped,
		"conflicts", op.Counters.Conflicts,
		"duration", time.Since(started))
}

// partition splices records into batches of size. Batches are indexed
// in fetch order; the index doubles as the durable resume cursor.
func partition(records []*record.Record, size int) [][]*record.Record {
	if size <= 0 {
		size = 100
	}

	var batches [][]*record.Record
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}

// entitiesOf returns the distinct entities in fetch order.
func entitiesOf(records []*record.Record) []string {
	seen := make(map[string]bool)
	var entities []string
	for _, rec := range records {
		if !seen[rec.Entity] {
			seen[rec.Entity] = true
			entities = append(entities, rec.Entity)
		}
	}
	return entities
}

// entityValidator rejects records whose entity has no target table.
func entityValidator(rec *record.Record) error {
	if !target.ValidEntity(rec.Entity) {
		return fmt.Errorf("no target table for entity %q", rec.Entity)
	}
	return nil
}
