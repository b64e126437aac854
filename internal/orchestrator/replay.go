package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/classtrack/sync-server/internal/conflict"
	"github.com/classtrack/sync-server/internal/operation"
	"github.com/classtrack/sync-server/internal/record"
	"github.com/classtrack/sync-server/internal/state"
	"github.com/classtrack/sync-server/internal/txn"
)

// ReplayDeadLetter re-resolves and re-writes one dead-lettered record
// without re-running its operation. The entry is removed on success
// and its replay count incremented on failure; entries out of replay
// budget are rejected.
func (o *Orchestrator) ReplayDeadLetter(ctx context.Context, id uuid.UUID) error {
	entry, err := o.dlq.Get(ctx, id)
	if err != nil {
		return err
	}
	if !entry.CanReplay() {
		return fmt.Errorf("dead letter entry %s has exhausted its replay budget (%d attempts)",
			id, entry.ReplayCount)
	}

	// Replay under the originating operation's options when it is still
	// on record; defaults otherwise.
	options := operation.DefaultOptions()
	op, err := o.stateSvc.GetOperation(ctx, entry.OperationID)
	switch {
	case err == nil:
		options = op.Options
	case errors.Is(err, state.ErrOperationNotFound):
	default:
		return err
	}

	existing, err := o.store.FetchExisting(ctx, entry.Entity, []string{entry.Record.Key})
	if err != nil {
		return o.replayFailed(ctx, id, err)
	}

	resolver := conflict.NewResolver(options.ConflictStrategy,
		conflict.WithValidator(entityValidator))
	outcome, err := resolver.Resolve(entry.Record, existing[entry.Record.Key])
	if err != nil {
		return o.replayFailed(ctx, id, err)
	}

	if outcome.Write {
		txc := txn.NewContext(entry.OperationID, entry.BatchIndex, options.Isolation)
		txc.Add(entry.Entity, []*record.Record{outcome.Record})
		if err := o.coordinatorFor(o.store, options).Execute(ctx, txc); err != nil {
			return o.replayFailed(ctx, id, err)
		}
		if err := o.store.RecomputeAggregates(ctx, entry.Entity); err != nil {
			o.logger.Error("Failed to recompute aggregates after replay",
				"entry_id", id,
				"entity", entry.Entity,
				"error", err)
		}
	}

	if err := o.dlq.Delete(ctx, id); err != nil {
		return err
	}
	o.logger.Info("Dead letter entry replayed",
		"entry_id", id,
		"operation_id", entry.OperationID,
		"record_key", entry.Record.Key,
		"written", outcome.Write)
	return nil
}

// replayFailed charges the entry's replay budget and surfaces the
// cause.
func (o *Orchestrator) replayFailed(ctx context.Context, id uuid.UUID, cause error) error {
	if err := o.dlq.MarkReplayed(ctx, id); err != nil {
		o.logger.Error("Failed to mark dead letter entry replayed",
			"entry_id", id,
			"error", err)
	}
	return fmt.Errorf("replay of dead letter entry %s failed: %w", id, cause)
}
