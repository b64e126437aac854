package operation

import (
	"fmt"
	"time"

	"github.com/classtrack/sync-server/internal/conflict"
	"github.com/classtrack/sync-server/internal/retry"
	"github.com/classtrack/sync-server/internal/sources"
	"github.com/classtrack/sync-server/internal/target"
)

// Options tune how one operation is executed. Zero values are filled
// from DefaultOptions by Normalize.
type Options struct {
	// BatchSize is the number of records per transaction.
	BatchSize int `json:"batchSize" yaml:"batch_size"`

	// ParallelBatches bounds in-flight batches for one operation.
	ParallelBatches int `json:"parallelBatches" yaml:"parallel_batches"`

	// Retry governs external-call retries for this operation.
	Retry retry.Policy `json:"retry" yaml:"retry"`

	// Filter narrows the fetch to schools and subjects.
	Filter sources.Filter `json:"filter" yaml:"filter"`

	// ConflictStrategy picks the resolution strategy for this operation.
	ConflictStrategy conflict.Strategy `json:"conflictStrategy" yaml:"conflict_strategy"`

	// Isolation is the transaction isolation level for target writes.
	Isolation target.IsolationLevel `json:"isolation" yaml:"isolation"`

	// DeadlockRetryAttempts bounds whole-transaction deadlock retries.
	DeadlockRetryAttempts int `json:"deadlockRetryAttempts" yaml:"deadlock_retry_attempts"`

	// MaxFailedRecords aborts the operation once more than this many
	// records have failed. Zero disables the count threshold.
	MaxFailedRecords int64 `json:"maxFailedRecords" yaml:"max_failed_records"`

	// MaxFailureRatio aborts the operation once failed/processed exceeds
	// this ratio. Zero disables the ratio threshold.
	MaxFailureRatio float64 `json:"maxFailureRatio" yaml:"max_failure_ratio"`

	// AbortOnBatchFailure fails the whole operation on the first batch
	// that cannot be committed, instead of tolerating partial failure.
	AbortOnBatchFailure bool `json:"abortOnBatchFailure" yaml:"abort_on_batch_failure"`

	// CallTimeout bounds each external call.
	CallTimeout time.Duration `json:"callTimeout" yaml:"call_timeout"`

	// BatchTimeout bounds the processing of one batch.
	BatchTimeout time.Duration `json:"batchTimeout" yaml:"batch_timeout"`

	// OperationTimeout bounds the whole operation. When it elapses,
	// queued batches are cancelled but the in-flight batch finishes
	// committing or rolling back.
	OperationTimeout time.Duration `json:"operationTimeout" yaml:"operation_timeout"`
}

// DefaultOptions returns the standard execution options. The failure
// ratio default of 0.10 is the documented abort policy; the count
// threshold is disabled unless set per operation.
func DefaultOptions() Options {
	return Options{
		BatchSize:             100,
		ParallelBatches:       1,
		Retry:                 retry.DefaultPolicy(),
		ConflictStrategy:      conflict.StrategyLastModifiedWins,
		Isolation:             target.IsolationReadCommitted,
		DeadlockRetryAttempts: 3,
		MaxFailureRatio:       0.10,
		CallTimeout:           30 * time.Second,
		BatchTimeout:          2 * time.Minute,
		OperationTimeout:      30 * time.Minute,
	}
}

// Normalize fills zero-valued fields from defaults and validates the
// rest, so persisted or operator-supplied options are always runnable.
func (o *Options) Normalize() error {
	defaults := DefaultOptions()

	if o.BatchSize <= 0 {
		o.BatchSize = defaults.BatchSize
	}
	if o.ParallelBatches <= 0 {
		o.ParallelBatches = defaults.ParallelBatches
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = defaults.Retry
	}
	if o.ConflictStrategy == "" {
		o.ConflictStrategy = defaults.ConflictStrategy
	}
	if o.Isolation == "" {
		o.Isolation = defaults.Isolation
	}
	if o.DeadlockRetryAttempts <= 0 {
		o.DeadlockRetryAttempts = defaults.DeadlockRetryAttempts
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaults.CallTimeout
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = defaults.BatchTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = defaults.OperationTimeout
	}

	if !conflict.ValidStrategy(o.ConflictStrategy) {
		return fmt.Errorf("unknown conflict strategy %q", o.ConflictStrategy)
	}
	if o.MaxFailureRatio < 0 || o.MaxFailureRatio > 1 {
		return fmt.Errorf("max failure ratio %v must be within [0, 1]", o.MaxFailureRatio)
	}
	if o.MaxFailedRecords < 0 {
		return fmt.Errorf("max failed records must not be negative")
	}
	return nil
}
