// Package orchestrator owns the operation queue, sequences batches
// through conflict resolution and transactional writes, and persists
// operation state for crash recovery.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/classtrack/sync-server/internal/deadletter"
	"github.com/classtrack/sync-server/internal/events"
	"github.com/classtrack/sync-server/internal/operation"
	"github.com/classtrack/sync-server/internal/progress"
	"github.com/classtrack/sync-server/internal/ratelimit"
	"github.com/classtrack/sync-server/internal/sources"
	"github.com/classtrack/sync-server/internal/state"
	"github.com/classtrack/sync-server/internal/target"
	"github.com/classtrack/sync-server/internal/telemetry"
)

const defaultMaxConcurrentOperations = 4

// runState is the in-memory handle for one running operation.
type runState struct {
	source string

	// cancelled is the cooperative cancel flag, checked at batch
	// boundaries only.
	cancelled atomic.Bool

	// aborted is set when the failure threshold is crossed or a batch
	// failure demands abort; remaining batches are not started.
	aborted atomic.Bool

	// critical is set when a saga compensation failed, forcing FAILED.
	critical atomic.Bool

	// mu guards the operation's counters, error list and persistence.
	mu sync.Mutex
}

// Orchestrator runs sync operations against the target store.
type Orchestrator struct {
	stateSvc  state.Service
	store     target.Store
	secondary map[string]target.Store
	dlq       deadletter.Queue
	governor  *ratelimit.Governor
	publisher *events.Publisher
	tracker   *progress.Tracker
	metrics   *telemetry.SyncMetrics
	adapters  map[string]sources.Adapter
	logger    *slog.Logger

	maxConcurrent int64
	slots         *semaphore.Weighted

	mu      sync.Mutex
	queue   []*operation.SyncOperation
	running map[uuid.UUID]*runState
	closed  bool

	notify chan struct{}
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxConcurrentOperations caps operations running at once.
func WithMaxConcurrentOperations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrent = int64(n)
		}
	}
}

// WithSecondaryTarget registers an additional target store. Batches of
// operations whose target names a secondary store commit as a saga
// spanning the primary and the secondary.
func WithSecondaryTarget(name string, store target.Store) Option {
	return func(o *Orchestrator) {
		o.secondary[name] = store
	}
}

// WithMetrics installs operation metrics.
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// WithTracker installs the progress tracker.
func WithTracker(tracker *progress.Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = tracker
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an Orchestrator. Every external call made on behalf of
// an operation passes through the governor.
func New(
	stateSvc state.Service,
	store target.Store,
	dlq deadletter.Queue,
	governor *ratelimit.Governor,
	publisher *events.Publisher,
	adapters map[string]sources.Adapter,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		stateSvc:      stateSvc,
		store:         store,
		secondary:     make(map[string]target.Store),
		dlq:           dlq,
		governor:      governor,
		publisher:     publisher,
		adapters:      adapters,
		logger:        slog.Default(),
		maxConcurrent: defaultMaxConcurrentOperations,
		running:       make(map[uuid.UUID]*runState),
		notify:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracker == nil {
		o.tracker = progress.NewTracker(publisher)
	}
	o.slots = semaphore.NewWeighted(o.maxConcurrent)
	return o
}

// Start recovers non-terminal operations and launches the dispatcher.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.recover(ctx); err != nil {
		return err
	}

	o.wg.Add(1)
	go o.dispatch(ctx)
	return nil
}

// Close stops accepting work and waits for running operations.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	o.wg.Wait()
}

// Submit validates, persists, and queues an operation, returning its
// id. The operation starts once a worker slot frees up.
func (o *Orchestrator) Submit(ctx context.Context, op *operation.SyncOperation) (uuid.UUID, error) {
	if op == nil {
		return uuid.Nil, fmt.Errorf("operation is required")
	}
	if err := op.Options.Normalize(); err != nil {
		return uuid.Nil, err
	}
	if err := op.DateRange.Validate(); err != nil {
		return uuid.Nil, err
	}
	if _, ok := o.adapters[op.Source]; !ok {
		return uuid.Nil, fmt.Errorf("no adapter configured for source %q", op.Source)
	}

	if err := o.stateSvc.CreateOperation(ctx, op); err != nil {
		return uuid.Nil, err
	}
	if err := o.stateSvc.UpdateStatusAtomically(ctx, op.ID,
		operation.StatusPending, operation.StatusQueued); err != nil {
		return uuid.Nil, err
	}
	op.Status = operation.StatusQueued

	o.enqueue(op)
	o.logger.Info("Operation queued",
		"operation_id", op.ID,
		"type", op.Type,
		"source", op.Source,
		"priority", op.Priority)
	return op.ID, nil
}

// Cancel requests cooperative cancellation. A queued operation is
// cancelled immediately; a running one observes the flag at the next
// batch boundary, so the in-flight batch always finishes committing or
// rolling back.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	if rs, ok := o.running[id]; ok {
		rs.cancelled.Store(true)
		o.mu.Unlock()
		o.logger.Info("Cancellation requested for running operation", "operation_id", id)
		return nil
	}

	// Not running: cancel it straight out of the queue.
	for i, queued := range o.queue {
		if queued.ID == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	op, err := o.stateSvc.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.Status.IsTerminal() {
		return fmt.Errorf("operation %s already finished (status %s)", id, op.Status)
	}
	if err := o.stateSvc.UpdateStatusAtomically(ctx, id, op.Status, operation.StatusCancelled); err != nil {
		return err
	}
	o.publish(events.New(events.TypeSyncCancelled, id, nil))
	return nil
}

// GetStatus returns the stored operation.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*operation.SyncOperation, error) {
	return o.stateSvc.GetOperation(ctx, id)
}

// GetProgress returns the live progress snapshot for a running
// operation.
func (o *Orchestrator) GetProgress(id uuid.UUID) (*progress.Snapshot, error) {
	return o.tracker.GetProgress(id)
}

// HasActive reports whether an operation for the source is queued or
// running. Used by the scheduler to avoid piling up recurring syncs.
func (o *Orchestrator) HasActive(source string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, rs := range o.running {
		if rs.source == source {
			return true
		}
	}
	for _, queued := range o.queue {
		if queued.Source == source {
			return true
		}
	}
	return false
}

// recover reloads non-terminal operations from durable storage and
// re-queues them. Operations interrupted mid-flight resume from their
// last committed batch cursor.
func (o *Orchestrator) recover(ctx context.Context) error {
	ops, err := o.stateSvc.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("failed to load non-terminal operations: %w", err)
	}

	for _, op := range ops {
		if _, ok := o.adapters[op.Source]; !ok {
			o.logger.Warn("Skipping recovery of operation with unknown source",
				"operation_id", op.ID,
				"source", op.Source)
			continue
		}
		switch op.Status {
		case operation.StatusPending:
			if err := o.stateSvc.UpdateStatusAtomically(ctx, op.ID,
				operation.StatusPending, operation.StatusQueued); err != nil {
				return err
			}
			op.Status = operation.StatusQueued
		case operation.StatusRetrying:
			// A crash during a retry sleep leaves RETRYING behind. The
			// resumed run must re-enter IN_PROGRESS, which is the only
			// status with an edge to COMPLETED.
			if err := o.stateSvc.UpdateStatusAtomically(ctx, op.ID,
				operation.StatusRetrying, operation.StatusInProgress); err != nil {
				return err
			}
			op.Status = operation.StatusInProgress
		}
		o.enqueue(op)
		o.logger.Info("Recovered operation",
			"operation_id", op.ID,
			"status", op.Status,
			"source", op.Source)
	}
	return nil
}

// enqueue adds an operation to the in-memory queue and wakes the
// dispatcher.
func (o *Orchestrator) enqueue(op *operation.SyncOperation) {
	o.mu.Lock()
	o.queue = append(o.queue, op)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// dequeue pops the highest-priority queued operation, ties broken by
// creation time.
func (o *Orchestrator) dequeue() (*operation.SyncOperation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queue) == 0 {
		return nil, false
	}
	sort.SliceStable(o.queue, func(i, j int) bool {
		if o.queue[i].Priority != o.queue[j].Priority {
			return o.queue[i].Priority > o.queue[j].Priority
		}
		return o.queue[i].CreatedAt.Before(o.queue[j].CreatedAt)
	})
	op := o.queue[0]
	o.queue = o.queue[1:]
	return op, true
}

// dispatch moves queued operations onto worker slots.
func (o *Orchestrator) dispatch(ctx context.Context) {
	defer o.wg.Done()

	for {
		o.mu.Lock()
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return
		}

		op, ok := o.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-o.notify:
				continue
			}
		}

		if err := o.slots.Acquire(ctx, 1); err != nil {
			return
		}

		rs := &runState{source: op.Source}
		o.mu.Lock()
		o.running[op.ID] = rs
		o.mu.Unlock()

		o.wg.Add(1)
		go func(op *operation.SyncOperation, rs *runState) {
			defer o.wg.Done()
			defer o.slots.Release(1)
			defer func() {
				o.mu.Lock()
				delete(o.running, op.ID)
				o.mu.Unlock()
			}()
			o.runOperation(ctx, op, rs)
		}(op, rs)
	}
}

func (o *Orchestrator) publish(event events.Event) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(event)
}
