// Package progress tracks per-operation counters and derives
// throughput and ETA snapshots for operator reporting.
package progress

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classtrack/sync-server/internal/events"
)

// ErrNotTracked is returned when no tracking exists for an operation.
var ErrNotTracked = errors.New("operation is not tracked")

// defaultWindowSize is the number of trailing updates throughput is
// computed over.
const defaultWindowSize = 10

// Snapshot is an ephemeral progress view, always derived from counters
// and never persisted as source of truth.
type Snapshot struct {
	OperationID  uuid.UUID `json:"operationId"`
	TotalRecords int64     `json:"totalRecords"`
	Processed    int64     `json:"processed"`

	// Percentage is processed over total, zero when total is unknown.
	Percentage float64 `json:"percentage"`

	// Throughput is records per second over the trailing update window.
	Throughput float64 `json:"throughput"`

	// ETA is the estimated time remaining. Nil, not zero, when
	// throughput is zero or total is unknown.
	ETA *time.Duration `json:"eta,omitempty"`

	// Step names the pipeline stage reported by the latest update.
	Step string `json:"step,omitempty"`

	StartedAt time.Time  `json:"startedAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// sample is one progress update in the trailing window.
type sample struct {
	at        time.Time
	processed int64
}

type tracked struct {
	total     int64
	processed int64
	step      string
	startedAt time.Time
	updatedAt time.Time
	endedAt   *time.Time
	window    []sample
}

// Tracker maintains progress state for running operations and emits
// progress events to the publisher.
type Tracker struct {
	publisher  *events.Publisher
	windowSize int
	now        func() time.Time

	mu  sync.Mutex
	ops map[uuid.UUID]*tracked
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWindowSize overrides the trailing window length.
func WithWindowSize(size int) Option {
	return func(t *Tracker) {
		if size > 0 {
			t.windowSize = size
		}
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a Tracker publishing to the given publisher. A nil
// publisher disables event emission.
func NewTracker(publisher *events.Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		publisher:  publisher,
		windowSize: defaultWindowSize,
		now:        time.Now,
		ops:        make(map[uuid.UUID]*tracked),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartTracking begins tracking an operation. totalRecords may be zero
// when the total is not yet known; SetTotal updates it later.
func (t *Tracker) StartTracking(operationID uuid.UUID, totalRecords int64) {
	now := t.now()

	t.mu.Lock()
	t.ops[operationID] = &tracked{
		total:     totalRecords,
		startedAt: now,
		updatedAt: now,
		window:    []sample{{at: now}},
	}
	t.mu.Unlock()
}

// SetTotal records the total once fetching has established it.
func (t *Tracker) SetTotal(operationID uuid.UUID, totalRecords int64) {
	t.mu.Lock()
	if op, ok := t.ops[operationID]; ok {
		op.total = totalRecords
	}
	t.mu.Unlock()
}

// UpdateProgress adds processed records and publishes a progress event.
func (t *Tracker) UpdateProgress(operationID uuid.UUID, delta int64, step string) error {
	now := t.now()

	t.mu.Lock()
	op, ok := t.ops[operationID]
	if !ok {
		t.mu.Unlock()
		return ErrNotTracked
	}

	op.processed += delta
	op.step = step
	op.updatedAt = now
	op.window = append(op.window, sample{at: now, processed: op.processed})
	if len(op.window) > t.windowSize {
		op.window = op.window[len(op.window)-t.windowSize:]
	}
	snapshot := t.snapshotLocked(operationID, op)
	t.mu.Unlock()

	t.publish(events.TypeProgressUpdate, operationID, snapshot)
	return nil
}

// CompleteTracking finalizes tracking for an operation. The snapshot
// remains readable until forgotten.
func (t *Tracker) CompleteTracking(operationID uuid.UUID) error {
	now := t.now()

	t.mu.Lock()
	op, ok := t.ops[operationID]
	if !ok {
		t.mu.Unlock()
		return ErrNotTracked
	}
	op.endedAt = &now
	op.updatedAt = now
	t.mu.Unlock()
	return nil
}

// Forget drops tracking state for an operation.
func (t *Tracker) Forget(operationID uuid.UUID) {
	t.mu.Lock()
	delete(t.ops, operationID)
	t.mu.Unlock()
}

// GetProgress returns the current snapshot for an operation.
func (t *Tracker) GetProgress(operationID uuid.UUID) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[operationID]
	if !ok {
		return nil, ErrNotTracked
	}
	return t.snapshotLocked(operationID, op), nil
}

// snapshotLocked derives a snapshot. Must be called with the mutex
// held.
func (t *Tracker) snapshotLocked(operationID uuid.UUID, op *tracked) *Snapshot {
	s := &Snapshot{
		OperationID:  operationID,
		TotalRecords: op.total,
		Processed:    op.processed,
		Step:         op.step,
		StartedAt:    op.startedAt,
		UpdatedAt:    op.updatedAt,
		EndedAt:      op.endedAt,
	}

	if op.total > 0 {
		s.Percentage = 100 * float64(op.processed) / float64(op.total)
		if s.Percentage > 100 {
			s.Percentage = 100
		}
	}

	s.Throughput = windowRate(op.window)
	if s.Throughput > 0 && op.total > op.processed {
		remaining := float64(op.total-op.processed) / s.Throughput
		eta := time.Duration(remaining * float64(time.Second))
		s.ETA = &eta
	}
	return s
}

// windowRate computes records per second across the trailing window.
func windowRate(window []sample) float64 {
	if len(window) < 2 {
		return 0
	}
	first, last := window[0], window[len(window)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	processed := last.processed - first.processed
	if processed <= 0 {
		return 0
	}
	return float64(processed) / elapsed
}

func (t *Tracker) publish(eventType events.Type, operationID uuid.UUID, snapshot *Snapshot) {
	if t.publisher == nil {
		return
	}
	fields := map[string]any{
		"processed":  snapshot.Processed,
		"total":      snapshot.TotalRecords,
		"percentage": snapshot.Percentage,
		"throughput": snapshot.Throughput,
		"step":       snapshot.Step,
	}
	if snapshot.ETA != nil {
		fields["eta"] = snapshot.ETA.String()
	}
	t.publisher.Publish(events.New(eventType, operationID, fields))
}
