// Package operation defines the sync operation domain model: the unit
// of work the orchestrator queues, runs and persists.
package operation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classtrack/sync-server/internal/conflict"
	"github.com/classtrack/sync-server/internal/sources"
	"github.com/classtrack/sync-server/internal/syncerr"
)

// Type enumerates the sync operation purposes, one per source family.
type Type string

const (
	// TypeStudentRoster syncs student records from the SIS.
	TypeStudentRoster Type = "STUDENT_ROSTER_SYNC"

	// TypeAssessmentResults syncs diagnostic assessment results.
	TypeAssessmentResults Type = "ASSESSMENT_RESULTS_SYNC"

	// TypeInterventionRecords syncs intervention tracking records.
	TypeInterventionRecords Type = "INTERVENTION_RECORDS_SYNC"
)

// ValidType reports whether t is a known operation type.
func ValidType(t Type) bool {
	switch t {
	case TypeStudentRoster, TypeAssessmentResults, TypeInterventionRecords:
		return true
	}
	return false
}

// TypeForSource returns the operation type matching a source type.
func TypeForSource(sourceType string) (Type, error) {
	switch sourceType {
	case sources.TypeSIS:
		return TypeStudentRoster, nil
	case sources.TypeAssessment:
		return TypeAssessmentResults, nil
	case sources.TypeIntervention:
		return TypeInterventionRecords, nil
	}
	return "", fmt.Errorf("no operation type for source type %q", sourceType)
}

// Status is the operation lifecycle state.
type Status string

const (
	// StatusPending means the operation was created but not yet queued.
	StatusPending Status = "PENDING"

	// StatusQueued means the operation is waiting for a worker slot.
	StatusQueued Status = "QUEUED"

	// StatusInProgress means batches are being processed.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusRetrying means a batch-level retry is in flight. The
	// operation loops IN_PROGRESS and RETRYING while retries remain.
	StatusRetrying Status = "RETRYING"

	// StatusCompleted means the operation finished, possibly with a
	// non-empty error list below the abort threshold. Terminal.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed means the operation aborted. Terminal.
	StatusFailed Status = "FAILED"

	// StatusCancelled means an operator cancelled the operation and the
	// cancellation was observed at a batch boundary. Terminal.
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions is the forward-only status machine. RETRYING loops
// back to IN_PROGRESS; terminal states have no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusCancelled},
	StatusQueued:     {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusRetrying, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRetrying:   {StatusInProgress, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from → to is a legal status change.
func (s Status) CanTransition(to Status) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Counters accumulate per-operation record outcomes. Progress
// snapshots are always derived from these, never stored separately.
type Counters struct {
	Processed  int64 `json:"processed"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	Conflicts  int64 `json:"conflicts"`
}

// SyncOperation is the unit of work. It is created by a scheduler or
// operator request, mutated only by the orchestrator, and retained
// indefinitely for audit.
type SyncOperation struct {
	ID        uuid.UUID         `json:"id"`
	Type      Type              `json:"type"`
	Source    string            `json:"source"`
	Target    string            `json:"target"`
	Status    Status            `json:"status"`
	DateRange sources.DateRange `json:"dateRange"`
	Priority  int               `json:"priority"`
	Options   Options           `json:"options"`
	Counters  Counters          `json:"counters"`

	// TotalRecords is the number of records fetched for this operation,
	// known once fetching completes. Zero until then.
	TotalRecords int64 `json:"totalRecords"`

	Errors    []*syncerr.Error   `json:"errors,omitempty"`
	Conflicts []*conflict.Record `json:"conflictRecords,omitempty"`

	CreatedBy   string     `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// New creates a pending operation with defaulted options.
func New(opType Type, source, target string, dateRange sources.DateRange, createdBy string) (*SyncOperation, error) {
	if !ValidType(opType) {
		return nil, fmt.Errorf("unknown operation type %q", opType)
	}
	if source == "" {
		return nil, fmt.Errorf("operation source is required")
	}
	if err := dateRange.Validate(); err != nil {
		return nil, err
	}

	return &SyncOperation{
		ID:        uuid.New(),
		Type:      opType,
		Source:    source,
		Target:    target,
		Status:    StatusPending,
		DateRange: dateRange,
		Options:   DefaultOptions(),
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Transition moves the operation to a new status, enforcing the
// forward-only machine and stamping lifecycle timestamps.
func (o *SyncOperation) Transition(to Status) error {
	if !o.Status.CanTransition(to) {
		return fmt.Errorf("invalid status transition %s -> %s for operation %s",
			o.Status, to, o.ID)
	}

	now := time.Now().UTC()
	if to == StatusInProgress && o.StartedAt == nil {
		o.StartedAt = &now
	}
	if to.IsTerminal() {
		o.CompletedAt = &now
	}
	o.Status = to
	return nil
}

// RecordError appends a structured error to the operation's audit list.
func (o *SyncOperation) RecordError(err *syncerr.Error) {
	if err == nil {
		return
	}
	o.Errors = append(o.Errors, err)
}

// RecordConflict archives a resolved conflict on the operation summary.
func (o *SyncOperation) RecordConflict(c *conflict.Record) {
	if c == nil {
		return
	}
	o.Conflicts = append(o.Conflicts, c)
	o.Counters.Conflicts++
}

// ExceedsFailureThreshold reports whether accumulated failures cross
// either configured abort threshold. The count threshold applies when
// positive; the ratio threshold applies when positive and at least one
// record has been processed.
func (o *SyncOperation) ExceedsFailureThreshold() bool {
	if o.Options.MaxFailedRecords > 0 && o.Counters.Failed > o.Options.MaxFailedRecords {
		return true
	}
	if o.Options.MaxFailureRatio > 0 && o.Counters.Processed > 0 {
		ratio := float64(o.Counters.Failed) / float64(o.Counters.Processed)
		if ratio > o.Options.MaxFailureRatio {
			return true
		}
	}
	return false
}
