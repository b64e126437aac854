// Package events defines the sync event vocabulary and the bounded
// publisher that feeds the notification sink.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the sync events delivered to the notification sink.
type Type string

const (
	// TypeSyncStarted is emitted when an operation enters IN_PROGRESS.
	TypeSyncStarted Type = "SYNC_STARTED"

	// TypeSyncCompleted is emitted on terminal COMPLETED.
	TypeSyncCompleted Type = "SYNC_COMPLETED"

	// TypeSyncFailed is emitted on terminal FAILED.
	TypeSyncFailed Type = "SYNC_FAILED"

	// TypeSyncCancelled is emitted on terminal CANCELLED.
	TypeSyncCancelled Type = "SYNC_CANCELLED"

	// TypeBatchProcessed is emitted after each committed batch.
	TypeBatchProcessed Type = "BATCH_PROCESSED"

	// TypeProgressUpdate carries throughput/ETA snapshots.
	TypeProgressUpdate Type = "PROGRESS_UPDATE"

	// TypeConflictDetected is emitted per resolved conflict.
	TypeConflictDetected Type = "CONFLICT_DETECTED"

	// TypeTransactionRolledBack is emitted when a batch transaction
	// rolls back.
	TypeTransactionRolledBack Type = "TRANSACTION_ROLLED_BACK"

	// TypeDeadLetterAdded is emitted when a record is dead-lettered.
	TypeDeadLetterAdded Type = "DEAD_LETTER_ADDED"

	// TypeAlertTriggered is emitted by the health monitor on
	// escalation and by critical compensation failures.
	TypeAlertTriggered Type = "ALERT_TRIGGERED"

	// TypeCircuitStateChanged is emitted on breaker transitions.
	TypeCircuitStateChanged Type = "CIRCUIT_STATE_CHANGED"
)

// Event is one notification delivered to the sink.
type Event struct {
	Type        Type           `json:"type"`
	OperationID uuid.UUID      `json:"operationId,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// New creates an event stamped with the current time.
func New(eventType Type, operationID uuid.UUID, fields map[string]any) Event {
	return Event{
		Type:        eventType,
		OperationID: operationID,
		Timestamp:   time.Now(),
		Fields:      fields,
	}
}

// Droppable reports whether the event may be shed under back-pressure.
// Error and alert events are never dropped.
func (e Event) Droppable() bool {
	switch e.Type {
	case TypeProgressUpdate, TypeBatchProcessed:
		return true
	default:
		return false
	}
}
