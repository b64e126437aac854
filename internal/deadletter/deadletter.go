// Package deadletter stores records that permanently failed
// processing, until an operator replays or expires them.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/classtrack/sync-server/internal/record"
	"github.com/classtrack/sync-server/internal/syncerr"
)

// ErrEntryNotFound is returned when no entry exists for an id.
var ErrEntryNotFound = errors.New("dead letter entry not found")

// maxReplayAttempts bounds operator replays per entry.
const maxReplayAttempts = 3

// Entry is one permanently-failed record awaiting operator action.
type Entry struct {
	ID          uuid.UUID      `json:"id"`
	OperationID uuid.UUID      `json:"operationId"`
	BatchIndex  int            `json:"batchIndex"`
	Entity      string         `json:"entity"`
	Record      *record.Record `json:"record"`
	Error       *syncerr.Error `json:"error"`

	// ReplayCount is the number of operator replays already attempted.
	ReplayCount int `json:"replayCount"`

	CreatedAt time.Time `json:"createdAt"`
}

// NewEntry builds an entry from a failed record and its final error.
func NewEntry(operationID uuid.UUID, batchIndex int, rec *record.Record, cause error) *Entry {
	return &Entry{
		ID:          uuid.New(),
		OperationID: operationID,
		BatchIndex:  batchIndex,
		Entity:      rec.Entity,
		Record:      rec,
		Error:       syncerr.AsError(cause).WithRecord(operationID, batchIndex, rec.Key),
		CreatedAt:   time.Now().UTC(),
	}
}

// CanReplay reports whether the entry has replay budget left.
func (e *Entry) CanReplay() bool {
	return e.ReplayCount < maxReplayAttempts
}

// Queue is the durable dead letter store.
//
//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks -source=deadletter.go Queue
type Queue interface {
	// Add persists an entry.
	Add(ctx context.Context, entry *Entry) error

	// Get returns one entry or ErrEntryNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)

	// List returns entries, optionally filtered to one operation.
	// A nil operationID lists everything, newest first.
	List(ctx context.Context, operationID *uuid.UUID, limit int) ([]*Entry, error)

	// MarkReplayed increments the entry's replay count.
	MarkReplayed(ctx context.Context, id uuid.UUID) error

	// Delete removes an entry after a successful replay.
	Delete(ctx context.Context, id uuid.UUID) error

	// PurgeOlderThan removes entries created before the cutoff,
	// returning the number removed.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Depth returns the number of stored entries.
	Depth(ctx context.Context) (int64, error)
}
