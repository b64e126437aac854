package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classtrack/sync-server/internal/record"
	"github.com/classtrack/sync-server/internal/syncerr"
)

func newEntry(t *testing.T, operationID uuid.UUID, key string) *Entry {
	t.Helper()

	rec := &record.Record{
		Key:              key,
		Entity:           "students",
		Payload:          map[string]any{"key": key},
		SourceModifiedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	return NewEntry(operationID, 2, rec, syncerr.New(syncerr.KindAPI, "still failing"))
}

func TestNewEntryCarriesRecordContext(t *testing.T) {
	t.Parallel()

	opID := uuid.New()
	entry := newEntry(t, opID, "student:1")

	assert.Equal(t, opID, entry.OperationID)
	assert.Equal(t, 2, entry.BatchIndex)
	assert.Equal(t, "students", entry.Entity)
	require.NotNil(t, entry.Error)
	assert.Equal(t, opID, entry.Error.OperationID)
	assert.Equal(t, "student:1", entry.Error.RecordKey)
	assert.Equal(t, 0, entry.ReplayCount)
}

func TestCanReplayBudget(t *testing.T) {
	t.Parallel()

	entry := newEntry(t, uuid.New(), "student:1")
	assert.True(t, entry.CanReplay())

	entry.ReplayCount = maxReplayAttempts - 1
	assert.True(t, entry.CanReplay())

	entry.ReplayCount = maxReplayAttempts
	assert.False(t, entry.CanReplay())
}

func TestMemoryQueueAddGetDelete(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	ctx := context.Background()
	entry := newEntry(t, uuid.New(), "student:1")

	require.NoError(t, q.Add(ctx, entry))

	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	require.NoError(t, q.Delete(ctx, entry.ID))
	_, err = q.Get(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.ErrorIs(t, q.Delete(ctx, entry.ID), ErrEntryNotFound)
}

func TestMemoryQueueListFiltersAndOrders(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	ctx := context.Background()
	opA := uuid.New()
	opB := uuid.New()

	older := newEntry(t, opA, "student:1")
	older.CreatedAt = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	newer := newEntry(t, opA, "student:2")
	newer.CreatedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	other := newEntry(t, opB, "result:1")

	require.NoError(t, q.Add(ctx, older))
	require.NoError(t, q.Add(ctx, newer))
	require.NoError(t, q.Add(ctx, other))

	entries, err := q.List(ctx, &opA, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, newer.ID, entries[0].ID)
	assert.Equal(t, older.ID, entries[1].ID)

	entries, err = q.List(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestMemoryQueueMarkReplayed(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	ctx := context.Background()
	entry := newEntry(t, uuid.New(), "student:1")
	require.NoError(t, q.Add(ctx, entry))

	require.NoError(t, q.MarkReplayed(ctx, entry.ID))
	require.NoError(t, q.MarkReplayed(ctx, entry.ID))

	got, err := q.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ReplayCount)

	assert.ErrorIs(t, q.MarkReplayed(ctx, uuid.New()), ErrEntryNotFound)
}

func TestMemoryQueuePurgeOlderThan(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue()
	ctx := context.Background()

	stale := newEntry(t, uuid.New(), "student:1")
	stale.CreatedAt = time.Now().UTC().Add(-31 * 24 * time.Hour)
	fresh := newEntry(t, uuid.New(), "student:2")
	require.NoError(t, q.Add(ctx, stale))
	require.NoError(t, q.Add(ctx, fresh))

	purged, err := q.PurgeOlderThan(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = q.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = q.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}
