package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryQueue is an in-memory Queue used by tests and local runs.
type memoryQueue struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

// NewMemoryQueue creates an empty in-memory Queue.
func NewMemoryQueue() Queue {
	return &memoryQueue{entries: make(map[uuid.UUID]*Entry)}
}

func (q *memoryQueue) Add(_ context.Context, entry *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	clone := *entry
	q.entries[entry.ID] = &clone
	return nil
}

func (q *memoryQueue) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	clone := *entry
	return &clone, nil
}

func (q *memoryQueue) List(_ context.Context, operationID *uuid.UUID, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var entries []*Entry
	for _, entry := range q.entries {
		if operationID != nil && entry.OperationID != *operationID {
			continue
		}
		clone := *entry
		entries = append(entries, &clone)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (q *memoryQueue) MarkReplayed(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	entry.ReplayCount++
	return nil
}

func (q *memoryQueue) Delete(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return ErrEntryNotFound
	}
	delete(q.entries, id)
	return nil
}

func (q *memoryQueue) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var purged int64
	for id, entry := range q.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(q.entries, id)
			purged++
		}
	}
	return purged, nil
}

func (q *memoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}
