package target

import (
	"context"
	"sync"

	"github.com/classtrack/sync-server/internal/record"
)

// MemoryStore is an in-memory Store used by tests and local runs
// without a database. Transactions stage writes and apply them
// atomically on commit.
type MemoryStore struct {
	mu       sync.Mutex
	entities map[string]map[string]*record.Record

	// BeginErr, CommitErr and UpsertErr, when non-nil, are returned by
	// the corresponding call and then cleared after FailCount uses.
	BeginErr  error
	CommitErr error
	UpsertErr error
	FailCount int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[string]map[string]*record.Record)}
}

// Get returns the stored record for an entity/key pair.
func (s *MemoryStore) Get(entity, key string) (*record.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entities[entity][key]
	return rec, ok
}

// Count returns the number of stored records for an entity.
func (s *MemoryStore) Count(entity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities[entity])
}

func (s *MemoryStore) consumeFailure(err error) error {
	if err == nil || s.FailCount <= 0 {
		return nil
	}
	s.FailCount--
	return err
}

// BeginTx opens a staged transaction.
func (s *MemoryStore) BeginTx(_ context.Context, _ IsolationLevel) (Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.consumeFailure(s.BeginErr); err != nil {
		return nil, err
	}
	return &memoryTx{
		store:   s,
		staged:  make(map[string]map[string]*record.Record),
		deleted: make(map[string]map[string]bool),
	}, nil
}

// FetchExisting returns copies of the stored records for the keys.
func (s *MemoryStore) FetchExisting(
	_ context.Context, entity string, keys []string,
) (map[string]*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]*record.Record)
	for _, key := range keys {
		if rec, ok := s.entities[entity][key]; ok {
			existing[key] = rec.Clone()
		}
	}
	return existing, nil
}

// RecomputeAggregates is a no-op for the in-memory store.
func (*MemoryStore) RecomputeAggregates(context.Context, string) error {
	return nil
}

// Ping always succeeds.
func (*MemoryStore) Ping(context.Context) error {
	return nil
}

type memoryTx struct {
	store   *MemoryStore
	staged  map[string]map[string]*record.Record
	deleted map[string]map[string]bool
	done    bool
}

func (t *memoryTx) UpsertBatch(
	_ context.Context, entity string, records []*record.Record,
) (int64, error) {
	t.store.mu.Lock()
	err := t.store.consumeFailure(t.store.UpsertErr)
	t.store.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if t.staged[entity] == nil {
		t.staged[entity] = make(map[string]*record.Record)
	}
	for _, rec := range records {
		t.staged[entity][rec.Key] = rec.Clone()
	}
	return int64(len(records)), nil
}

func (t *memoryTx) DeleteBatch(
	_ context.Context, entity string, keys []string,
) (int64, error) {
	if t.deleted[entity] == nil {
		t.deleted[entity] = make(map[string]bool)
	}

	var affected int64
	for _, key := range keys {
		if t.staged[entity] != nil {
			delete(t.staged[entity], key)
		}
		t.store.mu.Lock()
		_, stored := t.store.entities[entity][key]
		t.store.mu.Unlock()
		if stored {
			t.deleted[entity][key] = true
			affected++
		}
	}
	return affected, nil
}

func (t *memoryTx) Commit(_ context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if err := t.store.consumeFailure(t.store.CommitErr); err != nil {
		return err
	}
	if t.done {
		return nil
	}
	t.done = true

	for entity, deleted := range t.deleted {
		for key := range deleted {
			delete(t.store.entities[entity], key)
		}
	}
	for entity, staged := range t.staged {
		if t.store.entities[entity] == nil {
			t.store.entities[entity] = make(map[string]*record.Record)
		}
		for key, rec := range staged {
			t.store.entities[entity][key] = rec
		}
	}
	return nil
}

func (t *memoryTx) Rollback(context.Context) error {
	t.done = true
	t.staged = nil
	t.deleted = nil
	return nil
}
