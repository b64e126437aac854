package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/classtrack/sync-server/internal/conflict"
	"github.com/classtrack/sync-server/internal/operation"
	"github.com/classtrack/sync-server/internal/syncerr"
)

// memoryService is an in-memory Service used by tests and local runs
// without a database.
type memoryService struct {
	mu      sync.Mutex
	ops     map[uuid.UUID]*operation.SyncOperation
	cursors map[uuid.UUID]map[int]bool
}

// NewMemoryService creates an empty in-memory Service.
func NewMemoryService() Service {
	return &memoryService{
		ops:     make(map[uuid.UUID]*operation.SyncOperation),
		cursors: make(map[uuid.UUID]map[int]bool),
	}
}

func (s *memoryService) CreateOperation(_ context.Context, op *operation.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ops[op.ID]; exists {
		return fmt.Errorf("operation %s already exists", op.ID)
	}
	s.ops[op.ID] = cloneOperation(op)
	return nil
}

func (s *memoryService) GetOperation(_ context.Context, id uuid.UUID) (*operation.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return cloneOperation(op), nil
}

func (s *memoryService) ListNonTerminal(_ context.Context) ([]*operation.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ops []*operation.SyncOperation
	for _, op := range s.ops {
		if !op.Status.IsTerminal() {
			ops = append(ops, cloneOperation(op))
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
	return ops, nil
}

func (s *memoryService) UpdateOperation(_ context.Context, op *operation.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; !ok {
		return ErrOperationNotFound
	}
	s.ops[op.ID] = cloneOperation(op)
	return nil
}

func (s *memoryService) UpdateStatusAtomically(
	_ context.Context, id uuid.UUID, from, to operation.Status,
) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("invalid status transition %s -> %s", from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status != from {
		return fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, from, op.Status)
	}
	op.Status = to
	return nil
}

func (s *memoryService) MarkBatchCommitted(_ context.Context, operationID uuid.UUID, batchIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursors[operationID] == nil {
		s.cursors[operationID] = make(map[int]bool)
	}
	s.cursors[operationID][batchIndex] = true
	return nil
}

func (s *memoryService) CommittedBatches(_ context.Context, operationID uuid.UUID) (map[int]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	committed := make(map[int]bool, len(s.cursors[operationID]))
	for index := range s.cursors[operationID] {
		committed[index] = true
	}
	return committed, nil
}

func (*memoryService) Ping(context.Context) error {
	return nil
}

func cloneOperation(op *operation.SyncOperation) *operation.SyncOperation {
	clone := *op
	clone.Errors = append([]*syncerr.Error(nil), op.Errors...)
	clone.Conflicts = append([]*conflict.Record(nil), op.Conflicts...)
	if op.StartedAt != nil {
		started := *op.StartedAt
		clone.StartedAt = &started
	}
	if op.CompletedAt != nil {
		completed := *op.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}
