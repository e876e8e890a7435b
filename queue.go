package pinmark

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// QueueStore durably holds pending operations per file. Implementations must
// tolerate concurrent access from the engine and a background worker; writes
// to the same operation are last-write-wins.
type QueueStore interface {
	// Enqueue stores op, replacing any record with the same ID.
	Enqueue(ctx context.Context, fileID string, op PendingOperation) error
	// ListPending returns the operations for fileID, oldest first.
	ListPending(ctx context.Context, fileID string) ([]PendingOperation, error)
	// Get returns the operation with the given ID or an error wrapping ErrNotFound.
	Get(ctx context.Context, opID string) (PendingOperation, error)
	// Remove deletes an operation. Removing a missing operation is not an error.
	Remove(ctx context.Context, opID string) error
	// ClearAll deletes every operation for fileID.
	ClearAll(ctx context.Context, fileID string) error
}

// ============================================================================
// MemoryQueueStore
// ============================================================================

// MemoryQueueStore is a goroutine-safe in-memory QueueStore. It does not
// survive a restart and is meant for tests and short-lived processes.
type MemoryQueueStore struct {
	mu  sync.RWMutex
	ops map[string]PendingOperation
}

// NewMemoryQueueStore creates an empty in-memory queue.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{ops: make(map[string]PendingOperation)}
}

func (s *MemoryQueueStore) Enqueue(_ context.Context, fileID string, op PendingOperation) error {
	if op.Payload == nil {
		return fmt.Errorf("enqueue %s: missing payload", op.ID)
	}
	op.FileID = fileID
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = op
	return nil
}

func (s *MemoryQueueStore) ListPending(_ context.Context, fileID string) ([]PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []PendingOperation
	for _, op := range s.ops {
		if op.FileID == fileID {
			pending = append(pending, op)
		}
	}
	sortOperations(pending)
	return pending, nil
}

func (s *MemoryQueueStore) Get(_ context.Context, opID string) (PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[opID]
	if !ok {
		return PendingOperation{}, fmt.Errorf("operation %s: %w", opID, ErrNotFound)
	}
	return op, nil
}

func (s *MemoryQueueStore) Remove(_ context.Context, opID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, opID)
	return nil
}

func (s *MemoryQueueStore) ClearAll(_ context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, op := range s.ops {
		if op.FileID == fileID {
			delete(s.ops, id)
		}
	}
	return nil
}

// Len returns the number of queued operations across all files.
func (s *MemoryQueueStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ops)
}

func sortOperations(ops []PendingOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}

// hasPendingCommentCreate reports whether a create for commentID is queued.
func hasPendingCommentCreate(ctx context.Context, store QueueStore, fileID, commentID string) (bool, error) {
	ops, err := store.ListPending(ctx, fileID)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.createsComment(commentID) {
			return true, nil
		}
	}
	return false, nil
}
