package coordination

import (
	"context"
	"sync"
)

// EpochStore hands out durable, monotonic fencing epochs. A new epoch is
// taken on every promotion so writes from a demoted primary remain
// distinguishable after partition recovery, even if the lease key is lost.
type EpochStore interface {
	// IncrementEpoch atomically increments the epoch for a resource and
	// returns the new value.
	IncrementEpoch(ctx context.Context, resource string) (int64, error)

	// Epoch returns the current epoch without incrementing.
	Epoch(ctx context.Context, resource string) (int64, error)
}

// MemoryEpochStore keeps epochs in memory. Single-node and test use only:
// epochs stop being durable across restarts.
type MemoryEpochStore struct {
	mu     sync.Mutex
	epochs map[string]int64
}

// NewMemoryEpochStore initializes a new MemoryEpochStore.
func NewMemoryEpochStore() *MemoryEpochStore {
	return &MemoryEpochStore{epochs: make(map[string]int64)}
}

func (s *MemoryEpochStore) IncrementEpoch(ctx context.Context, resource string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.epochs[resource] + 1
	s.epochs[resource] = next
	return next, nil
}

func (s *MemoryEpochStore) Epoch(ctx context.Context, resource string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[resource], nil
}
