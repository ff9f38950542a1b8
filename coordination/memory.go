package coordination

import (
	"context"
	"sync"
	"time"
)

// MemoryLeaseStore simulates the coordination service in memory. It honors
// the same contract as the Redis implementation: single unexpired holder,
// CAS renew/release, lock-delay after release. The clock is injectable and
// partitions can be switched on, which lets tests drive every interleaving
// deterministically.
type MemoryLeaseStore struct {
	mu  sync.Mutex
	now func() time.Time

	holder    string
	expiresAt time.Time

	delayHolder string
	delayUntil  time.Time
	lockDelay   time.Duration

	partitioned bool
}

// NewMemoryLeaseStore initializes a simulated lease store.
func NewMemoryLeaseStore(lockDelay time.Duration) *MemoryLeaseStore {
	return &MemoryLeaseStore{
		now:       time.Now,
		lockDelay: lockDelay,
	}
}

// SetClock replaces the time source. Test hook.
func (s *MemoryLeaseStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetPartitioned makes every operation fail with ErrUnreachable,
// simulating a network partition from the coordination service.
func (s *MemoryLeaseStore) SetPartitioned(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitioned = p
}

// expireLocked clears state that the clock has invalidated. Callers hold mu.
func (s *MemoryLeaseStore) expireLocked(now time.Time) {
	if s.holder != "" && now.After(s.expiresAt) {
		s.holder = ""
	}
	if s.delayHolder != "" && now.After(s.delayUntil) {
		s.delayHolder = ""
	}
}

func (s *MemoryLeaseStore) TryAcquire(ctx context.Context, nodeID string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partitioned {
		return nil, ErrUnreachable
	}

	now := s.now()
	s.expireLocked(now)

	if s.delayHolder != "" && s.delayHolder != nodeID {
		return nil, ErrLeaseDenied
	}
	if s.holder != "" && s.holder != nodeID {
		return nil, ErrLeaseDenied
	}

	s.holder = nodeID
	s.expiresAt = now.Add(ttl)
	return &Lease{
		Holder:     nodeID,
		TTL:        ttl,
		AcquiredAt: now,
		ExpiresAt:  s.expiresAt,
	}, nil
}

func (s *MemoryLeaseStore) Renew(ctx context.Context, lease *Lease) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partitioned {
		return nil, ErrUnreachable
	}

	now := s.now()
	s.expireLocked(now)

	if s.holder != lease.Holder {
		return nil, ErrLeaseLost
	}

	s.expiresAt = now.Add(lease.TTL)
	renewed := *lease
	renewed.ExpiresAt = s.expiresAt
	return &renewed, nil
}

func (s *MemoryLeaseStore) Release(ctx context.Context, lease *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partitioned {
		return ErrUnreachable
	}

	now := s.now()
	s.expireLocked(now)

	if s.holder != lease.Holder {
		return ErrLeaseLost
	}

	s.holder = ""
	s.delayHolder = lease.Holder
	s.delayUntil = now.Add(s.lockDelay)
	return nil
}

func (s *MemoryLeaseStore) Holder(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partitioned {
		return "", ErrUnreachable
	}

	s.expireLocked(s.now())
	return s.holder, nil
}
