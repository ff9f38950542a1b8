package coordination

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source shared by the lease store
// and monitor tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryLeaseStore(time.Second)
	s.SetClock(clock.Now)

	lease, err := s.TryAcquire(ctx, "node-1", 10*time.Second)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if _, err := s.TryAcquire(ctx, "node-2", 10*time.Second); !errors.Is(err, ErrLeaseDenied) {
		t.Fatalf("expected ErrLeaseDenied for second node, got %v", err)
	}

	// Re-acquire by the holder is allowed.
	if _, err := s.TryAcquire(ctx, "node-1", 10*time.Second); err != nil {
		t.Fatalf("holder re-acquire failed: %v", err)
	}

	// Renewal extends the lease for the holder only.
	if _, err := s.Renew(ctx, lease); err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if _, err := s.Renew(ctx, &Lease{Holder: "node-2", TTL: 10 * time.Second}); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for non-holder renew, got %v", err)
	}
}

func TestExpiredLeaseCanBeTakenOver(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryLeaseStore(time.Second)
	s.SetClock(clock.Now)

	lease, err := s.TryAcquire(ctx, "node-1", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	// Crash: node-1 stops renewing. Before TTL expiry node-2 is denied.
	clock.Advance(9 * time.Second)
	if _, err := s.TryAcquire(ctx, "node-2", 10*time.Second); !errors.Is(err, ErrLeaseDenied) {
		t.Fatalf("expected denial before expiry, got %v", err)
	}

	clock.Advance(2 * time.Second)
	if _, err := s.TryAcquire(ctx, "node-2", 10*time.Second); err != nil {
		t.Fatalf("acquire after expiry failed: %v", err)
	}

	// The old holder's renewal must now fail.
	if _, err := s.Renew(ctx, lease); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for stale holder, got %v", err)
	}
}

func TestLockDelayBlocksOtherNodes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryLeaseStore(5 * time.Second)
	s.SetClock(clock.Now)

	lease, err := s.TryAcquire(ctx, "node-1", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := s.Release(ctx, lease); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	// Another node must wait out the lock-delay.
	if _, err := s.TryAcquire(ctx, "node-2", 10*time.Second); !errors.Is(err, ErrLeaseDenied) {
		t.Fatalf("expected denial during lock-delay, got %v", err)
	}

	// The previous holder may come straight back.
	reacquired, err := s.TryAcquire(ctx, "node-1", 10*time.Second)
	if err != nil {
		t.Fatalf("previous holder re-acquire failed: %v", err)
	}
	if err := s.Release(ctx, reacquired); err != nil {
		t.Fatalf("second release failed: %v", err)
	}

	clock.Advance(6 * time.Second)
	if _, err := s.TryAcquire(ctx, "node-2", 10*time.Second); err != nil {
		t.Fatalf("acquire after lock-delay failed: %v", err)
	}
}

func TestPartitionedStoreIsUnreachable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLeaseStore(time.Second)

	lease, err := s.TryAcquire(ctx, "node-1", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	s.SetPartitioned(true)
	if _, err := s.Renew(ctx, lease); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if _, err := s.TryAcquire(ctx, "node-2", 10*time.Second); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if _, err := s.Holder(ctx); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}

	s.SetPartitioned(false)
	if _, err := s.Renew(ctx, lease); err != nil {
		t.Fatalf("renew after heal failed: %v", err)
	}
}

// TestSingleHolderUnderContention hammers the store from concurrent nodes
// and asserts the core safety property: at most one valid lease at any
// instant, for all interleavings of acquire and release.
func TestSingleHolderUnderContention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLeaseStore(0)

	var holders int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			nodeID := string(rune('a' + id))
			for j := 0; j < 200; j++ {
				lease, err := s.TryAcquire(ctx, nodeID, time.Minute)
				if err != nil {
					continue
				}
				if n := atomic.AddInt32(&holders, 1); n != 1 {
					t.Errorf("%d nodes believed they held the lease simultaneously", n)
				}
				atomic.AddInt32(&holders, -1)
				if err := s.Release(ctx, lease); err != nil {
					t.Errorf("release by holder failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()
}
