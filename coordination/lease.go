package coordination

import (
	"context"
	"errors"
	"time"
)

// Role is the node's view of its own position in the cluster.
// It is owned exclusively by the RoleMonitor; everything else reads it.
type Role int

const (
	// RoleUnknown is the initial state before the first lease check
	// completes, and the degraded state after coordination failures.
	RoleUnknown Role = iota
	RolePrimary
	RoleReplica
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	default:
		return "unknown"
	}
}

var (
	// ErrLeaseDenied means another node holds the lease. Expected
	// contention outcome, not a failure.
	ErrLeaseDenied = errors.New("lease: held by another node")

	// ErrLeaseLost means the holder check failed on renew or release:
	// the lease expired or was taken over. Triggers immediate demotion.
	ErrLeaseLost = errors.New("lease: no longer held by this node")

	// ErrUnreachable means the coordination service could not be reached.
	// The monitor treats this conservatively: once the TTL elapses without
	// a successful renewal the holder demotes itself, never the opposite.
	ErrUnreachable = errors.New("lease: coordination service unreachable")
)

// Lease is a time-bounded exclusive ownership token granting write rights.
// At most one unexpired lease exists cluster-wide at any instant.
type Lease struct {
	Holder     string
	TTL        time.Duration
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// LeaseStore talks to the external coordination service. All operations are
// atomic compare-and-swap against the service and visible cluster-wide.
type LeaseStore interface {
	// TryAcquire acquires the lease if it is free, expired, or already
	// held by nodeID. Returns ErrLeaseDenied when another node holds it
	// or its lock-delay grace period is still running.
	TryAcquire(ctx context.Context, nodeID string, ttl time.Duration) (*Lease, error)

	// Renew extends the TTL conditioned on still being the holder.
	// Returns ErrLeaseLost if another holder appears.
	Renew(ctx context.Context, lease *Lease) (*Lease, error)

	// Release gives up the lease and starts the lock-delay window that
	// keeps other nodes from re-acquiring immediately.
	Release(ctx context.Context, lease *Lease) error

	// Holder returns the current holder's node ID, or empty if free.
	Holder(ctx context.Context) (string, error)
}
