package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/litekeeper/litekeeper/observability"
)

// ErrReplicationGap means an entry arrived ahead of the next expected
// sequence number. Application is suspended and the replica must resync
// from a snapshot; skipping is never an option.
var ErrReplicationGap = errors.New("replication: sequence gap detected")

// Target is the subset of the storage substrate the applier mutates.
type Target interface {
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Restore(ctx context.Context, data map[string][]byte) error
}

// Applier applies the primary's mutation stream to local storage, strictly
// in sequence order. It is driven by a single goroutine (the subscriber's
// read loop), so application is sequential even when the channel redelivers
// or reorders entries.
type Applier struct {
	target Target

	mu         sync.RWMutex
	appliedSeq uint64
	primarySeq uint64 // last committed seq advertised by the primary
	epoch      int64  // fencing epoch of the stream being applied
	suspended  bool
}

// NewApplier initializes an Applier over the given storage target.
func NewApplier(target Target) *Applier {
	return &Applier{target: target}
}

// Apply applies one entry. Duplicates (seq <= applied) are discarded for
// idempotence, gaps suspend application and return ErrReplicationGap, and
// entries from a stale fencing epoch are dropped. A newer epoch whose
// sequence is at or below the applied position is a stream reset, not a
// duplicate: local state may hold writes the new primary never committed,
// so application suspends until a snapshot resync.
func (a *Applier) Apply(ctx context.Context, e Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e.Epoch < a.epoch {
		log.Printf("Applier: dropping entry seq=%d from stale epoch %d (current %d)", e.Seq, e.Epoch, a.epoch)
		return nil
	}

	if e.Epoch > a.epoch && e.Seq <= a.appliedSeq {
		a.suspended = true
		log.Printf("Applier: stream reset, epoch %d restarts at seq=%d below applied seq=%d, suspending",
			e.Epoch, e.Seq, a.appliedSeq)
		return ErrReplicationGap
	}

	switch {
	case e.Seq <= a.appliedSeq:
		// At-least-once delivery: already applied, discard.
		return nil

	case e.Seq == a.appliedSeq+1:
		if err := a.applyMutation(ctx, e.Mutation); err != nil {
			return fmt.Errorf("apply seq %d: %w", e.Seq, err)
		}
		a.appliedSeq = e.Seq
		a.epoch = e.Epoch
		if e.Seq > a.primarySeq {
			a.primarySeq = e.Seq
		}
		a.suspended = false
		observability.AppliedSequence.Set(float64(a.appliedSeq))
		return nil

	default:
		// Missing at least one entry. Suspend until resync.
		a.suspended = true
		log.Printf("Applier: gap detected, got seq=%d want seq=%d, suspending", e.Seq, a.appliedSeq+1)
		return ErrReplicationGap
	}
}

func (a *Applier) applyMutation(ctx context.Context, m Mutation) error {
	switch m.Op {
	case OpPut:
		return a.target.Put(ctx, m.Key, m.Value)
	case OpDelete:
		return a.target.Delete(ctx, m.Key)
	default:
		// Unknown ops are skipped, not fatal: a newer primary may ship
		// op types this build does not know.
		log.Printf("Applier: unknown mutation op %q, skipping", m.Op)
		return nil
	}
}

// ApplySnapshot replaces local state with the snapshot and resumes normal
// application from its sequence position.
func (a *Applier) ApplySnapshot(ctx context.Context, snap *SnapshotMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if snap.Epoch < a.epoch {
		return fmt.Errorf("replication: snapshot from stale epoch %d (current %d)", snap.Epoch, a.epoch)
	}

	if err := a.target.Restore(ctx, snap.Data); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", snap.SnapshotID, err)
	}

	// On an epoch advance the old primary's committed position no longer
	// describes the stream; the snapshot position replaces it outright.
	if snap.Epoch > a.epoch {
		a.primarySeq = snap.Seq
	} else if snap.Seq > a.primarySeq {
		a.primarySeq = snap.Seq
	}
	a.appliedSeq = snap.Seq
	a.epoch = snap.Epoch
	a.suspended = false
	observability.AppliedSequence.Set(float64(a.appliedSeq))
	log.Printf("Applier: restored snapshot %s at seq=%d epoch=%d", snap.SnapshotID, snap.Seq, snap.Epoch)
	return nil
}

// ObservePrimarySeq records the primary's committed position from a
// heartbeat, used for lag reporting. A heartbeat from a newer epoch whose
// committed position is below the applied position reveals a stream reset
// even when no entry ever arrives; it suspends application and returns
// ErrReplicationGap so the caller requests a snapshot resync.
func (a *Applier) ObservePrimarySeq(seq uint64, epoch int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if epoch > a.epoch {
		a.primarySeq = seq
		if seq < a.appliedSeq {
			a.suspended = true
			observability.ReplicationLag.Set(float64(a.lagLocked()))
			log.Printf("Applier: heartbeat epoch %d committed seq=%d below applied seq=%d, suspending",
				epoch, seq, a.appliedSeq)
			return ErrReplicationGap
		}
	} else if seq > a.primarySeq {
		a.primarySeq = seq
	}
	observability.ReplicationLag.Set(float64(a.lagLocked()))
	return nil
}

// AppliedSeq returns the last applied sequence number. Non-decreasing
// absent a failover snapshot reset.
func (a *Applier) AppliedSeq() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.appliedSeq
}

// Lag returns how far this replica trails the primary's committed position.
func (a *Applier) Lag() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lagLocked()
}

func (a *Applier) lagLocked() uint64 {
	if a.primarySeq <= a.appliedSeq {
		return 0
	}
	return a.primarySeq - a.appliedSeq
}

// Suspended reports whether application is waiting on a snapshot resync.
func (a *Applier) Suspended() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.suspended
}
