package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/litekeeper/litekeeper/coordination"
	"github.com/litekeeper/litekeeper/observability"
	"github.com/litekeeper/litekeeper/replication"
)

// ErrNotPrimary is the sentinel for writes refused by the gate. Callers
// should treat it as retryable and redirect to the holder hint.
var ErrNotPrimary = errors.New("store: write rejected, node is not primary")

// WriteRejectedError carries the last known primary so callers can
// redirect. It matches ErrNotPrimary under errors.Is.
type WriteRejectedError struct {
	Role   coordination.Role
	Leader string // last known holder, may be empty
}

func (e *WriteRejectedError) Error() string {
	if e.Leader != "" {
		return fmt.Sprintf("store: write rejected (role %s, primary is %s)", e.Role, e.Leader)
	}
	return fmt.Sprintf("store: write rejected (role %s, primary unknown)", e.Role)
}

func (e *WriteRejectedError) Is(target error) bool { return target == ErrNotPrimary }

// RoleSource is the read-only view of the role monitor the gate needs.
// The gate never writes role state.
type RoleSource interface {
	CurrentRole() (coordination.Role, time.Time)
	Epoch() int64
	KnownHolder() string
}

// Broadcaster ships committed entries to replicas. Satisfied by the
// replication hub; nil disables shipping (single-node operation).
type Broadcaster interface {
	Broadcast(e replication.Entry)
}

// GatedStore intercepts every mutating operation on the substrate. Writes
// pass only when the cached role is primary and was confirmed within the
// staleness bound; ambiguity resolves to rejection, never acceptance. The
// check reads in-process state exclusively, so a rejected write costs no
// coordination service round trip. Reads always pass through ungated.
//
// On the primary, each accepted mutation is applied, appended to the
// mutation log in commit order, and broadcast to replicas.
type GatedStore struct {
	inner Store
	roles RoleSource
	log   *replication.Log
	hub   Broadcaster

	// staleness is the maximum age of the last role confirmation before
	// the gate fails closed; at most one renewal interval.
	staleness time.Duration
	now       func() time.Time

	// commitMu serializes commit-order stamping: substrate apply and log
	// append happen under it so sequence order equals commit order.
	commitMu sync.Mutex
}

// NewGatedStore wires the gate over a substrate. hub may be nil.
func NewGatedStore(inner Store, roles RoleSource, log *replication.Log, hub Broadcaster, staleness time.Duration) *GatedStore {
	return &GatedStore{
		inner:     inner,
		roles:     roles,
		log:       log,
		hub:       hub,
		staleness: staleness,
		now:       time.Now,
	}
}

// SetBroadcaster attaches the replication hub. Must be called before the
// first write; the hub needs the gate as its snapshot source, so one of the
// two is always wired after construction.
func (g *GatedStore) SetBroadcaster(hub Broadcaster) {
	g.hub = hub
}

// guard is checked synchronously before every mutating operation.
func (g *GatedStore) guard() error {
	role, confirmed := g.roles.CurrentRole()
	if role != coordination.RolePrimary {
		observability.WriteRejections.WithLabelValues("not_primary").Inc()
		return &WriteRejectedError{Role: role, Leader: g.roles.KnownHolder()}
	}
	if g.now().Sub(confirmed) > g.staleness {
		// Cached belief is older than one renewal interval: fail closed.
		observability.WriteRejections.WithLabelValues("stale_role").Inc()
		return &WriteRejectedError{Role: coordination.RoleReplica, Leader: g.roles.KnownHolder()}
	}
	return nil
}

func (g *GatedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return g.inner.Get(ctx, key)
}

func (g *GatedStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	return g.inner.List(ctx, prefix)
}

func (g *GatedStore) Put(ctx context.Context, key string, value []byte) error {
	if err := g.guard(); err != nil {
		return err
	}
	return g.commit(ctx, replication.Mutation{Op: replication.OpPut, Key: key, Value: value})
}

func (g *GatedStore) Delete(ctx context.Context, key string) error {
	if err := g.guard(); err != nil {
		return err
	}
	return g.commit(ctx, replication.Mutation{Op: replication.OpDelete, Key: key})
}

func (g *GatedStore) commit(ctx context.Context, m replication.Mutation) error {
	g.commitMu.Lock()

	var err error
	switch m.Op {
	case replication.OpPut:
		err = g.inner.Put(ctx, m.Key, m.Value)
	case replication.OpDelete:
		err = g.inner.Delete(ctx, m.Key)
	}
	if err != nil {
		g.commitMu.Unlock()
		return err
	}

	entry := g.log.Append(g.roles.Epoch(), m)
	g.commitMu.Unlock()

	if g.hub != nil {
		g.hub.Broadcast(entry)
	}
	return nil
}

func (g *GatedStore) Snapshot(ctx context.Context) (map[string][]byte, error) {
	return g.inner.Snapshot(ctx)
}

// Restore is a replication-path operation, not a client write; the applier
// reaches the substrate directly, so restoring through the gate on a
// non-primary is rejected the same as any other mutation.
func (g *GatedStore) Restore(ctx context.Context, data map[string][]byte) error {
	if err := g.guard(); err != nil {
		return err
	}
	return g.inner.Restore(ctx, data)
}

// SnapshotWithSeq returns the substrate contents and the log position they
// are current as of, under the commit lock so the pair is consistent.
// Implements replication.SnapshotSource for the hub.
func (g *GatedStore) SnapshotWithSeq(ctx context.Context) (map[string][]byte, uint64, error) {
	g.commitMu.Lock()
	defer g.commitMu.Unlock()

	data, err := g.inner.Snapshot(ctx)
	if err != nil {
		return nil, 0, err
	}
	return data, g.log.CommittedSeq(), nil
}

// CommittedSeq returns the last committed sequence number.
func (g *GatedStore) CommittedSeq() uint64 {
	return g.log.CommittedSeq()
}
