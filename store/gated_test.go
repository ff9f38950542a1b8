package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/litekeeper/litekeeper/coordination"
	"github.com/litekeeper/litekeeper/replication"
)

// stubRoles is a canned RoleSource for gate tests.
type stubRoles struct {
	role      coordination.Role
	confirmed time.Time
	epoch     int64
	holder    string
}

func (s *stubRoles) CurrentRole() (coordination.Role, time.Time) { return s.role, s.confirmed }
func (s *stubRoles) Epoch() int64                                { return s.epoch }
func (s *stubRoles) KnownHolder() string                         { return s.holder }

// recordingHub captures broadcast entries.
type recordingHub struct {
	entries []replication.Entry
}

func (r *recordingHub) Broadcast(e replication.Entry) {
	r.entries = append(r.entries, e)
}

func TestReplicaWritesRejectedWithLeaderHint(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	roles := &stubRoles{role: coordination.RoleReplica, confirmed: time.Now(), holder: "node-2"}
	g := NewGatedStore(inner, roles, replication.NewLog(), nil, 30*time.Second)

	err := g.Put(ctx, "k", []byte("v"))
	if !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("expected ErrNotPrimary, got %v", err)
	}
	var rejected *WriteRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected WriteRejectedError, got %T", err)
	}
	if rejected.Leader != "node-2" {
		t.Fatalf("leader hint = %q, want node-2", rejected.Leader)
	}

	if err := g.Delete(ctx, "k"); !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("delete on replica: expected ErrNotPrimary, got %v", err)
	}

	// The substrate must be untouched.
	if _, err := inner.Get(ctx, "k"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("rejected write reached the substrate: %v", err)
	}
}

func TestUnknownRoleFailsClosed(t *testing.T) {
	ctx := context.Background()
	roles := &stubRoles{role: coordination.RoleUnknown}
	g := NewGatedStore(NewMemoryStore(), roles, replication.NewLog(), nil, 30*time.Second)

	if err := g.Put(ctx, "k", []byte("v")); !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("expected ErrNotPrimary before first confirmation, got %v", err)
	}
}

func TestStaleConfirmationFailsClosed(t *testing.T) {
	ctx := context.Background()
	staleness := 10 * time.Second
	roles := &stubRoles{role: coordination.RolePrimary, confirmed: time.Now()}
	g := NewGatedStore(NewMemoryStore(), roles, replication.NewLog(), nil, staleness)

	if err := g.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("fresh primary write rejected: %v", err)
	}

	// The monitor stops confirming. Even though the cached role still says
	// primary, the gate must reject once the belief exceeds the bound.
	g.now = func() time.Time { return roles.confirmed.Add(staleness + time.Second) }
	if err := g.Put(ctx, "k", []byte("v2")); !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("expected ErrNotPrimary for stale role, got %v", err)
	}
}

func TestPrimaryCommitsInSequenceOrder(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	roles := &stubRoles{role: coordination.RolePrimary, confirmed: time.Now(), epoch: 7}
	mutationLog := replication.NewLog()
	hub := &recordingHub{}
	g := NewGatedStore(inner, roles, mutationLog, hub, 30*time.Second)

	if err := g.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := g.Put(ctx, "b", []byte("2")); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := g.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete a: %v", err)
	}

	if len(hub.entries) != 3 {
		t.Fatalf("broadcast %d entries, want 3", len(hub.entries))
	}
	for i, e := range hub.entries {
		if e.Seq != uint64(i+1) {
			t.Fatalf("entry %d has seq %d, want %d", i, e.Seq, i+1)
		}
		if e.Epoch != 7 {
			t.Fatalf("entry %d has epoch %d, want 7", i, e.Epoch)
		}
	}
	if hub.entries[2].Mutation.Op != replication.OpDelete {
		t.Fatalf("third mutation op = %q, want delete", hub.entries[2].Mutation.Op)
	}

	if g.CommittedSeq() != 3 {
		t.Fatalf("committed seq = %d, want 3", g.CommittedSeq())
	}
	if _, err := inner.Get(ctx, "a"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatal("delete did not reach the substrate")
	}
}

func TestReadsPassThroughOnAnyRole(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	if err := inner.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("seed put: %v", err)
	}

	roles := &stubRoles{role: coordination.RoleReplica, confirmed: time.Now()}
	g := NewGatedStore(inner, roles, replication.NewLog(), nil, 30*time.Second)

	value, err := g.Get(ctx, "k")
	if err != nil {
		t.Fatalf("replica read failed: %v", err)
	}
	if string(value) != "v" {
		t.Fatalf("read %q, want v", value)
	}

	all, err := g.List(ctx, "")
	if err != nil || len(all) != 1 {
		t.Fatalf("list on replica got (%v, %v)", all, err)
	}
}

func TestSnapshotWithSeqIsConsistent(t *testing.T) {
	ctx := context.Background()
	roles := &stubRoles{role: coordination.RolePrimary, confirmed: time.Now(), epoch: 1}
	g := NewGatedStore(NewMemoryStore(), roles, replication.NewLog(), &recordingHub{}, 30*time.Second)

	for _, key := range []string{"a", "b", "c"} {
		if err := g.Put(ctx, key, []byte("v")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	data, seq, err := g.SnapshotWithSeq(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if seq != 3 {
		t.Fatalf("snapshot seq = %d, want 3", seq)
	}
	if len(data) != 3 {
		t.Fatalf("snapshot has %d keys, want 3", len(data))
	}
}
