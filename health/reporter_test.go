package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/litekeeper/litekeeper/coordination"
)

type stubRoles struct {
	role     coordination.Role
	leaseAge time.Duration
	epoch    int64
	holder   string
}

func (s *stubRoles) Role() coordination.Role { return s.role }
func (s *stubRoles) LeaseAge() time.Duration { return s.leaseAge }
func (s *stubRoles) Epoch() int64            { return s.epoch }
func (s *stubRoles) NodeID() string          { return "node-1" }
func (s *stubRoles) KnownHolder() string     { return s.holder }

type stubApplier struct {
	applied   uint64
	lag       uint64
	suspended bool
}

func (s *stubApplier) AppliedSeq() uint64 { return s.applied }
func (s *stubApplier) Lag() uint64        { return s.lag }
func (s *stubApplier) Suspended() bool    { return s.suspended }

type stubChannel struct{ connected bool }

func (s *stubChannel) Connected() bool { return s.connected }

type stubCommits struct{ committed uint64 }

func (s *stubCommits) CommittedSeq() uint64 { return s.committed }

func newTestReporter(roles *stubRoles, applier *stubApplier, channel *stubChannel) *Reporter {
	return NewReporter(roles, applier, channel, &stubCommits{committed: 10},
		Thresholds{MaxLeaseAge: 30 * time.Second, MaxLag: 100})
}

func TestHealthyPrimary(t *testing.T) {
	roles := &stubRoles{role: coordination.RolePrimary, leaseAge: 5 * time.Second, epoch: 3, holder: "node-1"}
	r := newTestReporter(roles, &stubApplier{applied: 10}, &stubChannel{})

	st := r.Status()
	if !st.Healthy || st.Stale {
		t.Fatalf("fresh primary reported healthy=%v stale=%v", st.Healthy, st.Stale)
	}
	if st.Role != "primary" || st.Epoch != 3 || st.Lag != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestPrimaryWithStaleLeaseIsUnhealthy(t *testing.T) {
	roles := &stubRoles{role: coordination.RolePrimary, leaseAge: 31 * time.Second}
	r := newTestReporter(roles, &stubApplier{}, &stubChannel{})

	if st := r.Status(); st.Healthy {
		t.Fatal("primary with expired confirmation reported healthy")
	}
}

func TestReplicaStaleness(t *testing.T) {
	roles := &stubRoles{role: coordination.RoleReplica, leaseAge: time.Second, holder: "node-2"}

	// Connected and keeping up: healthy, not stale.
	r := newTestReporter(roles, &stubApplier{applied: 9, lag: 1}, &stubChannel{connected: true})
	st := r.Status()
	if !st.Healthy || st.Stale {
		t.Fatalf("current replica reported healthy=%v stale=%v", st.Healthy, st.Stale)
	}
	if st.Primary != "node-2" {
		t.Fatalf("primary hint = %q, want node-2", st.Primary)
	}

	// Disconnected: reads are labeled stale even while lag looks small.
	r = newTestReporter(roles, &stubApplier{applied: 9, lag: 1}, &stubChannel{connected: false})
	if st := r.Status(); !st.Stale {
		t.Fatal("disconnected replica not labeled stale")
	}

	// Suspended on a gap: stale and unhealthy until the resync lands.
	r = newTestReporter(roles, &stubApplier{suspended: true}, &stubChannel{connected: true})
	st = r.Status()
	if st.Healthy || !st.Stale {
		t.Fatalf("suspended replica reported healthy=%v stale=%v", st.Healthy, st.Stale)
	}

	// Excessive lag: unhealthy.
	r = newTestReporter(roles, &stubApplier{lag: 101}, &stubChannel{connected: true})
	if st := r.Status(); st.Healthy {
		t.Fatal("lagging replica reported healthy")
	}
}

func TestUnknownRoleIsUnhealthy(t *testing.T) {
	r := newTestReporter(&stubRoles{role: coordination.RoleUnknown}, &stubApplier{}, &stubChannel{})
	st := r.Status()
	if st.Healthy || !st.Stale {
		t.Fatalf("unknown role reported healthy=%v stale=%v", st.Healthy, st.Stale)
	}
}

func TestServeHTTPStatusCodes(t *testing.T) {
	healthy := newTestReporter(
		&stubRoles{role: coordination.RolePrimary, leaseAge: time.Second},
		&stubApplier{}, &stubChannel{})

	rec := httptest.NewRecorder()
	healthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy status code = %d, want 200", rec.Code)
	}
	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if st.NodeID != "node-1" || st.CommittedSeq != 10 {
		t.Fatalf("unexpected body: %+v", st)
	}

	unhealthy := newTestReporter(&stubRoles{role: coordination.RoleUnknown}, &stubApplier{}, &stubChannel{})
	rec = httptest.NewRecorder()
	unhealthy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status code = %d, want 503", rec.Code)
	}
}
