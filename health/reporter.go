package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/litekeeper/litekeeper/coordination"
)

// RoleSource is the read-only slice of the role monitor the reporter uses.
type RoleSource interface {
	Role() coordination.Role
	LeaseAge() time.Duration
	Epoch() int64
	NodeID() string
	KnownHolder() string
}

// ApplySource exposes the replica-side replication position.
type ApplySource interface {
	AppliedSeq() uint64
	Lag() uint64
	Suspended() bool
}

// ChannelSource reports whether the replication channel is live.
type ChannelSource interface {
	Connected() bool
}

// CommitSource exposes the primary-side committed position.
type CommitSource interface {
	CommittedSeq() uint64
}

// Status is the structured health object polled by orchestration tooling.
type Status struct {
	NodeID        string  `json:"node_id"`
	Role          string  `json:"role"`
	Primary       string  `json:"primary,omitempty"`
	Epoch         int64   `json:"epoch"`
	LeaseAge      float64 `json:"lease_age_seconds"`
	CommittedSeq  uint64  `json:"committed_seq"`
	AppliedSeq    uint64  `json:"applied_seq"`
	Lag           uint64  `json:"replication_lag"`
	Stale         bool    `json:"stale"`
	Healthy       bool    `json:"healthy"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Thresholds bound what the reporter still calls healthy.
type Thresholds struct {
	// MaxLeaseAge is how stale a primary's confirmation may be. Should
	// equal the lease TTL.
	MaxLeaseAge time.Duration

	// MaxLag is the acceptable replica lag in sequence numbers.
	MaxLag uint64
}

// DefaultThresholds returns thresholds suitable for the default lease TTL.
func DefaultThresholds(ttl time.Duration) Thresholds {
	return Thresholds{MaxLeaseAge: ttl, MaxLag: 1000}
}

// Reporter aggregates role, lease, and replication state for the /health
// endpoint. Read-only: it never mutates any of its sources.
type Reporter struct {
	roles      RoleSource
	applier    ApplySource
	channel    ChannelSource
	commits    CommitSource
	thresholds Thresholds
	startedAt  time.Time
	now        func() time.Time
}

// NewReporter wires a reporter. channel may be nil on single-node setups.
func NewReporter(roles RoleSource, applier ApplySource, channel ChannelSource, commits CommitSource, thresholds Thresholds) *Reporter {
	return &Reporter{
		roles:      roles,
		applier:    applier,
		channel:    channel,
		commits:    commits,
		thresholds: thresholds,
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// Status computes the current health view.
func (r *Reporter) Status() Status {
	role := r.roles.Role()
	leaseAge := r.roles.LeaseAge()

	st := Status{
		NodeID:        r.roles.NodeID(),
		Role:          role.String(),
		Primary:       r.roles.KnownHolder(),
		Epoch:         r.roles.Epoch(),
		LeaseAge:      leaseAge.Seconds(),
		CommittedSeq:  r.commits.CommittedSeq(),
		AppliedSeq:    r.applier.AppliedSeq(),
		UptimeSeconds: r.now().Sub(r.startedAt).Seconds(),
	}

	switch role {
	case coordination.RolePrimary:
		// Lag is 0 on the primary by definition.
		st.Lag = 0
		st.Healthy = leaseAge >= 0 && leaseAge <= r.thresholds.MaxLeaseAge

	case coordination.RoleReplica:
		st.Lag = r.applier.Lag()
		disconnected := r.channel != nil && !r.channel.Connected()
		st.Stale = r.applier.Suspended() || disconnected
		st.Healthy = !r.applier.Suspended() && st.Lag <= r.thresholds.MaxLag

	default:
		// Unknown role: reads may be arbitrarily stale, writes are
		// already gated off. Report unhealthy so traffic routes away.
		st.Stale = true
		st.Healthy = false
	}
	return st
}

// ServeHTTP serves the status as JSON; 503 when unhealthy so plain HTTP
// checkers need no body parsing.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	st := r.Status()
	w.Header().Set("Content-Type", "application/json")
	if !st.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(st)
}
