package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PrimaryStatus tracks whether this node currently holds the write lease.
	PrimaryStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "litekeeper_primary_status",
		Help: "Current primary status (1 = primary, 0 = replica/unknown)",
	})

	// RoleTransitions tracks promotion and demotion events.
	RoleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litekeeper_role_transitions_total",
		Help: "Total number of role transitions",
	}, []string{"node_id", "event"}) // promoted, demoted

	// FencingEpoch tracks the durable fencing epoch of the current term.
	FencingEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "litekeeper_fencing_epoch",
		Help: "Durable fencing epoch of the most recent promotion",
	}, []string{"node_id"})

	// LeaseAge tracks seconds since the last successful lease confirmation.
	LeaseAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "litekeeper_lease_age_seconds",
		Help: "Time since the lease was last confirmed with the coordination service",
	})

	// LeaseRenewalLatency tracks coordination service roundtrip latency.
	LeaseRenewalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "litekeeper_lease_renewal_latency_seconds",
		Help:    "Lease acquire/renew roundtrip latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// LeaseFailures tracks failed coordination service calls.
	LeaseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litekeeper_lease_failures_total",
		Help: "Failed lease operations against the coordination service",
	}, []string{"op"}) // acquire, renew, release

	// CommittedSequence tracks the primary's last committed mutation sequence.
	CommittedSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "litekeeper_committed_sequence",
		Help: "Last committed mutation sequence number on the primary",
	})

	// AppliedSequence tracks the local applied mutation sequence.
	AppliedSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "litekeeper_applied_sequence",
		Help: "Last locally applied mutation sequence number",
	})

	// ReplicationLag tracks how far this replica trails the primary.
	ReplicationLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "litekeeper_replication_lag",
		Help: "Primary committed sequence minus local applied sequence (0 on primary)",
	})

	// WriteRejections tracks writes refused by the gate.
	WriteRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litekeeper_write_rejections_total",
		Help: "Write attempts rejected by the write gate",
	}, []string{"reason"}) // not_primary, stale_role

	// SnapshotResyncs tracks full resynchronizations triggered by sequence gaps.
	SnapshotResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "litekeeper_snapshot_resyncs_total",
		Help: "Full snapshot transfers triggered by replication gaps or truncated logs",
	})

	// ConnectedReplicas tracks replicas attached to the replication hub.
	ConnectedReplicas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "litekeeper_connected_replicas",
		Help: "Current number of replicas connected to this primary",
	})

	// ReplicaConnected tracks whether this replica has a live channel to the primary.
	ReplicaConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "litekeeper_replica_connected",
		Help: "Replication channel state on a replica (1 = connected, 0 = serving stale reads)",
	})
)
