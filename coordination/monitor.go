package coordination

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/litekeeper/litekeeper/observability"
)

// electionResource names the fencing epoch row shared by all candidates.
const electionResource = "primary-election"

// MonitorConfig configures a RoleMonitor.
type MonitorConfig struct {
	NodeID string

	// Candidate nodes attempt to acquire the lease. Non-candidates (e.g.
	// nodes outside the primary region) only observe the current holder;
	// the region hint never substitutes for a confirmed lease.
	Candidate bool

	// TTL is the lease time-to-live. The monitor ticks every TTL/3.
	TTL time.Duration

	// RenewTimeout bounds each coordination service call. It must be
	// strictly shorter than TTL so a hung renewal is detected before the
	// lease could be stolen. Defaults to TTL/4.
	RenewTimeout time.Duration

	// MaxRenewFailures is how many consecutive unreachable errors are
	// tolerated before stepping down early. The TTL elapsing since the
	// last confirmation demotes regardless. Defaults to 3.
	MaxRenewFailures int
}

// RoleMonitor owns this node's role. It runs one background loop that
// renews or acquires the lease and exposes the derived role to the write
// gate and health reporter, which only ever read it.
type RoleMonitor struct {
	leases LeaseStore
	epochs EpochStore
	cfg    MonitorConfig

	mu            sync.RWMutex
	isPrimary     bool
	everConfirmed bool
	lastConfirmed time.Time
	lease         *Lease
	epoch         int64
	holder        string
	transitions   int64

	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	// Promotion and demotion hooks. onPromote runs synchronously before
	// the role flips, with a context that is cancelled when leadership is
	// lost; onDemote runs synchronously after writes are already gated off.
	onPromote func(ctx context.Context, epoch int64)
	onDemote  func()

	now    func() time.Time
	cancel context.CancelFunc
}

// NewRoleMonitor initializes a RoleMonitor. Start must be called to begin
// the election loop.
func NewRoleMonitor(leases LeaseStore, epochs EpochStore, cfg MonitorConfig) *RoleMonitor {
	if cfg.RenewTimeout <= 0 || cfg.RenewTimeout >= cfg.TTL {
		cfg.RenewTimeout = cfg.TTL / 4
	}
	if cfg.MaxRenewFailures <= 0 {
		cfg.MaxRenewFailures = 3
	}
	return &RoleMonitor{
		leases: leases,
		epochs: epochs,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetCallbacks registers the promotion and demotion hooks.
func (m *RoleMonitor) SetCallbacks(onPromote func(ctx context.Context, epoch int64), onDemote func()) {
	m.onPromote = onPromote
	m.onDemote = onDemote
}

// NodeID returns this node's identifier.
func (m *RoleMonitor) NodeID() string { return m.cfg.NodeID }

// Start launches the election loop. Non-blocking.
func (m *RoleMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop cancels the loop and, if primary, releases the lease so the next
// candidate only waits out the lock-delay instead of the full TTL.
func (m *RoleMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.StepDown()
}

// StepDown explicitly releases the lease and demotes. No-op on replicas.
func (m *RoleMonitor) StepDown() {
	m.mu.RLock()
	lease := m.lease
	primary := m.isPrimary
	m.mu.RUnlock()
	if !primary {
		return
	}

	m.demote("step_down")

	if lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.leases.Release(ctx, lease); err != nil {
			log.Printf("RoleMonitor: release on step-down failed: %v", err)
		}
	}
}

// Role returns the fail-closed role: a primary whose last confirmation is
// older than one TTL reports RoleReplica even if no demotion arrived, and a
// node that never completed a lease check reports RoleUnknown.
func (m *RoleMonitor) Role() Role {
	role, confirmed := m.CurrentRole()
	if role == RolePrimary && m.now().Sub(confirmed) > m.cfg.TTL {
		return RoleReplica
	}
	return role
}

// CurrentRole returns the cached role belief plus the time it was last
// confirmed with the coordination service. Callers gating writes must apply
// their own staleness bound; Role already applies the TTL bound.
func (m *RoleMonitor) CurrentRole() (Role, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.everConfirmed {
		return RoleUnknown, time.Time{}
	}
	if m.isPrimary {
		return RolePrimary, m.lastConfirmed
	}
	return RoleReplica, m.lastConfirmed
}

// LeaseAge returns the time since the last successful confirmation.
func (m *RoleMonitor) LeaseAge() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.everConfirmed {
		return -1
	}
	return m.now().Sub(m.lastConfirmed)
}

// Epoch returns the fencing epoch of the current or most recent term.
func (m *RoleMonitor) Epoch() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// KnownHolder returns the last observed lease holder, for redirect hints.
func (m *RoleMonitor) KnownHolder() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holder
}

// Transitions returns the total number of role transitions.
func (m *RoleMonitor) Transitions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transitions
}

func (m *RoleMonitor) loop(ctx context.Context) {
	minInterval := m.cfg.TTL / 3
	maxInterval := m.cfg.TTL
	interval := minInterval

	renewFailures := 0

	timer := time.NewTimer(0) // first check immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			err := m.tick(ctx, &renewFailures)

			// Backoff on coordination errors, reset on success.
			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				log.Printf("RoleMonitor: coordination error, backing off for %v: %v", interval, err)
			} else {
				interval = minInterval
			}
			observability.LeaseAge.Set(m.LeaseAge().Seconds())

			timer.Reset(interval)
		}
	}
}

// tick performs one renew-or-acquire pass. Returned errors are transport
// failures only; denied acquisition is the normal replica outcome.
func (m *RoleMonitor) tick(ctx context.Context, renewFailures *int) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RenewTimeout)
	defer cancel()

	m.mu.RLock()
	primary := m.isPrimary
	m.mu.RUnlock()

	if primary {
		return m.renewTick(ctx, renewFailures)
	}
	if !m.cfg.Candidate {
		return m.observeTick(ctx)
	}
	return m.acquireTick(ctx)
}

func (m *RoleMonitor) renewTick(ctx context.Context, renewFailures *int) error {
	m.mu.RLock()
	lease := m.lease
	m.mu.RUnlock()
	if lease == nil {
		m.demote("lost")
		return nil
	}

	renewed, err := m.leases.Renew(ctx, lease)
	switch {
	case err == nil:
		*renewFailures = 0
		m.mu.Lock()
		m.lease = renewed
		m.lastConfirmed = m.now()
		m.mu.Unlock()
		return nil

	case errors.Is(err, ErrLeaseLost):
		// Another holder appeared. Demote immediately.
		*renewFailures = 0
		m.demote("lost")
		return nil

	default:
		// Unreachable. Demote once the TTL elapsed without confirmation
		// or failures pile up; a partitioned primary must never keep
		// believing it is primary past its lease.
		*renewFailures++
		log.Printf("RoleMonitor: renew failed (%d/%d): %v", *renewFailures, m.cfg.MaxRenewFailures, err)

		m.mu.RLock()
		expired := m.now().Sub(m.lastConfirmed) >= m.cfg.TTL
		m.mu.RUnlock()

		if expired || *renewFailures >= m.cfg.MaxRenewFailures {
			m.demote("unreachable")
			*renewFailures = 0
		}
		return err
	}
}

func (m *RoleMonitor) acquireTick(ctx context.Context) error {
	// Durable epoch first, then the lease, mirroring fencing-token order:
	// a burned epoch on a denied acquire is harmless, the reverse is not.
	epoch, err := m.epochs.IncrementEpoch(ctx, electionResource)
	if err != nil {
		return err
	}

	lease, err := m.leases.TryAcquire(ctx, m.cfg.NodeID, m.cfg.TTL)
	switch {
	case err == nil:
		m.promote(lease, epoch)
		return nil

	case errors.Is(err, ErrLeaseDenied):
		// Expected contention: someone else is primary, we are a
		// confirmed replica as of now.
		holder, herr := m.leases.Holder(ctx)
		m.mu.Lock()
		m.everConfirmed = true
		m.lastConfirmed = m.now()
		if herr == nil {
			m.holder = holder
		}
		m.mu.Unlock()
		return nil

	default:
		return err
	}
}

// observeTick keeps non-candidate nodes' replica state fresh.
func (m *RoleMonitor) observeTick(ctx context.Context) error {
	holder, err := m.leases.Holder(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.everConfirmed = true
	m.lastConfirmed = m.now()
	m.holder = holder
	m.mu.Unlock()
	return nil
}

func (m *RoleMonitor) promote(lease *Lease, epoch int64) {
	m.mu.Lock()
	m.everConfirmed = true
	m.lastConfirmed = m.now()
	m.lease = lease
	m.epoch = epoch
	m.holder = m.cfg.NodeID
	m.transitions++

	ctx, cancel := context.WithCancel(context.Background())
	m.leaderCtx = ctx
	m.leaderCancel = cancel
	m.mu.Unlock()

	// The hook runs before the role flips so the gate cannot admit a
	// write until the replication channel is in sender mode.
	if m.onPromote != nil {
		m.onPromote(ctx, epoch)
	}

	m.mu.Lock()
	m.isPrimary = true
	m.mu.Unlock()

	observability.PrimaryStatus.Set(1)
	observability.FencingEpoch.WithLabelValues(m.cfg.NodeID).Set(float64(epoch))
	observability.RoleTransitions.WithLabelValues(m.cfg.NodeID, "promoted").Inc()
	log.Printf("RoleMonitor: node %s promoted to primary (epoch %d)", m.cfg.NodeID, epoch)
}

func (m *RoleMonitor) demote(reason string) {
	m.mu.Lock()
	if !m.isPrimary {
		m.mu.Unlock()
		return
	}
	m.isPrimary = false
	m.lease = nil
	m.transitions++
	if m.leaderCancel != nil {
		m.leaderCancel()
	}
	m.mu.Unlock()

	observability.PrimaryStatus.Set(0)
	observability.RoleTransitions.WithLabelValues(m.cfg.NodeID, "demoted").Inc()
	log.Printf("RoleMonitor: node %s demoted to replica (%s)", m.cfg.NodeID, reason)

	// The gate already sees the replica role; the hook may now flip the
	// replication channel to receiver mode.
	if m.onDemote != nil {
		m.onDemote()
	}
}
