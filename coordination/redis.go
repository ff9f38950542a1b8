package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/litekeeper/litekeeper/observability"
)

// RedisLeaseStore implements LeaseStore against a Redis key with CAS
// semantics and TTL expiry. All mutations go through Lua scripts so the
// check-and-set is atomic on the service side.
type RedisLeaseStore struct {
	client    *redis.Client
	key       string
	delayKey  string
	lockDelay time.Duration
}

// acquireScript takes the lease when it is free or already ours.
// Returns 1 on success, 0 when another node holds it, -3 when the
// lock-delay tombstone of a different node is still live.
const acquireScript = `
	local delay = redis.call("get", KEYS[2])
	if delay and delay ~= ARGV[1] then
		return -3
	end
	local cur = redis.call("get", KEYS[1])
	if not cur then
		redis.call("set", KEYS[1], ARGV[1], "px", ARGV[2])
		return 1
	end
	if cur == ARGV[1] then
		redis.call("pexpire", KEYS[1], ARGV[2])
		return 1
	end
	return 0
`

// renewScript extends the TTL only while we are still the holder.
// Returns 1 on success, -1 when the key expired, -2 on holder mismatch.
const renewScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	else
		return -2
	end
`

// releaseScript deletes the lease if held and plants the lock-delay
// tombstone so a different node cannot grab it before the grace period ends.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		redis.call("del", KEYS[1])
		redis.call("set", KEYS[2], ARGV[1], "px", ARGV[2])
		return 1
	end
	return 0
`

// NewRedisLeaseStore connects to Redis and verifies the connection.
func NewRedisLeaseStore(addr, password string, db int, key string, lockDelay time.Duration) (*RedisLeaseStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return &RedisLeaseStore{
		client:    client,
		key:       key,
		delayKey:  key + ":delay",
		lockDelay: lockDelay,
	}, nil
}

// Close releases the underlying client.
func (s *RedisLeaseStore) Close() error {
	return s.client.Close()
}

func (s *RedisLeaseStore) TryAcquire(ctx context.Context, nodeID string, ttl time.Duration) (*Lease, error) {
	start := time.Now()
	defer func() {
		observability.LeaseRenewalLatency.Observe(time.Since(start).Seconds())
	}()

	res, err := s.client.Eval(ctx, acquireScript,
		[]string{s.key, s.delayKey}, nodeID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		observability.LeaseFailures.WithLabelValues("acquire").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	code, ok := res.(int64)
	if !ok {
		return nil, errors.New("lease: unexpected return type from acquire script")
	}
	switch code {
	case 1:
		now := time.Now()
		return &Lease{
			Holder:     nodeID,
			TTL:        ttl,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}, nil
	case 0, -3:
		return nil, ErrLeaseDenied
	default:
		return nil, fmt.Errorf("lease: unexpected acquire result %d", code)
	}
}

func (s *RedisLeaseStore) Renew(ctx context.Context, lease *Lease) (*Lease, error) {
	start := time.Now()
	defer func() {
		observability.LeaseRenewalLatency.Observe(time.Since(start).Seconds())
	}()

	res, err := s.client.Eval(ctx, renewScript,
		[]string{s.key}, lease.Holder, int64(lease.TTL/time.Millisecond)).Result()
	if err != nil {
		observability.LeaseFailures.WithLabelValues("renew").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	code, ok := res.(int64)
	if !ok {
		return nil, errors.New("lease: unexpected return type from renew script")
	}
	if code != 1 {
		// Key gone, holder mismatch, or pexpire raced with expiry.
		return nil, ErrLeaseLost
	}

	now := time.Now()
	renewed := *lease
	renewed.ExpiresAt = now.Add(lease.TTL)
	return &renewed, nil
}

func (s *RedisLeaseStore) Release(ctx context.Context, lease *Lease) error {
	res, err := s.client.Eval(ctx, releaseScript,
		[]string{s.key, s.delayKey},
		lease.Holder, int64(s.lockDelay/time.Millisecond)).Result()
	if err != nil {
		observability.LeaseFailures.WithLabelValues("release").Inc()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if code, ok := res.(int64); !ok || code != 1 {
		return ErrLeaseLost
	}
	return nil
}

func (s *RedisLeaseStore) Holder(ctx context.Context) (string, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return val, nil
}
