package cache

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/metrics"
)

// LeaseConfig controls lock acquisition and renewal timing, the same
// interval/timeout/retries shape the health-check config uses for
// consecutive-failure accounting, repurposed here for lease renewal
// instead of liveness probing.
type LeaseConfig struct {
	// LeaseTTL is how long a lock is held before it must be renewed.
	LeaseTTL time.Duration
	// RenewInterval is how often Lease.Renew should be called; callers
	// should pick something comfortably shorter than LeaseTTL.
	RenewInterval time.Duration
	// Retries is the number of consecutive failed acquisition attempts
	// tolerated before giving up with LockTimeout.
	Retries int
}

func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		LeaseTTL:      10 * time.Second,
		RenewInterval: 3 * time.Second,
		Retries:       5,
	}
}

// Lease tracks one held distributed lock: its key, owning token, and a
// consecutive-failure counter on renewal attempts, mirroring Status's
// ConsecutiveFailures/ConsecutiveSuccesses bookkeeping from the health
// package.
type Lease struct {
	Key                 string
	Token               string
	AcquiredAt          time.Time
	ConsecutiveFailures int
	Lost                bool
}

// LockManager acquires, renews, and releases leases backed by Redis
// SET NX PX / compare-and-delete, giving the transaction manager's P2
// lock phase a leaky-bucket-free distributed mutex.
type LockManager struct {
	client *redis.Client
	cfg    LeaseConfig
}

func NewLockManager(client *redis.Client, cfg LeaseConfig) *LockManager {
	return &LockManager{client: client, cfg: cfg}
}

// AcquireLock blocks with jittered backoff until the lock is obtained
// or cfg.Retries attempts have failed, in which case it returns
// LockTimeout.
func (m *LockManager) AcquireLock(ctx context.Context, key, token string) (*Lease, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LockWaitDuration)

	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < m.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, sopErrors.Wrap(sopErrors.ErrCanceled, "cache.AcquireLock", sopErrors.WithCause(err))
		}
		ok, err := m.client.SetNX(ctx, lockKey(key), token, m.cfg.LeaseTTL).Result()
		if err != nil {
			return nil, sopErrors.Wrap(sopErrors.ErrIoError, "cache.AcquireLock", sopErrors.WithCause(err))
		}
		if ok {
			return &Lease{Key: key, Token: token, AcquiredAt: time.Now()}, nil
		}
		select {
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff)))):
		case <-ctx.Done():
			return nil, sopErrors.Wrap(sopErrors.ErrCanceled, "cache.AcquireLock", sopErrors.WithCause(ctx.Err()))
		}
		backoff *= 2
	}
	metrics.LockTimeoutsTotal.Inc()
	return nil, sopErrors.Wrap(sopErrors.ErrLockTimeout, "cache.AcquireLock", sopErrors.WithLogicalIDs(key))
}

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Renew extends lease.Key's TTL iff this lease still owns it. On
// failure it increments ConsecutiveFailures the same way Status.Update
// tracks failed health checks; once failures reach cfg.Retries the
// lease is marked Lost and the caller must abort its transaction
// (spec §4.3 "on lease loss the transaction aborts").
func (m *LockManager) Renew(ctx context.Context, lease *Lease) error {
	res, err := renewScript.Run(ctx, m.client, []string{lockKey(lease.Key)}, lease.Token, m.cfg.LeaseTTL.Milliseconds()).Int()
	if err == nil && res == 1 {
		lease.ConsecutiveFailures = 0
		return nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		lease.ConsecutiveFailures++
	} else {
		// res == 0: another owner holds the key, or it already expired.
		lease.ConsecutiveFailures++
	}

	if lease.ConsecutiveFailures >= m.cfg.Retries {
		lease.Lost = true
		return sopErrors.Wrap(sopErrors.ErrLockTimeout, "cache.Renew", sopErrors.WithLogicalIDs(lease.Key))
	}
	return sopErrors.Wrap(sopErrors.ErrIoError, "cache.Renew", sopErrors.WithLogicalIDs(lease.Key))
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Release drops the lock iff this lease still owns it.
func (m *LockManager) Release(ctx context.Context, lease *Lease) error {
	if err := releaseScript.Run(ctx, m.client, []string{lockKey(lease.Key)}, lease.Token).Err(); err != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "cache.Release", sopErrors.WithCause(err))
	}
	return nil
}

func lockKey(key string) string { return "sop.lock:" + key }
