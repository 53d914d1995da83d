package txn

import (
	"context"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/cache"
)

// RedisLockCoordinator is the clustered-deployment LockCoordinator: it
// acquires one cache.Lease per key, in sorted order, through the
// shared Redis-backed LockManager (spec §4.6, §5).
type RedisLockCoordinator struct {
	locks *cache.LockManager
}

func NewRedisLockCoordinator(locks *cache.LockManager) *RedisLockCoordinator {
	return &RedisLockCoordinator{locks: locks}
}

func (c *RedisLockCoordinator) AcquireAll(ctx context.Context, keys []string, token string) ([]Lock, error) {
	sorted := sortedKeys(keys)

	acquired := make([]Lock, 0, len(sorted))
	for _, key := range sorted {
		lease, err := c.locks.AcquireLock(ctx, key, token)
		if err != nil {
			_ = c.Release(ctx, acquired)
			return nil, err
		}
		lm := c.locks
		acquired = append(acquired, Lock{
			Key:   key,
			Token: token,
			lease: &leaseHandle{release: func(ctx context.Context) error {
				return lm.Release(ctx, lease)
			}},
		})
	}
	return acquired, nil
}

func (c *RedisLockCoordinator) Release(ctx context.Context, locks []Lock) error {
	var firstErr error
	for _, l := range locks {
		if l.lease == nil {
			continue
		}
		if err := l.lease.release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "txn.RedisLockCoordinator.Release", sopErrors.WithCause(firstErr))
	}
	return nil
}
