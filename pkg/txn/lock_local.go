package txn

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/metrics"
)

// LocalLockCoordinator is the standalone-deployment LockCoordinator: an
// in-process map of held keys, with the same fixed-global-order,
// bounded-retry-with-jittered-backoff contract the Redis-backed
// coordinator gives clustered deployments (spec §4.6, §5).
type LocalLockCoordinator struct {
	mu    sync.Mutex
	locks map[string]string
}

func NewLocalLockCoordinator() *LocalLockCoordinator {
	return &LocalLockCoordinator{locks: make(map[string]string)}
}

func newLockBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

func (c *LocalLockCoordinator) AcquireAll(ctx context.Context, keys []string, token string) ([]Lock, error) {
	sorted := sortedKeys(keys)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LockWaitDuration)

	acquired := make([]Lock, 0, len(sorted))
	for _, key := range sorted {
		attempt := func() error {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, held := c.locks[key]; held {
				return sopErrors.Wrap(sopErrors.ErrLockTimeout, "txn.LocalLockCoordinator.AcquireAll")
			}
			c.locks[key] = token
			return nil
		}
		if err := backoff.Retry(attempt, backoff.WithContext(newLockBackoff(), ctx)); err != nil {
			_ = c.Release(ctx, acquired)
			metrics.LockTimeoutsTotal.Inc()
			return nil, sopErrors.Wrap(sopErrors.ErrLockTimeout, "txn.LocalLockCoordinator.AcquireAll", sopErrors.WithLogicalIDs(key))
		}
		acquired = append(acquired, Lock{Key: key, Token: token})
	}
	return acquired, nil
}

func (c *LocalLockCoordinator) Release(_ context.Context, locks []Lock) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range locks {
		if c.locks[l.Key] == l.Token {
			delete(c.locks, l.Key)
		}
	}
	return nil
}
