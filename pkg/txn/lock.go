package txn

import (
	"context"
	"sort"
)

// sortedKeys returns a sorted copy of keys, the fixed global order
// every LockCoordinator acquires in to avoid cross-transaction
// deadlock (spec §4.6).
func sortedKeys(keys []string) []string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	return sorted
}

// Lock is one held entry from a LockCoordinator.AcquireAll call.
type Lock struct {
	Key   string
	Token string
	lease *leaseHandle // set only by coordinators backed by a renewable lease
}

// leaseHandle lets RedisLockCoordinator carry its cache.Lease through
// without exposing the cache package's type in the exported Lock
// struct's field list.
type leaseHandle struct {
	release func(context.Context) error
}

// LockCoordinator acquires every lock a commit's P2 phase needs in one
// call, in a fixed global order, so independent commits touching
// disjoint logical ids never deadlock against each other (spec §4.6).
type LockCoordinator interface {
	// AcquireAll sorts keys and acquires them one at a time; on any
	// failure it releases whatever it already holds and returns an
	// error, LockTimeout when a key is still held elsewhere once the
	// retry budget is spent.
	AcquireAll(ctx context.Context, keys []string, token string) ([]Lock, error)

	// Release drops every lock in locks, best-effort.
	Release(ctx context.Context, locks []Lock) error
}
