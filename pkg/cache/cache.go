// Package cache implements C3: an in-process L1 plus optional
// distributed L2 cache for nodes, registry entries, store metadata,
// and value blobs, and the distributed lock primitives the
// transaction manager uses during commit (spec §4.3).
package cache

import (
	"context"
	"time"

	"github.com/sopdb/sop/pkg/metrics"
)

// Class is one of the four object classes the cache partitions by.
type Class string

const (
	ClassNode          Class = "node"
	ClassRegistryEntry Class = "registry_entry"
	ClassStoreInfo     Class = "store_info"
	ClassValueBlob     Class = "value_blob"
)

// Entry is what the cache stores: raw bytes plus the version they were
// published at, so a stale hit can be detected and treated as a miss
// (spec §4.3 consistency rule).
type Entry struct {
	Value   []byte
	Version int64
}

// Cache is the contract both L1-only and L1+L2 configurations satisfy.
type Cache interface {
	// Get returns the entry for key in class, and whether it was
	// present. Callers must still compare Entry.Version against the
	// version they're entitled to: a present-but-stale entry is the
	// caller's responsibility to treat as a miss.
	Get(ctx context.Context, class Class, key string) (Entry, bool)

	// Put stores value under key in class. If ttl is zero the entry is
	// permanent (until explicitly invalidated).
	Put(ctx context.Context, class Class, key string, entry Entry, ttl time.Duration) error

	// Invalidate removes key from class in every tier and notifies
	// other processes sharing this cache's L2.
	Invalidate(ctx context.Context, class Class, key string) error
}

// recordHit/recordMiss centralize the metrics.CacheHitsTotal /
// CacheMissesTotal bookkeeping so every tier reports consistently.
func recordHit(class Class, tier string)  { metrics.CacheHitsTotal.WithLabelValues(string(class), tier).Inc() }
func recordMiss(class Class, tier string) { metrics.CacheMissesTotal.WithLabelValues(string(class), tier).Inc() }
