// Package blobstore implements C1: append/read opaque byte segments
// identified by segment id, optionally fronted by Reed-Solomon erasure
// coding across drives. Writes are idempotent per segment id; reads
// never observe a partially written segment (spec §4.1).
package blobstore

import (
	"context"

	"github.com/sopdb/sop/pkg/types"
)

// Store is the contract every blob-store backend (standalone replica
// placement, erasure-coded placement) satisfies.
type Store interface {
	// Write durably persists bytes under segment_id. Returns only after
	// every required shard/replica is durable.
	Write(ctx context.Context, segmentID string, payload []byte) error

	// Read returns the bytes written under segment_id, reconstructing
	// from surviving shards if the backend is erasure-coded.
	Read(ctx context.Context, segmentID string) ([]byte, error)

	// Delete removes a segment. Idempotent: deleting a missing segment
	// is not an error.
	Delete(ctx context.Context, segmentID string) error

	// Close releases any file handles or drive connections held open.
	Close() error
}

// Resolver picks the backend a given segment id should use, based on
// the store-name pattern its ErasureGroup (if any) matches. Segment ids
// are expected to carry their owning store name as a prefix so pattern
// matching can be performed without a side lookup.
type Resolver struct {
	replica  Store
	erasure  map[string]*ErasureStore // pattern -> store
	fallback string                   // pattern to use when none match ("" is catch-all)
}

// NewResolver builds a Resolver from a replica-placement backend and a
// set of erasure groups keyed by store-name pattern (spec §6
// erasure_config).
func NewResolver(replica Store, groups map[string]types.ErasureGroup, erasureFor func(types.ErasureGroup) (*ErasureStore, error)) (*Resolver, error) {
	r := &Resolver{replica: replica, erasure: make(map[string]*ErasureStore)}
	for pattern, group := range groups {
		es, err := erasureFor(group)
		if err != nil {
			return nil, err
		}
		r.erasure[pattern] = es
	}
	return r, nil
}

func (r *Resolver) backendFor(segmentID string) Store {
	for pattern, es := range r.erasure {
		if pattern == "" {
			continue // catch-all is checked last
		}
		if matchesPattern(pattern, segmentID) {
			return es
		}
	}
	if es, ok := r.erasure[""]; ok {
		return es
	}
	return r.replica
}

func (r *Resolver) Write(ctx context.Context, segmentID string, payload []byte) error {
	return r.backendFor(segmentID).Write(ctx, segmentID, payload)
}

func (r *Resolver) Read(ctx context.Context, segmentID string) ([]byte, error) {
	return r.backendFor(segmentID).Read(ctx, segmentID)
}

func (r *Resolver) Delete(ctx context.Context, segmentID string) error {
	return r.backendFor(segmentID).Delete(ctx, segmentID)
}

func (r *Resolver) Close() error {
	var firstErr error
	if err := r.replica.Close(); err != nil {
		firstErr = err
	}
	for _, es := range r.erasure {
		if err := es.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// matchesPattern implements the simple store-name-pattern matching the
// spec's erasure_config keys use: an exact store name, or a "prefix*"
// glob.
func matchesPattern(pattern, segmentID string) bool {
	if pattern == "" {
		return false
	}
	if pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(segmentID) >= len(prefix) && segmentID[:len(prefix)] == prefix
	}
	return pattern == segmentID
}
