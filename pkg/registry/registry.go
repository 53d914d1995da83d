// Package registry implements C2: the authoritative mapping from
// logical node handle to physical segment location and version. It
// provides the linearization point of a commit via cas_update (spec
// §4.2).
package registry

import (
	"context"
)

// Entry is one (logical_id -> physical_id, version) mapping.
type Entry struct {
	LogicalID         string
	PhysicalSegmentID string
	Version           int64
}

// CASRequest is one entry of a cas_update call: update logical_id's
// mapping to new_physical_id/new_version iff its current version
// equals expected_version.
type CASRequest struct {
	LogicalID         string
	ExpectedVersion   int64
	NewPhysicalID     string
	NewVersion        int64
}

// ConflictError reports which logical ids failed their version check
// during a cas_update, so the transaction manager can report exactly
// which reads were stale.
type ConflictError struct {
	LogicalIDs []string
}

func (e *ConflictError) Error() string {
	return "registry: cas_update conflict"
}

// Registry is the contract every backend (standalone bbolt, raft-
// embedded, Cassandra) satisfies.
type Registry interface {
	// Lookup resolves each logical id to its current (physical_id,
	// version). A logical id with no entry is omitted from the result.
	Lookup(ctx context.Context, logicalIDs []string) ([]Entry, error)

	// CASUpdate applies every request atomically: either all entries
	// whose ExpectedVersion matches are applied and it returns nil, or
	// none are applied and it returns a *ConflictError naming the
	// logical ids whose version didn't match.
	CASUpdate(ctx context.Context, reqs []CASRequest) error

	// Close releases the backend's resources.
	Close() error
}

// ConfigureHashMod clamps a DatabaseOptions.RegistryHashMod value to
// the spec's [250, 750000] bound, inventing the default when zero
// (spec §6).
func ConfigureHashMod(requested int) int {
	const (
		min = 250
		max = 750000
	)
	switch {
	case requested <= 0:
		return min
	case requested < min:
		return min
	case requested > max:
		return max
	default:
		return requested
	}
}
