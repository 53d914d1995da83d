package registry

import (
	"context"
	"encoding/json"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/metrics"
)

var bucketEntries = []byte("registry_entries")

// record is the bbolt-encoded form of an Entry.
type record struct {
	PhysicalSegmentID string `json:"physical_segment_id"`
	Version           int64  `json:"version"`
}

// BoltRegistry is the standalone backend: a single authoritative file
// per store-folder, CAS'd under bbolt's single-writer transaction
// instead of a bespoke hash-mod-bucketed file layout (documented
// deviation: spec §6 allows opaque re-encoding when not coexisting
// with legacy data).
type BoltRegistry struct {
	db *bolt.DB
}

// NewBoltRegistry opens (creating if absent) the registry file at
// <folder>/registry.db.
func NewBoltRegistry(folder string) (*BoltRegistry, error) {
	path := filepath.Join(folder, "registry.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.NewBoltRegistry", sopErrors.WithCause(err))
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.NewBoltRegistry", sopErrors.WithCause(err))
	}
	return &BoltRegistry{db: db}, nil
}

func (r *BoltRegistry) Lookup(ctx context.Context, logicalIDs []string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrCanceled, "registry.Lookup", sopErrors.WithCause(err))
	}
	var out []Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, id := range logicalIDs {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			out = append(out, Entry{LogicalID: id, PhysicalSegmentID: rec.PhysicalSegmentID, Version: rec.Version})
		}
		return nil
	})
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.Lookup", sopErrors.WithCause(err))
	}
	return out, nil
}

// CASUpdate validates every request's expected version inside a single
// bbolt read-write transaction, aborting the whole transaction (and
// hence applying nothing) if any entry's current version disagrees.
// bbolt's single-writer model gives this the total ordering spec §4.2
// requires without an explicit file-range lock.
func (r *BoltRegistry) CASUpdate(ctx context.Context, reqs []CASRequest) error {
	if err := ctx.Err(); err != nil {
		return sopErrors.Wrap(sopErrors.ErrCanceled, "registry.CASUpdate", sopErrors.WithCause(err))
	}
	var conflicted []string
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, req := range reqs {
			data := b.Get([]byte(req.LogicalID))
			var current int64
			if data != nil {
				var rec record
				if err := json.Unmarshal(data, &rec); err != nil {
					return err
				}
				current = rec.Version
			}
			if current != req.ExpectedVersion {
				conflicted = append(conflicted, req.LogicalID)
			}
		}
		if len(conflicted) > 0 {
			return nil // leave the transaction a no-op; we report the conflict below
		}
		for _, req := range reqs {
			rec := record{PhysicalSegmentID: req.NewPhysicalID, Version: req.NewVersion}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(req.LogicalID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.RegistryCASTotal.WithLabelValues("error").Inc()
		return sopErrors.Wrap(sopErrors.ErrIoError, "registry.CASUpdate", sopErrors.WithCause(err))
	}
	if len(conflicted) > 0 {
		metrics.RegistryCASTotal.WithLabelValues("conflict").Inc()
		return &ConflictError{LogicalIDs: conflicted}
	}
	metrics.RegistryCASTotal.WithLabelValues("ok").Inc()
	return nil
}

func (r *BoltRegistry) Close() error {
	return r.db.Close()
}
