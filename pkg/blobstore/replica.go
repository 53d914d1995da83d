package blobstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/internal/obslog"
	"github.com/sopdb/sop/pkg/metrics"
)

// ReplicaStore is the standalone blob-store backend: segments live
// under a stores_folders[active] directory, hashed into subdirectories
// to keep any one directory from growing unbounded. When a second
// folder is supplied it is a passive replica: writes go to both, reads
// prefer active and fall back to passive when the active copy is
// missing or unreadable. The two copies' contents are not compared.
type ReplicaStore struct {
	active  string
	passive string // "" if no passive replica configured
}

// NewReplicaStore opens a standalone blob store rooted at folders[0]
// (active) and, if present, folders[1] (passive replica).
func NewReplicaStore(folders []string) (*ReplicaStore, error) {
	if len(folders) == 0 {
		return nil, sopErrors.Wrap(sopErrors.ErrInvalidConfig, "blobstore.NewReplicaStore")
	}
	for _, f := range folders {
		if err := os.MkdirAll(f, 0o755); err != nil {
			return nil, sopErrors.Wrap(sopErrors.ErrIoError, "blobstore.NewReplicaStore", sopErrors.WithCause(err))
		}
	}
	rs := &ReplicaStore{active: folders[0]}
	if len(folders) > 1 {
		rs.passive = folders[1]
	}
	return rs, nil
}

// segmentPath hashes segmentID into a two-level subdirectory so a
// single folder never holds more than a few thousand files directly.
func segmentPath(root, segmentID string) string {
	sum := sha1.Sum([]byte(segmentID))
	hash := hex.EncodeToString(sum[:])
	return filepath.Join(root, hash[:2], hash[2:4], hash)
}

// Write persists payload under segmentID into the active folder and,
// if configured, the passive replica. Writes are atomic-by-rename so a
// reader never observes a partial segment, and idempotent per segment
// id: re-writing the same id simply replaces the file.
func (s *ReplicaStore) Write(ctx context.Context, segmentID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return sopErrors.Wrap(sopErrors.ErrCanceled, "blobstore.Write", sopErrors.WithCause(err))
	}
	if err := writeAtomic(segmentPath(s.active, segmentID), payload); err != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "blobstore.Write", sopErrors.WithCause(err))
	}
	if s.passive != "" {
		if err := writeAtomic(segmentPath(s.passive, segmentID), payload); err != nil {
			return sopErrors.Wrap(sopErrors.ErrIoError, "blobstore.Write",
				sopErrors.WithCause(err))
		}
	}
	metrics.BlobWritesTotal.Inc()
	return nil
}

func writeAtomic(path string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Read returns the bytes written under segmentID. Prefers the active
// replica; if it is missing or unreadable, falls back to passive.
func (s *ReplicaStore) Read(ctx context.Context, segmentID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrCanceled, "blobstore.Read", sopErrors.WithCause(err))
	}
	data, err := os.ReadFile(segmentPath(s.active, segmentID))
	if err == nil {
		metrics.BlobReadsTotal.Inc()
		return data, nil
	}
	if s.passive == "" {
		return nil, sopErrors.Wrap(sopErrors.ErrNotFound, "blobstore.Read", sopErrors.WithCause(err))
	}
	obslog.WithComponent("blobstore").Warn().
		Str("segment_id", segmentID).
		Msg("active replica read failed, falling back to passive")
	data, err = os.ReadFile(segmentPath(s.passive, segmentID))
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrNotFound, "blobstore.Read", sopErrors.WithCause(err))
	}
	metrics.BlobReadsTotal.Inc()
	return data, nil
}

// Delete removes segmentID from both replicas. Idempotent: a missing
// file is not an error.
func (s *ReplicaStore) Delete(ctx context.Context, segmentID string) error {
	if err := os.Remove(segmentPath(s.active, segmentID)); err != nil && !os.IsNotExist(err) {
		return sopErrors.Wrap(sopErrors.ErrIoError, "blobstore.Delete", sopErrors.WithCause(err))
	}
	if s.passive != "" {
		if err := os.Remove(segmentPath(s.passive, segmentID)); err != nil && !os.IsNotExist(err) {
			return sopErrors.Wrap(sopErrors.ErrIoError, "blobstore.Delete", sopErrors.WithCause(err))
		}
	}
	return nil
}

func (s *ReplicaStore) Close() error { return nil }
