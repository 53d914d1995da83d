package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/internal/obslog"
	"github.com/sopdb/sop/pkg/metrics"
	"github.com/sopdb/sop/pkg/types"
)

// shardHeaderSize is the length-prefix + checksum each shard file
// carries ahead of its payload, so a short write or bit-rot is
// detectable independently per shard.
const shardHeaderSize = 4 + 8 + 32 // original length, payload length, sha256

// ErasureStore splits a payload into DataShards data shards and
// ParityShards parity shards via Reed-Solomon and writes one shard per
// drive path. A read reconstructs from any k of the k+m shards; fewer
// than k survivors is a DataLoss (spec §4.1).
type ErasureStore struct {
	group  types.ErasureGroup
	enc    reedsolomon.Encoder
	repair repairScheduler
}

// repairScheduler lets a successful reconstruction hand off a rewrite
// of the missing shard to the background repair loop instead of
// blocking the read (spec §4.1 auto_repair).
type repairScheduler interface {
	ScheduleRepair(segmentID string, shardIndex int, data []byte)
}

type noopScheduler struct{}

func (noopScheduler) ScheduleRepair(string, int, []byte) {}

// NewErasureStore builds an erasure-coded backend for the given group.
// Drive paths are created if missing.
func NewErasureStore(group types.ErasureGroup) (*ErasureStore, error) {
	enc, err := reedsolomon.New(group.DataShards, group.ParityShards)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrInvalidConfig, "blobstore.NewErasureStore", sopErrors.WithCause(err))
	}
	for _, path := range group.DrivePaths {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, sopErrors.Wrap(sopErrors.ErrIoError, "blobstore.NewErasureStore", sopErrors.WithCause(err))
		}
	}
	return &ErasureStore{group: group, enc: enc, repair: noopScheduler{}}, nil
}

// SetRepairScheduler wires a background scheduler that performs
// auto_repair rewrites; the catalog/blobstore wiring calls this once
// at startup with the repair loop's Scheduler.
func (s *ErasureStore) SetRepairScheduler(sched repairScheduler) { s.repair = sched }

func (s *ErasureStore) shardPath(drivePath, segmentID string, idx int) string {
	return filepath.Join(drivePath, segmentID+".shard")
}

// Write splits payload into k data + m parity shards and writes one
// shard per configured drive path. A write is committed only once all
// shards are durable; partial failures surface as retryable IoError.
func (s *ErasureStore) Write(ctx context.Context, segmentID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return sopErrors.Wrap(sopErrors.ErrCanceled, "blobstore.Write", sopErrors.WithCause(err))
	}
	shards, err := s.enc.Split(payload)
	if err != nil {
		return sopErrors.Wrap(sopErrors.ErrInternal, "blobstore.Write", sopErrors.WithCause(err))
	}
	if err := s.enc.Encode(shards); err != nil {
		return sopErrors.Wrap(sopErrors.ErrInternal, "blobstore.Write", sopErrors.WithCause(err))
	}
	total := s.group.DataShards + s.group.ParityShards
	if len(s.group.DrivePaths) < total {
		return sopErrors.Wrap(sopErrors.ErrInvalidConfig, "blobstore.Write")
	}
	for i := 0; i < total; i++ {
		framed := frameShard(len(payload), shards[i])
		if err := writeAtomic(s.shardPath(s.group.DrivePaths[i], segmentID, i), framed); err != nil {
			return sopErrors.Wrap(sopErrors.ErrIoError, "blobstore.Write", sopErrors.WithCause(err))
		}
	}
	metrics.BlobWritesTotal.Inc()
	return nil
}

// Read gathers all available shards, verifies each one's checksum,
// reconstructs via Reed-Solomon, and trims to the original length. If
// fewer than DataShards shards survive, Read fails as DataLoss.
func (s *ErasureStore) Read(ctx context.Context, segmentID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrCanceled, "blobstore.Read", sopErrors.WithCause(err))
	}
	total := s.group.DataShards + s.group.ParityShards
	shards := make([][]byte, total)
	originalLen := -1
	surviving := 0
	missing := -1
	for i := 0; i < total; i++ {
		raw, err := os.ReadFile(s.shardPath(s.group.DrivePaths[i], segmentID, i))
		if err != nil {
			missing = i
			continue
		}
		origLen, payload, ok := unframeShard(raw)
		if !ok {
			obslog.WithComponent("blobstore").Warn().
				Str("segment_id", segmentID).Int("shard", i).
				Msg("shard checksum mismatch, treating as missing")
			missing = i
			continue
		}
		originalLen = origLen
		shards[i] = payload
		surviving++
	}
	if surviving < s.group.DataShards {
		metrics.ErasureDataLossTotal.Inc()
		return nil, sopErrors.Wrap(sopErrors.ErrDataLoss, "blobstore.Read",
			sopErrors.WithLogicalIDs(segmentID))
	}
	reconstructed := surviving < total
	if reconstructed {
		if err := s.enc.Reconstruct(shards); err != nil {
			metrics.ErasureDataLossTotal.Inc()
			return nil, sopErrors.Wrap(sopErrors.ErrDataLoss, "blobstore.Read", sopErrors.WithCause(err))
		}
	}
	out := make([]byte, 0, originalLen)
	for _, sh := range shards {
		out = append(out, sh...)
	}
	if len(out) > originalLen {
		out = out[:originalLen]
	}
	metrics.BlobReadsTotal.Inc()
	if reconstructed && s.group.AutoRepair && missing >= 0 {
		metrics.ErasureRepairsTotal.Inc()
		s.repair.ScheduleRepair(segmentID, missing, shards[missing])
	}
	return out, nil
}

// Delete removes every shard for segmentID across all drive paths.
func (s *ErasureStore) Delete(ctx context.Context, segmentID string) error {
	total := s.group.DataShards + s.group.ParityShards
	var firstErr error
	for i := 0; i < total; i++ {
		err := os.Remove(s.shardPath(s.group.DrivePaths[i], segmentID, i))
		if err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "blobstore.Delete", sopErrors.WithCause(firstErr))
	}
	return nil
}

func (s *ErasureStore) Close() error { return nil }

// frameShard prefixes a shard with the original payload length (so the
// reconstruction step knows where to trim), the shard's own length,
// and a sha256 checksum of the shard bytes.
func frameShard(originalLen int, shard []byte) []byte {
	sum := sha256.Sum256(shard)
	buf := make([]byte, 0, shardHeaderSize+len(shard))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(originalLen))
	buf = append(buf, lenBuf[:]...)
	var shardLenBuf [8]byte
	binary.BigEndian.PutUint64(shardLenBuf[:], uint64(len(shard)))
	buf = append(buf, shardLenBuf[:]...)
	buf = append(buf, sum[:]...)
	buf = append(buf, shard...)
	return buf
}

func unframeShard(raw []byte) (originalLen int, payload []byte, ok bool) {
	if len(raw) < shardHeaderSize {
		return 0, nil, false
	}
	originalLen = int(binary.BigEndian.Uint32(raw[0:4]))
	shardLen := int(binary.BigEndian.Uint64(raw[4:12]))
	checksum := raw[12:shardHeaderSize]
	payload = raw[shardHeaderSize:]
	if len(payload) != shardLen {
		return 0, nil, false
	}
	sum := sha256.Sum256(payload)
	if string(sum[:]) != string(checksum) {
		return 0, nil, false
	}
	return originalLen, payload, true
}
