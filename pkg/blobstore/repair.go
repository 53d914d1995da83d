package blobstore

import (
	"os"
	"sync"
	"time"

	"github.com/sopdb/sop/internal/obslog"
)

// repairJob is a pending rewrite of one reconstructed shard.
type repairJob struct {
	store      *ErasureStore
	segmentID  string
	shardIndex int
	data       []byte
}

// RepairScheduler batches shard-rewrite jobs scheduled by ErasureStore
// reads and drains them on an interval, the same ticker-driven
// background-loop shape used for periodic maintenance elsewhere in
// this codebase.
type RepairScheduler struct {
	mu     sync.Mutex
	queue  []repairJob
	stopCh chan struct{}
}

// NewRepairScheduler creates a scheduler; call Start to begin draining
// the queue, and ForStore to get the per-store handle to wire into
// ErasureStore.SetRepairScheduler.
func NewRepairScheduler() *RepairScheduler {
	return &RepairScheduler{stopCh: make(chan struct{})}
}

// ForStore returns a repairScheduler bound to store, so jobs queued
// through it carry enough context for drain() to rewrite the right
// shard file.
func (r *RepairScheduler) ForStore(store *ErasureStore) repairScheduler {
	return &storeScheduler{parent: r, store: store}
}

type storeScheduler struct {
	parent *RepairScheduler
	store  *ErasureStore
}

func (s *storeScheduler) ScheduleRepair(segmentID string, shardIndex int, data []byte) {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.queue = append(s.parent.queue, repairJob{
		store: s.store, segmentID: segmentID, shardIndex: shardIndex, data: data,
	})
}

// Start begins the drain loop on a 10-second interval.
func (r *RepairScheduler) Start() {
	go r.run()
}

// Stop halts the drain loop.
func (r *RepairScheduler) Stop() {
	close(r.stopCh)
}

func (r *RepairScheduler) run() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	logger := obslog.WithComponent("blobstore.repair")
	logger.Info().Msg("repair scheduler started")

	for {
		select {
		case <-ticker.C:
			r.drain()
		case <-r.stopCh:
			logger.Info().Msg("repair scheduler stopped")
			return
		}
	}
}

func (r *RepairScheduler) drain() {
	r.mu.Lock()
	jobs := r.queue
	r.queue = nil
	r.mu.Unlock()

	logger := obslog.WithComponent("blobstore.repair")
	for _, job := range jobs {
		if job.store == nil {
			continue
		}
		path := job.store.shardPath(job.store.group.DrivePaths[job.shardIndex], job.segmentID, job.shardIndex)
		origLen := -1
		for i, drive := range job.store.group.DrivePaths {
			if raw, err := os.ReadFile(job.store.shardPath(drive, job.segmentID, i)); err == nil && i != job.shardIndex {
				if n, _, ok := unframeShard(raw); ok {
					origLen = n
					break
				}
			}
		}
		if origLen < 0 {
			logger.Warn().Str("segment_id", job.segmentID).Int("shard", job.shardIndex).
				Msg("no surviving shard to read the original length from, skipping rewrite")
			continue
		}
		framed := frameShard(origLen, job.data)
		if err := writeAtomic(path, framed); err != nil {
			logger.Error().Err(err).
				Str("segment_id", job.segmentID).
				Int("shard", job.shardIndex).
				Msg("failed to rewrite reconstructed shard")
			continue
		}
		logger.Debug().
			Str("segment_id", job.segmentID).
			Int("shard", job.shardIndex).
			Msg("reconstructed shard rewritten")
	}
}
