package txn

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/internal/obslog"
	"github.com/sopdb/sop/pkg/cache"
	"github.com/sopdb/sop/pkg/metrics"
	"github.com/sopdb/sop/pkg/registry"
	"github.com/sopdb/sop/pkg/types"
)

// writtenNode is one blob this transaction persisted during P4, kept
// around so a failed P5 publish can best-effort undo it.
type writtenNode struct {
	segmentID string
}

func (t *Transaction) phase(name string, fn func() error) error {
	timer := metrics.NewTimer()
	err := fn()
	timer.ObserveDurationVec(metrics.TxPhaseDuration, name)
	return err
}

// allLockKeys collects every logical id this transaction's mutations
// touch, plus each touched store's root identity, so P2 can acquire
// them all in one fixed global order (spec §4.6).
func (t *Transaction) allLockKeys() []string {
	var keys []string
	for _, ss := range t.stores {
		keys = append(keys, ss.info.StoreUUID)
		for id := range ss.nodes.pendingNew {
			keys = append(keys, id)
		}
		for id := range ss.nodes.pendingWrite {
			keys = append(keys, id)
		}
		for id := range ss.nodes.pendingDelete {
			keys = append(keys, id)
		}
	}
	return keys
}

// validateReadSet re-reads the registry's current version for every
// logical id this transaction observed and aborts with
// ConflictRetryable if any has moved on (spec §4.6 P3).
func (t *Transaction) validateReadSet(ctx context.Context) error {
	if len(t.core.ReadSet) == 0 {
		return nil
	}
	ids := make([]string, 0, len(t.core.ReadSet))
	want := make(map[string]int64, len(t.core.ReadSet))
	for _, re := range t.core.ReadSet {
		ids = append(ids, re.LogicalID)
		want[re.LogicalID] = re.Version
	}
	entries, err := t.mgr.registry.Lookup(ctx, ids)
	if err != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "txn.Transaction.validateReadSet", sopErrors.WithCause(err), sopErrors.WithTxID(t.core.TxUUID))
	}
	seen := make(map[string]int64, len(entries))
	for _, e := range entries {
		seen[e.LogicalID] = e.Version
	}
	var stale []string
	for id, version := range want {
		if seen[id] != version {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		return sopErrors.Wrap(sopErrors.ErrConflictRetryable, "txn.Transaction.validateReadSet", sopErrors.WithLogicalIDs(stale...), sopErrors.WithTxID(t.core.TxUUID), sopErrors.WithPhase("validate"))
	}
	return nil
}

// writeBlobs persists every staged node (and each touched store's own
// updated metadata) to C1 and returns the CAS requests P5 will publish
// in one multi-entry cas_update (spec §4.6 P4).
func (t *Transaction) writeBlobs(ctx context.Context) ([]writtenNode, []registry.CASRequest, error) {
	var written []writtenNode
	var reqs []registry.CASRequest

	for _, ss := range t.stores {
		for id, node := range ss.nodes.pendingNew {
			segID := ss.nodes.segmentID(id) + "/v1"
			raw, err := encodeNode(node)
			if err != nil {
				return written, nil, sopErrors.Wrap(sopErrors.ErrInternal, "txn.Transaction.writeBlobs", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(id))
			}
			if err := ss.nodes.blobs.Write(ctx, segID, raw); err != nil {
				return written, nil, sopErrors.Wrap(sopErrors.ErrIoError, "txn.Transaction.writeBlobs", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(id))
			}
			metrics.BlobWritesTotal.Inc()
			written = append(written, writtenNode{segmentID: segID})
			reqs = append(reqs, registry.CASRequest{LogicalID: id, ExpectedVersion: 0, NewPhysicalID: segID, NewVersion: node.Version})
		}
		for id, node := range ss.nodes.pendingWrite {
			segID := ss.nodes.segmentID(id) + "/v" + strconv.FormatInt(node.Version, 10)
			raw, err := encodeNode(node)
			if err != nil {
				return written, nil, sopErrors.Wrap(sopErrors.ErrInternal, "txn.Transaction.writeBlobs", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(id))
			}
			if err := ss.nodes.blobs.Write(ctx, segID, raw); err != nil {
				return written, nil, sopErrors.Wrap(sopErrors.ErrIoError, "txn.Transaction.writeBlobs", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(id))
			}
			metrics.BlobWritesTotal.Inc()
			written = append(written, writtenNode{segmentID: segID})
			reqs = append(reqs, registry.CASRequest{LogicalID: id, ExpectedVersion: node.Version - 1, NewPhysicalID: segID, NewVersion: node.Version})
		}

		segID := ss.info.StoreUUID + "/storeinfo/v" + strconv.FormatInt(ss.baseVersion+1, 10)
		raw, err := encodeStoreInfo(ss.info)
		if err != nil {
			return written, nil, sopErrors.Wrap(sopErrors.ErrInternal, "txn.Transaction.writeBlobs", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(ss.info.StoreUUID))
		}
		if err := ss.nodes.blobs.Write(ctx, segID, raw); err != nil {
			return written, nil, sopErrors.Wrap(sopErrors.ErrIoError, "txn.Transaction.writeBlobs", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(ss.info.StoreUUID))
		}
		metrics.BlobWritesTotal.Inc()
		written = append(written, writtenNode{segmentID: segID})
		reqs = append(reqs, registry.CASRequest{
			LogicalID:       ss.info.StoreUUID,
			ExpectedVersion: ss.baseVersion,
			NewPhysicalID:   segID,
			NewVersion:      ss.baseVersion + 1,
		})
	}
	return written, reqs, nil
}

// undoBlobs best-effort deletes blobs written during a P4 that was
// then aborted by a failed P5; anything it misses is reclaimed by the
// blob store's garbage collector.
func (t *Transaction) undoBlobs(ctx context.Context, written []writtenNode) {
	for _, w := range written {
		_ = t.mgr.blobs.Delete(ctx, w.segmentID)
	}
}

// publish applies every CAS request in one call; a registry
// *ConflictError becomes ConflictRetryable (spec §4.6 P5).
func (t *Transaction) publish(ctx context.Context, reqs []registry.CASRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	if err := t.mgr.registry.CASUpdate(ctx, reqs); err != nil {
		var conflict *registry.ConflictError
		if stderrors.As(err, &conflict) {
			return sopErrors.Wrap(sopErrors.ErrConflictRetryable, "txn.Transaction.publish", sopErrors.WithLogicalIDs(conflict.LogicalIDs...), sopErrors.WithTxID(t.core.TxUUID), sopErrors.WithPhase("publish"))
		}
		return sopErrors.Wrap(sopErrors.ErrIoError, "txn.Transaction.publish", sopErrors.WithCause(err), sopErrors.WithTxID(t.core.TxUUID), sopErrors.WithPhase("publish"))
	}
	return nil
}

// invalidateCache drops every overwritten node from C3 so later
// readers miss through to the freshly published version instead of
// observing this transaction's pre-commit snapshot (spec §4.6 P6).
func (t *Transaction) invalidateCache(ctx context.Context) {
	for _, ss := range t.stores {
		for id := range ss.nodes.pendingWrite {
			_ = ss.nodes.cache.Invalidate(ctx, cache.ClassNode, id)
		}
		for id := range ss.nodes.pendingDelete {
			_ = ss.nodes.cache.Invalidate(ctx, cache.ClassNode, id)
		}
	}
}

// untrackStores releases this transaction's hold on every store it
// opened, once, regardless of how the transaction ended.
func (t *Transaction) untrackStores() {
	for _, ss := range t.stores {
		t.mgr.trackClose(ss.info.StoreUUID)
	}
}

// abortInternal marks this transaction unusable; callers must Begin a
// new one to retry.
func (t *Transaction) abortInternal() {
	t.closed = true
	t.untrackStores()
}

// Rollback discards every staged mutation without touching C2/C1; no
// network or disk round-trip is needed since nothing was ever
// published (spec §4.6 "abort").
func (t *Transaction) Rollback(_ context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.untrackStores()
	return nil
}

// Commit runs the full P1-P6 pipeline (spec §4.6): freeze, lock,
// validate (skipped in no_check mode), write, publish, invalidate. A
// read-mode transaction stops after validate without writing anything.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.closed {
		return sopErrors.Wrap(sopErrors.ErrInvalidState, "txn.Transaction.Commit", sopErrors.WithTxID(t.core.TxUUID))
	}
	mode := t.core.Mode
	outcome := "committed"
	timer := metrics.NewTimer()
	log := obslog.WithTxID(t.core.TxUUID)
	defer func() {
		metrics.TxCommitsTotal.WithLabelValues(string(mode), outcome).Inc()
		timer.ObserveDurationVec(metrics.TxCommitDuration, string(mode))
	}()

	if err := t.checkDeadline(); err != nil {
		outcome = "timeout"
		t.abortInternal()
		return err
	}

	if err := t.phase("freeze", func() error { return nil }); err != nil {
		outcome = "io_error"
		t.abortInternal()
		return err
	}

	lockKeys := t.allLockKeys()
	var locks []Lock
	if err := t.phase("lock", func() error {
		var err error
		locks, err = t.mgr.locks.AcquireAll(ctx, lockKeys, t.core.TxUUID)
		return err
	}); err != nil {
		outcome = "lock_timeout"
		t.abortInternal()
		return err
	}
	released := false
	defer func() {
		if !released {
			_ = t.mgr.locks.Release(context.Background(), locks)
		}
	}()

	if mode != types.TxModeNoCheck {
		if err := t.phase("validate", func() error { return t.validateReadSet(ctx) }); err != nil {
			if sopErrors.IsRetryable(err) {
				outcome = "conflict"
				metrics.TxConflictsTotal.Inc()
			} else {
				outcome = "io_error"
			}
			t.abortInternal()
			log.Warn().Err(err).Msg("commit aborted during validate")
			return err
		}
	}

	if mode == types.TxModeRead {
		t.closed = true
		t.untrackStores()
		return nil
	}

	if err := t.checkDeadline(); err != nil {
		outcome = "timeout"
		t.abortInternal()
		return err
	}

	var written []writtenNode
	var reqs []registry.CASRequest
	if err := t.phase("write", func() error {
		var err error
		written, reqs, err = t.writeBlobs(ctx)
		return err
	}); err != nil {
		outcome = "io_error"
		t.abortInternal()
		return err
	}

	if err := t.phase("publish", func() error { return t.publish(ctx, reqs) }); err != nil {
		t.undoBlobs(context.Background(), written)
		if sopErrors.IsRetryable(err) {
			outcome = "conflict"
			metrics.TxConflictsTotal.Inc()
		} else {
			outcome = "io_error"
		}
		t.abortInternal()
		log.Warn().Err(err).Msg("commit aborted during publish")
		return err
	}

	for _, ss := range t.stores {
		ss.info.Version = ss.baseVersion + 1
	}

	_ = t.phase("invalidate", func() error { t.invalidateCache(ctx); return nil })

	_ = t.mgr.locks.Release(ctx, locks)
	released = true
	t.closed = true
	t.untrackStores()
	return nil
}

func encodeStoreInfo(info *types.StoreInfo) ([]byte, error) { return json.Marshal(info) }
