package txn

import (
	"context"
	"time"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/btree"
	"github.com/sopdb/sop/pkg/types"
)

// storeState is the per-store bookkeeping a Transaction accumulates as
// a caller opens or creates stores against it: the StoreInfo as
// observed at open time, the staging NodeRepository that records every
// mutation, and the Tree handle the caller actually operates on.
type storeState struct {
	tx          *Transaction
	info        *types.StoreInfo
	baseVersion int64
	nodes       *nodeRepo
	values      btree.ValueRepository
	tree        *btree.Tree
}

// Transaction is one unit of work spanning any number of stores; all
// of them commit or abort together (spec §4.6 cross-store atomicity).
type Transaction struct {
	mgr    *Manager
	core   types.Transaction
	stores map[string]*storeState
	closed bool
}

// Mode returns the transaction's validation mode.
func (t *Transaction) Mode() types.TxMode { return t.core.Mode }

// TxUUID returns the transaction's identity, used to tag acquired
// locks and log lines.
func (t *Transaction) TxUUID() string { return t.core.TxUUID }

// StoreInfo returns storeName's StoreInfo as this transaction has
// mutated it so far (RootNodeHandle/ItemCount reflect every operation
// run against its Tree handle). Once Commit succeeds this is the
// published state a caller (the catalog) should hand to the next
// transaction that opens the store.
func (t *Transaction) StoreInfo(storeName string) *types.StoreInfo {
	ss, ok := t.stores[storeName]
	if !ok {
		return nil
	}
	return ss.info
}

func (t *Transaction) checkDeadline() error {
	if time.Now().After(t.core.Deadline) {
		return sopErrors.Wrap(sopErrors.ErrTimeout, "txn.Transaction", sopErrors.WithTxID(t.core.TxUUID))
	}
	return nil
}

// newValueRepository builds the ValueRepository the store's
// ValuePlacement policy requires, wired to this Manager's C3/C1.
func (m *Manager) newValueRepository(storeName string, cacheTTL time.Duration) btree.ValueRepository {
	return btree.NewBlobValueRepository(m.blobs, m.cache, storeName, cacheTTL)
}

// openStoreState takes its own copy of info: two transactions opening
// the same store must never share one mutable StoreInfo, or one's
// in-flight RootNodeHandle/ItemCount edits would leak into the other's
// view before either commits.
func (t *Transaction) openStoreState(info *types.StoreInfo) *storeState {
	owned := *info
	ss := &storeState{tx: t, info: &owned, baseVersion: info.Version}
	ss.nodes = newNodeRepo(ss, t.mgr.registry, t.mgr.cache, t.mgr.blobs, info.Cache.Node.Duration)
	ss.values = t.mgr.newValueRepository(info.StoreName, info.Cache.ValueData.Duration)
	t.stores[info.StoreName] = ss
	t.mgr.trackOpen(owned.StoreUUID)
	return ss
}

// OpenStore attaches an already-created store (its StoreInfo as last
// published) to this transaction and returns a Tree handle to operate
// on it.
func (t *Transaction) OpenStore(ctx context.Context, info *types.StoreInfo) (*btree.Tree, error) {
	if err := t.checkDeadline(); err != nil {
		return nil, err
	}
	if existing, ok := t.stores[info.StoreName]; ok {
		return existing.tree, nil
	}
	ss := t.openStoreState(info)
	tree, err := btree.Open(ss.info, ss.nodes, ss.values)
	if err != nil {
		delete(t.stores, info.StoreName)
		return nil, err
	}
	ss.tree = tree
	return tree, nil
}

// CreateStore bootstraps a brand new store's root leaf within this
// transaction and returns a Tree handle to it; the store only becomes
// durable once this transaction commits.
func (t *Transaction) CreateStore(ctx context.Context, info *types.StoreInfo) (*btree.Tree, error) {
	if err := t.checkDeadline(); err != nil {
		return nil, err
	}
	ss := t.openStoreState(info)
	tree, err := btree.New(ctx, ss.info, ss.nodes, ss.values)
	if err != nil {
		delete(t.stores, info.StoreName)
		return nil, err
	}
	ss.tree = tree
	return tree, nil
}
