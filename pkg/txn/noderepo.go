package txn

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/blobstore"
	"github.com/sopdb/sop/pkg/cache"
	"github.com/sopdb/sop/pkg/registry"
	"github.com/sopdb/sop/pkg/types"
)

// nodeRepo is the production btree.NodeRepository: it looks up each
// node's current version in C2, serves the node from C3's node class
// when the cached version matches and from C1 otherwise, and stages
// every mutation into the owning
// Transaction's new/write/delete sets instead of touching C2 directly,
// so nothing becomes visible outside this handle until commit
// publishes it (spec §4.4, §4.6).
type nodeRepo struct {
	store    *storeState
	registry registry.Registry
	cache    cache.Cache
	blobs    blobstore.Store
	cacheTTL time.Duration

	pendingNew    map[string]*types.Node
	pendingWrite  map[string]*types.Node
	pendingDelete map[string]bool
	baseVersions  map[string]int64
}

func newNodeRepo(store *storeState, reg registry.Registry, c cache.Cache, blobs blobstore.Store, cacheTTL time.Duration) *nodeRepo {
	return &nodeRepo{
		store:         store,
		registry:      reg,
		cache:         c,
		blobs:         blobs,
		cacheTTL:      cacheTTL,
		pendingNew:    make(map[string]*types.Node),
		pendingWrite:  make(map[string]*types.Node),
		pendingDelete: make(map[string]bool),
		baseVersions:  make(map[string]int64),
	}
}

func (r *nodeRepo) segmentID(logicalID string) string {
	return r.store.info.StoreName + "/nodes/" + logicalID
}

func (r *nodeRepo) Get(ctx context.Context, logicalID string) (*types.Node, error) {
	if n, ok := r.pendingWrite[logicalID]; ok {
		return cloneNode(n), nil
	}
	if n, ok := r.pendingNew[logicalID]; ok {
		return cloneNode(n), nil
	}

	entries, err := r.registry.Lookup(ctx, []string{logicalID})
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "txn.nodeRepo.Get", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(logicalID))
	}
	if len(entries) == 0 {
		return nil, sopErrors.Wrap(sopErrors.ErrNotFound, "txn.nodeRepo.Get", sopErrors.WithLogicalIDs(logicalID))
	}
	entry := entries[0]

	r.baseVersions[logicalID] = entry.Version
	r.store.tx.core.ReadSet = append(r.store.tx.core.ReadSet, types.ReadEntry{LogicalID: logicalID, Version: entry.Version})

	if cached, ok := r.cache.Get(ctx, cache.ClassNode, logicalID); ok && cached.Version == entry.Version {
		node, err := decodeNode(cached.Value)
		if err == nil {
			return node, nil
		}
	}

	raw, err := r.blobs.Read(ctx, entry.PhysicalSegmentID)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "txn.nodeRepo.Get", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(logicalID))
	}
	node, err := decodeNode(raw)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrDataLoss, "txn.nodeRepo.Get", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(logicalID))
	}
	_ = r.cache.Put(ctx, cache.ClassNode, logicalID, cache.Entry{Value: raw, Version: entry.Version}, r.cacheTTL)
	return node, nil
}

func (r *nodeRepo) New(_ context.Context, node *types.Node) (string, error) {
	id := uuid.NewString()
	node.NodeID = id
	node.Version = 1
	r.pendingNew[id] = cloneNode(node)
	return id, nil
}

func (r *nodeRepo) Stage(_ context.Context, node *types.Node) error {
	logicalID := node.NodeID
	if _, ok := r.pendingNew[logicalID]; ok {
		r.pendingNew[logicalID] = cloneNode(node)
		return nil
	}
	base, ok := r.baseVersions[logicalID]
	if !ok {
		base = node.Version
	}
	node.Version = base + 1
	r.pendingWrite[logicalID] = cloneNode(node)
	delete(r.pendingDelete, logicalID)
	return nil
}

func (r *nodeRepo) Delete(_ context.Context, logicalID string) error {
	r.pendingDelete[logicalID] = true
	delete(r.pendingWrite, logicalID)
	delete(r.pendingNew, logicalID)
	return nil
}

func cloneNode(n *types.Node) *types.Node {
	cp := *n
	cp.Slots = append([]types.Slot(nil), n.Slots...)
	cp.Children = append([]string(nil), n.Children...)
	return &cp
}

func encodeNode(n *types.Node) ([]byte, error) { return json.Marshal(n) }

func decodeNode(raw []byte) (*types.Node, error) {
	var n types.Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
