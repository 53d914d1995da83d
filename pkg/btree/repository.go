package btree

import (
	"context"
	"sync"

	"github.com/google/uuid"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/types"
)

// NodeRepository is how a Tree reads and stages node versions. The
// production implementation (pkg/txn) reads through C3's node class and
// stages mutations into the owning Transaction's write-set so nothing
// is visible outside the tree handle until commit publishes it via C2
// (spec §4.4, §4.6). Get must return the version visible to whatever
// snapshot the caller's transaction mode implies.
type NodeRepository interface {
	// Get resolves logicalID to its current node.
	Get(ctx context.Context, logicalID string) (*types.Node, error)

	// New allocates a logical id for a brand new node (a fresh leaf, a
	// node produced by a split, a new root) and stages it at version 1.
	New(ctx context.Context, node *types.Node) (logicalID string, err error)

	// Stage records a new version of an existing node (copy-on-write):
	// node.NodeID must already be set. The repository is responsible
	// for bumping Version and recording the old->new transition in the
	// owning transaction's write-set.
	Stage(ctx context.Context, node *types.Node) error

	// Delete stages the removal of logicalID (a node absorbed by a
	// merge, or the tree's old root after a height decrease).
	Delete(ctx context.Context, logicalID string) error
}

// ValueRepository resolves a store's ValuePlacement policy (spec
// §4.4): in_node values are returned inline for the caller to embed in
// the slot; separate_cached/separate_persisted values are written to
// the blob store (through the cache for the cached variant) and a
// Handle is returned instead.
type ValueRepository interface {
	// Store persists value according to placement. Exactly one of the
	// two return values is non-nil: inline for ValuePlacementInNode,
	// handle otherwise.
	Store(ctx context.Context, placement types.ValuePlacement, itemUUID string, value []byte) (inline []byte, handle *types.Handle, err error)

	// Load retrieves slot's value, following slot.ValueHandle when the
	// store's placement is not in_node.
	Load(ctx context.Context, placement types.ValuePlacement, slot types.Slot) ([]byte, error)

	// Discard releases whatever Store produced for slot (a no-op for
	// in_node, a blob delete otherwise).
	Discard(ctx context.Context, placement types.ValuePlacement, slot types.Slot) error
}

// MemNodeRepository is a plain in-memory NodeRepository with no
// versioning or transaction semantics beyond a monotonically
// increasing Version counter per logical id. It is the repository used
// by the package's own tests; the production repository that threads
// nodes through C2/C3/C1 lives in pkg/txn.
type MemNodeRepository struct {
	mu    sync.Mutex
	nodes map[string]*types.Node
}

func NewMemNodeRepository() *MemNodeRepository {
	return &MemNodeRepository{nodes: make(map[string]*types.Node)}
}

func (r *MemNodeRepository) Get(_ context.Context, logicalID string) (*types.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[logicalID]
	if !ok {
		return nil, sopErrors.Wrap(sopErrors.ErrNotFound, "btree.MemNodeRepository.Get", sopErrors.WithLogicalIDs(logicalID))
	}
	return cloneNode(n), nil
}

func (r *MemNodeRepository) New(_ context.Context, node *types.Node) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	node.NodeID = id
	node.Version = 1
	r.nodes[id] = cloneNode(node)
	return id, nil
}

func (r *MemNodeRepository) Stage(_ context.Context, node *types.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.nodes[node.NodeID]
	if !ok {
		return sopErrors.Wrap(sopErrors.ErrNotFound, "btree.MemNodeRepository.Stage", sopErrors.WithLogicalIDs(node.NodeID))
	}
	node.Version = existing.Version + 1
	r.nodes[node.NodeID] = cloneNode(node)
	return nil
}

func (r *MemNodeRepository) Delete(_ context.Context, logicalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, logicalID)
	return nil
}

func cloneNode(n *types.Node) *types.Node {
	cp := *n
	cp.Slots = append([]types.Slot(nil), n.Slots...)
	cp.Children = append([]string(nil), n.Children...)
	return &cp
}

// MemValueRepository stores separate-placement values in an in-memory
// map keyed by item uuid, used the same way MemNodeRepository is: as
// the package's own test double.
type MemValueRepository struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemValueRepository() *MemValueRepository {
	return &MemValueRepository{values: make(map[string][]byte)}
}

func (r *MemValueRepository) Store(_ context.Context, placement types.ValuePlacement, itemUUID string, value []byte) ([]byte, *types.Handle, error) {
	if placement == types.ValuePlacementInNode {
		return value, nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[itemUUID] = append([]byte(nil), value...)
	return nil, &types.Handle{LogicalID: itemUUID, PhysicalSegmentID: itemUUID, Version: 1}, nil
}

func (r *MemValueRepository) Load(_ context.Context, placement types.ValuePlacement, slot types.Slot) ([]byte, error) {
	if placement == types.ValuePlacementInNode {
		return slot.ValueInline, nil
	}
	if slot.ValueHandle == nil {
		return nil, sopErrors.Wrap(sopErrors.ErrInvalidState, "btree.MemValueRepository.Load", sopErrors.WithLogicalIDs(slot.ItemUUID))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[slot.ValueHandle.LogicalID]
	if !ok {
		return nil, sopErrors.Wrap(sopErrors.ErrNotFound, "btree.MemValueRepository.Load", sopErrors.WithLogicalIDs(slot.ItemUUID))
	}
	return v, nil
}

func (r *MemValueRepository) Discard(_ context.Context, placement types.ValuePlacement, slot types.Slot) error {
	if placement == types.ValuePlacementInNode || slot.ValueHandle == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.values, slot.ValueHandle.LogicalID)
	return nil
}
