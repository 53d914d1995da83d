// Package btree implements C4: an order-slot_length B-tree over a
// pluggable key comparator, with leaf-linked traversal, paging, and a
// value-placement policy that hands values off to C3/C1 when they
// don't fit in the node itself (spec §4.4).
package btree

import (
	"context"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/keyspec"
	"github.com/sopdb/sop/pkg/types"
)

// Tree is one open handle onto a store's B-tree, scoped to a single
// transaction. It is not safe for concurrent use by multiple
// goroutines (spec §5: "a Transaction is not shared across threads").
type Tree struct {
	info   *types.StoreInfo
	cmp    keyspec.Comparator
	nodes  NodeRepository
	values ValueRepository
	state  State
}

// Open builds a Tree handle for an already-created store, rooted at
// info.RootNodeHandle.
func Open(info *types.StoreInfo, nodes NodeRepository, values ValueRepository) (*Tree, error) {
	cmp, err := keyspec.NewComparator(info)
	if err != nil {
		return nil, err
	}
	return &Tree{info: info, cmp: cmp, nodes: nodes, values: values, state: StateOpen}, nil
}

// New creates a brand new, empty store's root leaf and returns a Tree
// handle positioned at it. Per spec §5's bootstrap race note, the
// caller should pre-seed the tree with one item immediately after
// creation rather than leave an empty root for concurrent first-
// writers to race over.
func New(ctx context.Context, info *types.StoreInfo, nodes NodeRepository, values ValueRepository) (*Tree, error) {
	t, err := Open(info, nodes, values)
	if err != nil {
		return nil, err
	}
	root := &types.Node{IsLeaf: true}
	id, err := nodes.New(ctx, root)
	if err != nil {
		return nil, err
	}
	t.info.RootNodeHandle = id
	return t, nil
}

// StoreInfo returns the info this handle is operating against,
// including ItemCount/RootNodeHandle as last published to this
// transaction's view.
func (t *Tree) StoreInfo() *types.StoreInfo { return t.info }

// Count returns the store's published item_count.
func (t *Tree) Count() int64 { return t.info.ItemCount }

func (t *Tree) minSlots() int {
	m := (t.info.SlotLength + 1) / 2
	if m < 1 {
		m = 1
	}
	return m
}

// pathEntry records one step of a root-to-leaf descent: the node
// visited and which child index was followed (-1 for the leaf itself).
type pathEntry struct {
	node        *types.Node
	childIndex int
}

// descend walks from the root to the leaf that owns key, recording the
// path for split/merge propagation. slotIndex is the position within
// the leaf where key is found or where it would be inserted.
func (t *Tree) descend(ctx context.Context, key []byte) (path []pathEntry, leaf *types.Node, slotIndex int, err error) {
	nodeID := t.info.RootNodeHandle
	for {
		node, err := t.nodes.Get(ctx, nodeID)
		if err != nil {
			return nil, nil, 0, err
		}
		idx, found := t.search(node, key)
		if node.IsLeaf {
			return path, node, idx, nil
		}
		childIdx := idx
		if found {
			childIdx = idx + 1
		}
		path = append(path, pathEntry{node: node, childIndex: childIdx})
		nodeID = node.Children[childIdx]
	}
}

// search finds the first slot in node whose key is >= key, comparing
// via the store's comparator. found is true iff an exact match exists
// at the returned index.
func (t *Tree) search(node *types.Node, key []byte) (index int, found bool) {
	lo, hi := 0, len(node.Slots)
	for lo < hi {
		mid := (lo + hi) / 2
		c, _ := t.cmp.Compare(node.Slots[mid].Key, key)
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(node.Slots) {
		if c, _ := t.cmp.Compare(node.Slots[lo].Key, key); c == 0 {
			return lo, true
		}
	}
	return lo, false
}

// Find returns a Cursor positioned at the first slot whose key is >=
// key, and whether that slot is an exact match. When key is past every
// slot in the tree, the cursor is positioned at the last slot instead
// (found is false) so callers can still page backward from it. On an
// empty tree the cursor holds no slot: its Key and Value fail with
// InvalidState.
func (t *Tree) Find(ctx context.Context, key []byte) (cur *Cursor, found bool, err error) {
	if err := t.checkUsable(); err != nil {
		return nil, false, err
	}
	_, leaf, idx, err := t.descend(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if idx >= len(leaf.Slots) && leaf.LeafNext != "" {
		next, err := t.nodes.Get(ctx, leaf.LeafNext)
		if err != nil {
			return nil, false, err
		}
		if len(next.Slots) > 0 {
			leaf, idx = next, 0
		}
	}
	exact := idx < len(leaf.Slots)
	if !exact {
		idx = len(leaf.Slots) - 1
	} else if c, cmpErr := t.cmp.Compare(leaf.Slots[idx].Key, key); cmpErr != nil {
		return nil, false, cmpErr
	} else {
		exact = c == 0
	}
	return &Cursor{tree: t, leafID: leaf.NodeID, index: idx}, exact, nil
}

// FindWithID locates the exact slot matching both key and item_uuid,
// disambiguating duplicate keys in a non-unique store (spec §4.4).
func (t *Tree) FindWithID(ctx context.Context, key []byte, itemUUID string) (*Cursor, error) {
	if err := t.checkUsable(); err != nil {
		return nil, err
	}
	_, leaf, idx, err := t.descend(ctx, key)
	if err != nil {
		return nil, err
	}
	for i := idx; i < len(leaf.Slots); i++ {
		c, _ := t.cmp.Compare(leaf.Slots[i].Key, key)
		if c != 0 {
			break
		}
		if leaf.Slots[i].ItemUUID == itemUUID {
			return &Cursor{tree: t, leafID: leaf.NodeID, index: i}, nil
		}
	}
	return nil, sopErrors.Wrap(sopErrors.ErrNotFound, "btree.FindWithID", sopErrors.WithLogicalIDs(itemUUID))
}

func (t *Tree) Close() error {
	t.state = StateInvalid
	return nil
}
