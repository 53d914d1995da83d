package btree

import (
	"context"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/types"
)

type insertMode int

const (
	modeStrict insertMode = iota // Add: reject a duplicate key when is_unique
	modeIfNotExists
	modeUpsert
)

// Add inserts items in order. If the store is_unique and a key already
// exists, it stops there with Duplicate; the items before it in the
// batch stay inserted (spec §4.4).
func (t *Tree) Add(ctx context.Context, items []types.Item) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	for _, it := range items {
		if _, err := t.insertOne(ctx, it, modeStrict); err != nil {
			return err
		}
	}
	return nil
}

// AddIfNotExists inserts items whose key is absent and reports true
// only if every item in the batch was inserted.
func (t *Tree) AddIfNotExists(ctx context.Context, items []types.Item) (bool, error) {
	if err := t.checkUsable(); err != nil {
		return false, err
	}
	all := true
	for _, it := range items {
		ok, err := t.insertOne(ctx, it, modeIfNotExists)
		if err != nil {
			return false, err
		}
		if !ok {
			all = false
		}
	}
	return all, nil
}

// Upsert inserts a key that doesn't exist yet or replaces the value of
// one that does.
func (t *Tree) Upsert(ctx context.Context, items []types.Item) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	for _, it := range items {
		if _, err := t.insertOne(ctx, it, modeUpsert); err != nil {
			return err
		}
	}
	return nil
}

// Update replaces the value of items that must already exist,
// disambiguated by ItemUUID when the store allows duplicate keys.
func (t *Tree) Update(ctx context.Context, items []types.Item) error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	for _, it := range items {
		path, leaf, idx, err := t.descend(ctx, it.Key)
		if err != nil {
			return err
		}
		target := -1
		for i := idx; i < len(leaf.Slots); i++ {
			c, _ := t.cmp.Compare(leaf.Slots[i].Key, it.Key)
			if c != 0 {
				break
			}
			if it.ItemUUID == "" || leaf.Slots[i].ItemUUID == it.ItemUUID {
				target = i
				break
			}
		}
		if target < 0 {
			return sopErrors.Wrap(sopErrors.ErrNotFound, "btree.Update", sopErrors.WithLogicalIDs(it.ItemUUID))
		}
		if err := t.replaceSlotValue(ctx, leaf, target, it); err != nil {
			return err
		}
		_ = path
	}
	return nil
}

// Remove deletes keys, returning true only if every key was found and
// removed.
func (t *Tree) Remove(ctx context.Context, keys [][]byte) (bool, error) {
	if err := t.checkUsable(); err != nil {
		return false, err
	}
	all := true
	for _, key := range keys {
		ok, err := t.removeOne(ctx, key)
		if err != nil {
			return false, err
		}
		if !ok {
			all = false
		}
	}
	return all, nil
}

func (t *Tree) insertOne(ctx context.Context, item types.Item, mode insertMode) (bool, error) {
	path, leaf, idx, err := t.descend(ctx, item.Key)
	if err != nil {
		return false, err
	}
	exact := idx < len(leaf.Slots)
	if exact {
		if c, _ := t.cmp.Compare(leaf.Slots[idx].Key, item.Key); c != 0 {
			exact = false
		}
	}
	if exact && t.info.IsUnique {
		switch mode {
		case modeStrict:
			return false, sopErrors.Wrap(sopErrors.ErrDuplicate, "btree.Add", sopErrors.WithLogicalIDs(leaf.Slots[idx].ItemUUID))
		case modeIfNotExists:
			return false, nil
		case modeUpsert:
			return true, t.replaceSlotValue(ctx, leaf, idx, item)
		}
	}

	itemUUID := item.ItemUUID
	if itemUUID == "" {
		itemUUID = newItemUUID()
	}
	inline, handle, err := t.values.Store(ctx, t.info.ValuePlacement, itemUUID, item.Value)
	if err != nil {
		return false, err
	}
	newSlot := types.Slot{Key: item.Key, ValueInline: inline, ValueHandle: handle, ItemUUID: itemUUID, Version: 1}

	insertAt := idx
	for insertAt < len(leaf.Slots) {
		c, _ := t.cmp.Compare(leaf.Slots[insertAt].Key, item.Key)
		if c != 0 {
			break
		}
		if leaf.Slots[insertAt].ItemUUID > itemUUID {
			break
		}
		insertAt++
	}
	leaf.Slots = insertSlotAt(leaf.Slots, insertAt, newSlot)
	t.markDirty()
	t.info.ItemCount++
	if err := t.stageOrSplit(ctx, path, leaf); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tree) replaceSlotValue(ctx context.Context, leaf *types.Node, idx int, item types.Item) error {
	old := leaf.Slots[idx]
	if err := t.values.Discard(ctx, t.info.ValuePlacement, old); err != nil {
		return err
	}
	inline, handle, err := t.values.Store(ctx, t.info.ValuePlacement, old.ItemUUID, item.Value)
	if err != nil {
		return err
	}
	leaf.Slots[idx].ValueInline = inline
	leaf.Slots[idx].ValueHandle = handle
	leaf.Slots[idx].Version++
	t.markDirty()
	return t.nodes.Stage(ctx, leaf)
}

func (t *Tree) removeOne(ctx context.Context, key []byte) (bool, error) {
	path, leaf, idx, err := t.descend(ctx, key)
	if err != nil {
		return false, err
	}
	if idx >= len(leaf.Slots) {
		return false, nil
	}
	if c, _ := t.cmp.Compare(leaf.Slots[idx].Key, key); c != 0 {
		return false, nil
	}
	removed := leaf.Slots[idx]
	if err := t.values.Discard(ctx, t.info.ValuePlacement, removed); err != nil {
		return false, err
	}
	leaf.Slots = removeSlotAt(leaf.Slots, idx)
	t.markDirty()
	t.info.ItemCount--
	if err := t.rebalanceAfterDelete(ctx, path, leaf); err != nil {
		return false, err
	}
	return true, nil
}

// stageOrSplit stages node as-is if it still fits within slot_length,
// otherwise tries a leaf_load_balancing shift before falling back to a
// standard split (spec §4.4).
func (t *Tree) stageOrSplit(ctx context.Context, path []pathEntry, node *types.Node) error {
	if len(node.Slots) <= t.info.SlotLength {
		return t.nodes.Stage(ctx, node)
	}
	if node.IsLeaf && t.info.LeafLoadBalancing {
		ok, err := t.tryShiftLeaf(ctx, path, node)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return t.splitAndPropagate(ctx, path, node)
}

// tryShiftLeaf attempts to move one slot from an overflowing leaf into
// an underfull neighbor before resorting to a split.
func (t *Tree) tryShiftLeaf(ctx context.Context, path []pathEntry, node *types.Node) (bool, error) {
	if len(path) == 0 {
		return false, nil
	}
	parentEntry := path[len(path)-1]
	parent := parentEntry.node
	ci := parentEntry.childIndex

	if ci+1 < len(parent.Children) {
		right, err := t.nodes.Get(ctx, parent.Children[ci+1])
		if err != nil {
			return false, err
		}
		if len(right.Slots) < t.info.SlotLength {
			moved := node.Slots[len(node.Slots)-1]
			node.Slots = node.Slots[:len(node.Slots)-1]
			right.Slots = insertSlotAt(right.Slots, 0, moved)
			parent.Slots[ci].Key = right.Slots[0].Key
			if err := t.nodes.Stage(ctx, node); err != nil {
				return false, err
			}
			if err := t.nodes.Stage(ctx, right); err != nil {
				return false, err
			}
			return true, t.nodes.Stage(ctx, parent)
		}
	}
	if ci-1 >= 0 {
		left, err := t.nodes.Get(ctx, parent.Children[ci-1])
		if err != nil {
			return false, err
		}
		if len(left.Slots) < t.info.SlotLength {
			moved := node.Slots[0]
			node.Slots = node.Slots[1:]
			left.Slots = append(left.Slots, moved)
			parent.Slots[ci-1].Key = node.Slots[0].Key
			if err := t.nodes.Stage(ctx, node); err != nil {
				return false, err
			}
			if err := t.nodes.Stage(ctx, left); err != nil {
				return false, err
			}
			return true, t.nodes.Stage(ctx, parent)
		}
	}
	return false, nil
}

// splitAndPropagate splits node in two and inserts the new separator
// into its parent, recursing upward (and growing the tree's height by
// one when the root itself splits).
func (t *Tree) splitAndPropagate(ctx context.Context, path []pathEntry, node *types.Node) error {
	var sepKey []byte
	var rightID string
	var err error
	if node.IsLeaf {
		sepKey, rightID, err = t.splitLeaf(ctx, node)
	} else {
		sepKey, rightID, err = t.splitInterior(ctx, node)
	}
	if err != nil {
		return err
	}
	if err := t.nodes.Stage(ctx, node); err != nil {
		return err
	}
	if len(path) == 0 {
		newRoot := &types.Node{
			IsLeaf:   false,
			Slots:    []types.Slot{{Key: sepKey}},
			Children: []string{node.NodeID, rightID},
		}
		newRootID, err := t.nodes.New(ctx, newRoot)
		if err != nil {
			return err
		}
		t.info.RootNodeHandle = newRootID
		return nil
	}

	parentEntry := path[len(path)-1]
	parent := parentEntry.node
	ci := parentEntry.childIndex
	parent.Slots = insertSlotAt(parent.Slots, ci, types.Slot{Key: sepKey})
	parent.Children = insertStringAt(parent.Children, ci+1, rightID)
	if len(parent.Slots) <= t.info.SlotLength {
		return t.nodes.Stage(ctx, parent)
	}
	return t.splitAndPropagate(ctx, path[:len(path)-1], parent)
}

func (t *Tree) splitLeaf(ctx context.Context, node *types.Node) (sepKey []byte, rightID string, err error) {
	mid := len(node.Slots) / 2
	rightSlots := append([]types.Slot(nil), node.Slots[mid:]...)
	node.Slots = node.Slots[:mid]
	right := &types.Node{IsLeaf: true, Slots: rightSlots, LeafNext: node.LeafNext, LeafPrev: node.NodeID}
	rightID, err = t.nodes.New(ctx, right)
	if err != nil {
		return nil, "", err
	}
	oldNext := node.LeafNext
	node.LeafNext = rightID
	if oldNext != "" {
		nextNode, err := t.nodes.Get(ctx, oldNext)
		if err != nil {
			return nil, "", err
		}
		nextNode.LeafPrev = rightID
		if err := t.nodes.Stage(ctx, nextNode); err != nil {
			return nil, "", err
		}
	}
	return rightSlots[0].Key, rightID, nil
}

func (t *Tree) splitInterior(ctx context.Context, node *types.Node) (sepKey []byte, rightID string, err error) {
	mid := len(node.Slots) / 2
	promoted := node.Slots[mid].Key
	rightSlots := append([]types.Slot(nil), node.Slots[mid+1:]...)
	rightChildren := append([]string(nil), node.Children[mid+1:]...)
	node.Slots = node.Slots[:mid]
	node.Children = node.Children[:mid+1]
	right := &types.Node{IsLeaf: false, Slots: rightSlots, Children: rightChildren}
	rightID, err = t.nodes.New(ctx, right)
	return promoted, rightID, err
}

// rebalanceAfterDelete restores the minimum occupancy invariant after a
// slot removal, attempting redistribution before merge (spec §4.4),
// and collapsing the root by one level when it's left with a single
// child.
func (t *Tree) rebalanceAfterDelete(ctx context.Context, path []pathEntry, node *types.Node) error {
	if len(path) == 0 {
		if !node.IsLeaf && len(node.Slots) == 0 && len(node.Children) == 1 {
			oldRootID := node.NodeID
			t.info.RootNodeHandle = node.Children[0]
			return t.nodes.Delete(ctx, oldRootID)
		}
		return t.nodes.Stage(ctx, node)
	}
	if len(node.Slots) >= t.minSlots() {
		return t.nodes.Stage(ctx, node)
	}

	parentEntry := path[len(path)-1]
	parent := parentEntry.node
	ci := parentEntry.childIndex

	if ci+1 < len(parent.Children) {
		right, err := t.nodes.Get(ctx, parent.Children[ci+1])
		if err != nil {
			return err
		}
		if len(right.Slots) > t.minSlots() {
			t.redistributeFromRight(node, right, parent, ci)
			if err := t.nodes.Stage(ctx, node); err != nil {
				return err
			}
			if err := t.nodes.Stage(ctx, right); err != nil {
				return err
			}
			return t.nodes.Stage(ctx, parent)
		}
	}
	if ci-1 >= 0 {
		left, err := t.nodes.Get(ctx, parent.Children[ci-1])
		if err != nil {
			return err
		}
		if len(left.Slots) > t.minSlots() {
			t.redistributeFromLeft(node, left, parent, ci-1)
			if err := t.nodes.Stage(ctx, node); err != nil {
				return err
			}
			if err := t.nodes.Stage(ctx, left); err != nil {
				return err
			}
			return t.nodes.Stage(ctx, parent)
		}
	}

	if ci+1 < len(parent.Children) {
		rightID := parent.Children[ci+1]
		right, err := t.nodes.Get(ctx, rightID)
		if err != nil {
			return err
		}
		if err := t.mergeInto(ctx, node, right, parent, ci); err != nil {
			return err
		}
		if err := t.nodes.Stage(ctx, node); err != nil {
			return err
		}
		if err := t.nodes.Delete(ctx, rightID); err != nil {
			return err
		}
		parent.Slots = removeSlotAt(parent.Slots, ci)
		parent.Children = removeStringAt(parent.Children, ci+1)
		return t.rebalanceAfterDelete(ctx, path[:len(path)-1], parent)
	}

	leftID := parent.Children[ci-1]
	left, err := t.nodes.Get(ctx, leftID)
	if err != nil {
		return err
	}
	if err := t.mergeInto(ctx, left, node, parent, ci-1); err != nil {
		return err
	}
	if err := t.nodes.Stage(ctx, left); err != nil {
		return err
	}
	if err := t.nodes.Delete(ctx, node.NodeID); err != nil {
		return err
	}
	parent.Slots = removeSlotAt(parent.Slots, ci-1)
	parent.Children = removeStringAt(parent.Children, ci)
	return t.rebalanceAfterDelete(ctx, path[:len(path)-1], parent)
}

func (t *Tree) redistributeFromRight(node, right, parent *types.Node, ci int) {
	if node.IsLeaf {
		moved := right.Slots[0]
		right.Slots = right.Slots[1:]
		node.Slots = append(node.Slots, moved)
		parent.Slots[ci].Key = right.Slots[0].Key
		return
	}
	demoted := parent.Slots[ci]
	node.Slots = append(node.Slots, demoted)
	node.Children = append(node.Children, right.Children[0])
	parent.Slots[ci] = right.Slots[0]
	right.Slots = right.Slots[1:]
	right.Children = right.Children[1:]
}

func (t *Tree) redistributeFromLeft(node, left, parent *types.Node, ci int) {
	if node.IsLeaf {
		moved := left.Slots[len(left.Slots)-1]
		left.Slots = left.Slots[:len(left.Slots)-1]
		node.Slots = insertSlotAt(node.Slots, 0, moved)
		parent.Slots[ci].Key = moved.Key
		return
	}
	demoted := parent.Slots[ci]
	lastChild := left.Children[len(left.Children)-1]
	left.Children = left.Children[:len(left.Children)-1]
	lastSlot := left.Slots[len(left.Slots)-1]
	left.Slots = left.Slots[:len(left.Slots)-1]
	node.Slots = insertSlotAt(node.Slots, 0, demoted)
	node.Children = insertStringAt(node.Children, 0, lastChild)
	parent.Slots[ci] = lastSlot
}

// mergeInto absorbs right's content into left; for leaves this also
// repairs the doubly-linked list, and for interior nodes it pulls the
// separating key down from parent between the two halves.
func (t *Tree) mergeInto(ctx context.Context, left, right, parent *types.Node, ci int) error {
	if left.IsLeaf {
		left.Slots = append(left.Slots, right.Slots...)
		left.LeafNext = right.LeafNext
		if right.LeafNext != "" {
			next, err := t.nodes.Get(ctx, right.LeafNext)
			if err != nil {
				return err
			}
			next.LeafPrev = left.NodeID
			if err := t.nodes.Stage(ctx, next); err != nil {
				return err
			}
		}
		return nil
	}
	demoted := parent.Slots[ci]
	left.Slots = append(left.Slots, demoted)
	left.Slots = append(left.Slots, right.Slots...)
	left.Children = append(left.Children, right.Children...)
	return nil
}

func insertSlotAt(slots []types.Slot, idx int, s types.Slot) []types.Slot {
	slots = append(slots, types.Slot{})
	copy(slots[idx+1:], slots[idx:])
	slots[idx] = s
	return slots
}

func removeSlotAt(slots []types.Slot, idx int) []types.Slot {
	return append(slots[:idx], slots[idx+1:]...)
}

func insertStringAt(ss []string, idx int, v string) []string {
	ss = append(ss, "")
	copy(ss[idx+1:], ss[idx:])
	ss[idx] = v
	return ss
}

func removeStringAt(ss []string, idx int) []string {
	return append(ss[:idx], ss[idx+1:]...)
}
