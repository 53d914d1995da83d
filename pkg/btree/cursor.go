package btree

import (
	"context"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/types"
)

// Cursor identifies one slot by its owning leaf and index within that
// leaf's Slots. It is invalidated by any mutation that splits, merges,
// or redistributes its leaf; callers needing a stable reference across
// mutations should re-Find by key+item_uuid instead of holding a
// Cursor.
type Cursor struct {
	tree   *Tree
	leafID string
	index  int
}

func (c *Cursor) leaf(ctx context.Context) (*types.Node, error) {
	return c.tree.nodes.Get(ctx, c.leafID)
}

// Key returns the slot's key.
func (c *Cursor) Key(ctx context.Context) ([]byte, error) {
	leaf, err := c.leaf(ctx)
	if err != nil {
		return nil, err
	}
	if c.index < 0 || c.index >= len(leaf.Slots) {
		return nil, sopErrors.Wrap(sopErrors.ErrInvalidState, "btree.Cursor.Key")
	}
	return leaf.Slots[c.index].Key, nil
}

// Value returns the slot's value, resolved through the store's
// ValuePlacement policy.
func (c *Cursor) Value(ctx context.Context) ([]byte, error) {
	leaf, err := c.leaf(ctx)
	if err != nil {
		return nil, err
	}
	if c.index < 0 || c.index >= len(leaf.Slots) {
		return nil, sopErrors.Wrap(sopErrors.ErrInvalidState, "btree.Cursor.Value")
	}
	return c.tree.values.Load(ctx, c.tree.info.ValuePlacement, leaf.Slots[c.index])
}

// ItemUUID returns the slot's stable item identifier.
func (c *Cursor) ItemUUID(ctx context.Context) (string, error) {
	leaf, err := c.leaf(ctx)
	if err != nil {
		return "", err
	}
	if c.index < 0 || c.index >= len(leaf.Slots) {
		return "", sopErrors.Wrap(sopErrors.ErrInvalidState, "btree.Cursor.ItemUUID")
	}
	return leaf.Slots[c.index].ItemUUID, nil
}

// First positions a Cursor at the smallest key in the tree. ok is
// false for an empty tree (spec §4.4 edge case).
func (t *Tree) First(ctx context.Context) (cur *Cursor, ok bool, err error) {
	if err := t.checkUsable(); err != nil {
		return nil, false, err
	}
	leaf, err := t.leftmostLeaf(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(leaf.Slots) == 0 {
		return nil, false, nil
	}
	return &Cursor{tree: t, leafID: leaf.NodeID, index: 0}, true, nil
}

// Last positions a Cursor at the largest key in the tree.
func (t *Tree) Last(ctx context.Context) (cur *Cursor, ok bool, err error) {
	if err := t.checkUsable(); err != nil {
		return nil, false, err
	}
	leaf, err := t.rightmostLeaf(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(leaf.Slots) == 0 {
		return nil, false, nil
	}
	return &Cursor{tree: t, leafID: leaf.NodeID, index: len(leaf.Slots) - 1}, true, nil
}

func (t *Tree) leftmostLeaf(ctx context.Context) (*types.Node, error) {
	nodeID := t.info.RootNodeHandle
	for {
		node, err := t.nodes.Get(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		if node.IsLeaf {
			return node, nil
		}
		nodeID = node.Children[0]
	}
}

func (t *Tree) rightmostLeaf(ctx context.Context) (*types.Node, error) {
	nodeID := t.info.RootNodeHandle
	for {
		node, err := t.nodes.Get(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		if node.IsLeaf {
			return node, nil
		}
		nodeID = node.Children[len(node.Children)-1]
	}
}

// Next advances the cursor to the next slot in key order, following
// the leaf's forward link at the end of a page. ok is false once past
// the last slot.
func (c *Cursor) Next(ctx context.Context) (ok bool, err error) {
	leaf, err := c.leaf(ctx)
	if err != nil {
		return false, err
	}
	if c.index+1 < len(leaf.Slots) {
		c.index++
		return true, nil
	}
	if leaf.LeafNext == "" {
		return false, nil
	}
	next, err := c.tree.nodes.Get(ctx, leaf.LeafNext)
	if err != nil {
		return false, err
	}
	if len(next.Slots) == 0 {
		return false, nil
	}
	c.leafID = next.NodeID
	c.index = 0
	return true, nil
}

// Prev retreats the cursor to the previous slot in key order.
func (c *Cursor) Prev(ctx context.Context) (ok bool, err error) {
	leaf, err := c.leaf(ctx)
	if err != nil {
		return false, err
	}
	if c.index-1 >= 0 {
		c.index--
		return true, nil
	}
	if leaf.LeafPrev == "" {
		return false, nil
	}
	prev, err := c.tree.nodes.Get(ctx, leaf.LeafPrev)
	if err != nil {
		return false, err
	}
	if len(prev.Slots) == 0 {
		return false, nil
	}
	c.leafID = prev.NodeID
	c.index = len(prev.Slots) - 1
	return true, nil
}

// GetKeys returns the keys of one page per paging.
func (t *Tree) GetKeys(ctx context.Context, paging types.PagingInfo) ([][]byte, error) {
	items, err := t.GetItems(ctx, paging)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys, nil
}

// GetValues returns the values of one page per paging.
func (t *Tree) GetValues(ctx context.Context, paging types.PagingInfo) ([][]byte, error) {
	items, err := t.GetItems(ctx, paging)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, len(items))
	for i, it := range items {
		values[i] = it.Value
	}
	return values, nil
}

// GetItems walks page_offset pages of page_size from the tree's
// natural endpoint in direction, then returns min(page_size,
// fetch_count>0 ? fetch_count : page_size) items. Paging beyond the
// end returns a short page, not an error (spec §4.4).
func (t *Tree) GetItems(ctx context.Context, paging types.PagingInfo) ([]types.Item, error) {
	if err := t.checkUsable(); err != nil {
		return nil, err
	}
	pageSize := paging.PageSize
	if pageSize <= 0 {
		pageSize = 1
	}

	var cur *Cursor
	var ok bool
	var err error
	if paging.Direction == types.PagingBackward {
		cur, ok, err = t.Last(ctx)
	} else {
		cur, ok, err = t.First(ctx)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	advance := func(c *Cursor) (bool, error) {
		if paging.Direction == types.PagingBackward {
			return c.Prev(ctx)
		}
		return c.Next(ctx)
	}

	skip := paging.PageOffset * pageSize
	for i := 0; i < skip; i++ {
		if ok, err = advance(cur); err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
	}

	want := pageSize
	if paging.FetchCount > 0 && paging.FetchCount < want {
		want = paging.FetchCount
	}

	var items []types.Item
	for i := 0; i < want; i++ {
		leaf, err := cur.leaf(ctx)
		if err != nil {
			return nil, err
		}
		slot := leaf.Slots[cur.index]
		value, err := t.values.Load(ctx, t.info.ValuePlacement, slot)
		if err != nil {
			return nil, err
		}
		items = append(items, types.Item{Key: slot.Key, Value: value, ItemUUID: slot.ItemUUID})
		more, err := advance(cur)
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}
	return items, nil
}
