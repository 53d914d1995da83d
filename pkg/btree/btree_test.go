package btree

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/types"
)

func newTestTree(t *testing.T, slotLength int, unique, leafLoadBalancing bool) *Tree {
	t.Helper()
	info := &types.StoreInfo{
		StoreName:         "items",
		KeyKind:           types.KeyKindPrimitive,
		SlotLength:        slotLength,
		IsUnique:          unique,
		ValuePlacement:    types.ValuePlacementInNode,
		LeafLoadBalancing: leafLoadBalancing,
	}
	tree, err := New(context.Background(), info, NewMemNodeRepository(), NewMemValueRepository())
	require.NoError(t, err)
	return tree
}

func TestTree_AddFindRemove(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t, 4, true, false)

	require.NoError(t, tree.Add(ctx, []types.Item{
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("c"), Value: []byte("3")},
	}))
	assert.EqualValues(t, 3, tree.Count())

	cur, found, err := tree.Find(ctx, []byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	val, err := cur.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)

	ok, err := tree.Remove(ctx, [][]byte{[]byte("b")})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 2, tree.Count())

	_, err = tree.FindWithID(ctx, []byte("b"), "nonexistent")
	assert.Error(t, err)
}

func TestTree_AddRejectsDuplicateWhenUnique(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t, 4, true, false)
	require.NoError(t, tree.Add(ctx, []types.Item{{Key: []byte("a"), Value: []byte("1")}}))
	err := tree.Add(ctx, []types.Item{{Key: []byte("a"), Value: []byte("2")}})
	require.Error(t, err)
	assert.ErrorIs(t, err, sopErrors.ErrDuplicate)
}

func TestTree_AddIfNotExists(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t, 4, true, false)
	require.NoError(t, tree.Add(ctx, []types.Item{{Key: []byte("a"), Value: []byte("1")}}))

	allInserted, err := tree.AddIfNotExists(ctx, []types.Item{
		{Key: []byte("a"), Value: []byte("x")},
		{Key: []byte("b"), Value: []byte("2")},
	})
	require.NoError(t, err)
	assert.False(t, allInserted)
	assert.EqualValues(t, 2, tree.Count())
}

func TestTree_Upsert(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t, 4, true, false)
	require.NoError(t, tree.Upsert(ctx, []types.Item{{Key: []byte("a"), Value: []byte("1")}}))
	require.NoError(t, tree.Upsert(ctx, []types.Item{{Key: []byte("a"), Value: []byte("2")}}))
	assert.EqualValues(t, 1, tree.Count())

	cur, found, err := tree.Find(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	val, err := cur.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)
}

func TestTree_UpdateRequiresExistence(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t, 4, true, false)
	err := tree.Update(ctx, []types.Item{{Key: []byte("missing"), Value: []byte("v")}})
	assert.Error(t, err)
	assert.ErrorIs(t, err, sopErrors.ErrNotFound)
}

func TestTree_NonUniqueDuplicateKeysOrderedByItemUUID(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t, 4, false, false)
	require.NoError(t, tree.Add(ctx, []types.Item{
		{Key: []byte("a"), Value: []byte("1"), ItemUUID: "zzz"},
		{Key: []byte("a"), Value: []byte("2"), ItemUUID: "aaa"},
	}))

	items, err := tree.GetItems(ctx, types.PagingInfo{PageSize: 10, Direction: types.PagingForward})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, []byte("2"), items[0].Value)
	assert.Equal(t, []byte("1"), items[1].Value)
}

func TestTree_SplitAcrossManyInserts(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t, 4, true, false)

	const n = 200
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%04d", i)
		require.NoError(t, tree.Add(ctx, []types.Item{{Key: []byte(key), Value: []byte(key)}}))
	}
	assert.EqualValues(t, n, tree.Count())

	cur, ok, err := tree.First(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	count := 0
	for {
		count++
		more, err := cur.Next(ctx)
		require.NoError(t, err)
		if !more {
			break
		}
	}
	assert.Equal(t, n, count, "leaf chain must visit every inserted item in order exactly once")
}

func TestTree_RemoveAcrossManyDeletesShrinksTree(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t, 4, true, true)

	const n = 100
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%04d", i)
		require.NoError(t, tree.Add(ctx, []types.Item{{Key: []byte(key), Value: []byte(key)}}))
	}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%04d", i)
		ok, err := tree.Remove(ctx, [][]byte{[]byte(key)})
		require.NoError(t, err)
		require.True(t, ok, "key %s should have been removed", key)
	}
	assert.EqualValues(t, 0, tree.Count())
	_, ok, err := tree.First(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTree_PagingForwardAndBackwardWithOffsetAndShortPage(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t, 4, true, false)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%02d", i)
		require.NoError(t, tree.Add(ctx, []types.Item{{Key: []byte(key), Value: []byte(key)}}))
	}

	page, err := tree.GetKeys(ctx, types.PagingInfo{PageOffset: 1, PageSize: 3, Direction: types.PagingForward})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "k03", string(page[0]))

	page, err = tree.GetKeys(ctx, types.PagingInfo{PageOffset: 3, PageSize: 3, Direction: types.PagingForward})
	require.NoError(t, err)
	assert.Len(t, page, 1, "paging beyond the end returns a short page, not an error")

	page, err = tree.GetKeys(ctx, types.PagingInfo{PageSize: 3, Direction: types.PagingBackward})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "k09", string(page[0]))
}

func TestTree_EmptyFirstLastReturnFalse(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t, 4, true, false)
	_, ok, err := tree.First(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = tree.Last(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTree_InvalidAfterClose(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t, 4, true, false)
	require.NoError(t, tree.Close())
	_, _, err := tree.Find(ctx, []byte("a"))
	assert.ErrorIs(t, err, sopErrors.ErrInvalidState)
}

func TestTree_StateTransitionsFollowCommitLifecycle(t *testing.T) {
	tree := newTestTree(t, 4, true, false)
	assert.Equal(t, StateOpen, tree.State())
	require.NoError(t, tree.BeginCommit())
	assert.Equal(t, StateCommitting, tree.State())
	tree.MarkCommitted()
	assert.Equal(t, StateCommitted, tree.State())
	tree.Invalidate()
	assert.Equal(t, StateInvalid, tree.State())

	_, _, err := tree.Find(context.Background(), []byte("a"))
	assert.ErrorIs(t, err, sopErrors.ErrInvalidState)
}

func TestTree_SeparateCachedValuePlacement(t *testing.T) {
	ctx := context.Background()
	info := &types.StoreInfo{
		StoreName:      "blobs",
		KeyKind:        types.KeyKindPrimitive,
		SlotLength:     4,
		IsUnique:       true,
		ValuePlacement: types.ValuePlacementSeparateCached,
	}
	tree, err := New(ctx, info, NewMemNodeRepository(), NewMemValueRepository())
	require.NoError(t, err)

	require.NoError(t, tree.Add(ctx, []types.Item{{Key: []byte("a"), Value: []byte("payload")}}))
	cur, found, err := tree.Find(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	val, err := cur.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), val)
}
