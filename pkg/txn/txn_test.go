package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/blobstore"
	"github.com/sopdb/sop/pkg/cache"
	"github.com/sopdb/sop/pkg/registry"
	"github.com/sopdb/sop/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	reg, err := registry.NewBoltRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	c, err := cache.New(cache.Config{})
	require.NoError(t, err)

	blobs, err := blobstore.NewReplicaStore([]string{t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	return NewManager(reg, c, blobs, NewLocalLockCoordinator())
}

func testStoreInfo(name string) *types.StoreInfo {
	return &types.StoreInfo{
		DatabaseID:     "db1",
		StoreName:      name,
		StoreUUID:      name + "-uuid",
		KeyKind:        types.KeyKindPrimitive,
		SlotLength:     4,
		IsUnique:       true,
		ValuePlacement: types.ValuePlacementInNode,
	}
}

func TestTransaction_WriteModeCommitRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	info := testStoreInfo("orders")
	tx := mgr.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	tree, err := tx.CreateStore(ctx, info)
	require.NoError(t, err)
	require.NoError(t, tree.Add(ctx, []types.Item{
		{Key: []byte("k1"), Value: []byte("v1")},
		{Key: []byte("k2"), Value: []byte("v2")},
	}))
	require.NoError(t, tx.Commit(ctx))
	published := tx.StoreInfo("orders")

	// A second transaction opening the store as last published should
	// see the new root and item count.
	tx2 := mgr.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	tree2, err := tx2.OpenStore(ctx, published)
	require.NoError(t, err)
	cur, found, err := tree2.Find(ctx, []byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	val, err := cur.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)
	require.NoError(t, tx2.Rollback(ctx))
}

func TestTransaction_NoCheckModeSkipsValidation(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	info := testStoreInfo("fast")
	tx := mgr.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	tree, err := tx.CreateStore(ctx, info)
	require.NoError(t, err)
	require.NoError(t, tree.Add(ctx, []types.Item{{Key: []byte("a"), Value: []byte("1")}}))
	require.NoError(t, tx.Commit(ctx))
	published := tx.StoreInfo("fast")

	tx2 := mgr.Begin(types.TransactionOptions{Mode: types.TxModeNoCheck})
	tree2, err := tx2.OpenStore(ctx, published)
	require.NoError(t, err)
	require.NoError(t, tree2.Add(ctx, []types.Item{{Key: []byte("b"), Value: []byte("2")}}))
	assert.NoError(t, tx2.Commit(ctx))
}

func TestTransaction_ReadModeValidatesWithoutPublishing(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	info := testStoreInfo("readonly")
	setup := mgr.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	tree, err := setup.CreateStore(ctx, info)
	require.NoError(t, err)
	require.NoError(t, tree.Add(ctx, []types.Item{{Key: []byte("x"), Value: []byte("1")}}))
	require.NoError(t, setup.Commit(ctx))
	published := setup.StoreInfo("readonly")

	reader := mgr.Begin(types.TransactionOptions{Mode: types.TxModeRead})
	rtree, err := reader.OpenStore(ctx, published)
	require.NoError(t, err)
	_, _, err = rtree.Find(ctx, []byte("x"))
	require.NoError(t, err)
	assert.NoError(t, reader.Commit(ctx))

	// Nothing was published by the read-mode commit: a write-mode
	// transaction opening the store from the same last-published info
	// still sees exactly one item.
	verify := mgr.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	vtree, err := verify.OpenStore(ctx, published)
	require.NoError(t, err)
	assert.EqualValues(t, 1, vtree.Count())
	require.NoError(t, verify.Rollback(ctx))
}

func TestTransaction_ConflictingReadSetAbortsWithRetryable(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	info := testStoreInfo("conflict")
	setup := mgr.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	tree, err := setup.CreateStore(ctx, info)
	require.NoError(t, err)
	require.NoError(t, tree.Add(ctx, []types.Item{{Key: []byte("k"), Value: []byte("orig")}}))
	require.NoError(t, setup.Commit(ctx))
	published := setup.StoreInfo("conflict")

	// Two transactions both open the store from the same last-published
	// info, then one wins the race to publish; the loser's read-set is
	// stale at commit time.
	txA := mgr.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	treeA, err := txA.OpenStore(ctx, published)
	require.NoError(t, err)
	require.NoError(t, treeA.Upsert(ctx, []types.Item{{Key: []byte("k"), Value: []byte("from-a")}}))

	txB := mgr.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	treeB, err := txB.OpenStore(ctx, published)
	require.NoError(t, err)
	require.NoError(t, treeB.Upsert(ctx, []types.Item{{Key: []byte("k"), Value: []byte("from-b")}}))

	require.NoError(t, txA.Commit(ctx))

	err = txB.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, sopErrors.ErrConflictRetryable)
}

func TestTransaction_DeadlineExceededAbortsWithTimeout(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	tx := mgr.Begin(types.TransactionOptions{Mode: types.TxModeWrite, MaxTime: time.Nanosecond})
	time.Sleep(time.Millisecond)

	info := testStoreInfo("deadline")
	_, err := tx.CreateStore(ctx, info)
	require.Error(t, err)
	assert.ErrorIs(t, err, sopErrors.ErrTimeout)
}

func TestTransaction_CrossStoreAtomicity(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	ordersInfo := testStoreInfo("orders-x")
	inventoryInfo := testStoreInfo("inventory-x")

	tx := mgr.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	orders, err := tx.CreateStore(ctx, ordersInfo)
	require.NoError(t, err)
	inventory, err := tx.CreateStore(ctx, inventoryInfo)
	require.NoError(t, err)

	require.NoError(t, orders.Add(ctx, []types.Item{{Key: []byte("order-1"), Value: []byte("placed")}}))
	require.NoError(t, inventory.Add(ctx, []types.Item{{Key: []byte("sku-1"), Value: []byte("reserved")}}))

	require.NoError(t, tx.Commit(ctx))
	publishedOrders := tx.StoreInfo("orders-x")
	publishedInventory := tx.StoreInfo("inventory-x")

	verify := mgr.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	vOrders, err := verify.OpenStore(ctx, publishedOrders)
	require.NoError(t, err)
	vInventory, err := verify.OpenStore(ctx, publishedInventory)
	require.NoError(t, err)
	assert.EqualValues(t, 1, vOrders.Count())
	assert.EqualValues(t, 1, vInventory.Count())
	require.NoError(t, verify.Rollback(ctx))
}
