package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/types"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	ctx := context.Background()
	db, _, err := Setup(ctx, t.TempDir(), types.DatabaseOptions{
		Type:          types.DeploymentStandalone,
		StoresFolders: []string{t.TempDir()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetup_InventsDefaultsAndPersists(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()

	db, effective, err := Setup(ctx, path, types.DatabaseOptions{StoresFolders: []string{t.TempDir()}})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, types.DeploymentStandalone, effective.Type)
	assert.Equal(t, 250, effective.RegistryHashMod)

	roundTripped, err := GetOptions(path)
	require.NoError(t, err)
	assert.Equal(t, effective, roundTripped)
}

func TestSetup_ClusteredRequiresRedisURL(t *testing.T) {
	ctx := context.Background()
	_, _, err := Setup(ctx, t.TempDir(), types.DatabaseOptions{
		Type:          types.DeploymentClustered,
		StoresFolders: []string{t.TempDir()},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sopErrors.ErrInvalidConfig)
}

func TestDatabase_S1StandalonePrimitiveStore(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	_, err := db.NewStore(ctx, "users", types.StoreOptions{
		SlotLength:               4,
		IsUnique:                 true,
		IsValueDataInNodeSegment: true,
	}, nil)
	require.NoError(t, err)

	info, err := db.OpenStore(ctx, "users")
	require.NoError(t, err)

	tx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeWrite})
	tree, err := tx.OpenStore(ctx, info)
	require.NoError(t, err)
	require.NoError(t, tree.Add(ctx, []types.Item{{Key: []byte("u1"), Value: []byte("A")}}))
	require.NoError(t, tx.Commit(ctx))

	tx2 := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeRead})
	published, err := db.OpenStore(ctx, "users")
	require.NoError(t, err)
	tree2, err := tx2.OpenStore(ctx, published)
	require.NoError(t, err)
	cur, found, err := tree2.Find(ctx, []byte("u1"))
	require.NoError(t, err)
	require.True(t, found)
	val, err := cur.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), val)
	require.NoError(t, tx2.Commit(ctx))
}

// TestDatabase_ConcurrentWritersDisjointKeyRangesAllSucceed runs ten
// goroutines against one pre-seeded store, each committing 20 items in
// its own non-overlapping key range. A commit that loses the race and
// comes back ConflictRetryable (spec §4.6 P3) simply re-opens the
// store (picking up the latest published root) and retries its own
// writes; none of its own items are lost or duplicated by the retry
// since every attempt re-adds the same fixed key set. Final count
// accounts for the seed item plus every goroutine's writes, and every
// key is readable afterward.
func TestDatabase_ConcurrentWritersDisjointKeyRangesAllSucceed(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	_, err := db.NewStore(ctx, "ledger", types.StoreOptions{
		SlotLength:               4,
		IsUnique:                 true,
		IsValueDataInNodeSegment: true,
	}, nil)
	require.NoError(t, err)

	seedInfo, err := db.OpenStore(ctx, "ledger")
	require.NoError(t, err)
	seedTx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeWrite})
	seedTree, err := seedTx.OpenStore(ctx, seedInfo)
	require.NoError(t, err)
	require.NoError(t, seedTree.Add(ctx, []types.Item{{Key: []byte("seed"), Value: []byte("0")}}))
	require.NoError(t, seedTx.Commit(ctx))

	const goroutines = 10
	const perGoroutine = 20

	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for attempt := 0; attempt < 10; attempt++ {
				info, err := db.OpenStore(ctx, "ledger")
				if err != nil {
					errs[g] = err
					return
				}
				tx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeWrite})
				tree, err := tx.OpenStore(ctx, info)
				if err != nil {
					_ = tx.Rollback(ctx)
					errs[g] = err
					return
				}
				items := make([]types.Item, perGoroutine)
				for i := 0; i < perGoroutine; i++ {
					key := fmt.Sprintf("g%02d-%04d", g, i)
					items[i] = types.Item{Key: []byte(key), Value: []byte(key)}
				}
				if err := tree.Add(ctx, items); err != nil {
					_ = tx.Rollback(ctx)
					errs[g] = err
					return
				}
				err = tx.Commit(ctx)
				if err == nil {
					errs[g] = nil
					return
				}
				if !errors.Is(err, sopErrors.ErrConflictRetryable) {
					errs[g] = err
					return
				}
			}
			errs[g] = fmt.Errorf("goroutine %d exhausted retries", g)
		}(g)
	}
	wg.Wait()

	for g, err := range errs {
		assert.NoErrorf(t, err, "goroutine %d", g)
	}

	verifyInfo, err := db.OpenStore(ctx, "ledger")
	require.NoError(t, err)
	verify := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeRead})
	verifyTree, err := verify.OpenStore(ctx, verifyInfo)
	require.NoError(t, err)
	assert.EqualValues(t, 1+goroutines*perGoroutine, verifyTree.Count())
	for g := 0; g < goroutines; g++ {
		for i := 0; i < perGoroutine; i++ {
			key := fmt.Sprintf("g%02d-%04d", g, i)
			cur, found, err := verifyTree.Find(ctx, []byte(key))
			require.NoError(t, err)
			require.Truef(t, found, "key %s", key)
			val, err := cur.Value(ctx)
			require.NoError(t, err)
			assert.Equal(t, key, string(val))
		}
	}
	require.NoError(t, verify.Commit(ctx))
}

func TestDatabase_NewStoreRejectsDuplicateName(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	_, err := db.NewStore(ctx, "orders", types.StoreOptions{SlotLength: 4, IsValueDataInNodeSegment: true}, nil)
	require.NoError(t, err)

	_, err = db.NewStore(ctx, "orders", types.StoreOptions{SlotLength: 4, IsValueDataInNodeSegment: true}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, sopErrors.ErrDuplicate)
}

func TestDatabase_OpenStoreUnknownNameReturnsNotFound(t *testing.T) {
	db := newTestDatabase(t)
	_, err := db.OpenStore(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, sopErrors.ErrNotFound)
}

func TestDatabase_RemoveStoreRefusesWhileTransactionHoldsItOpen(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	info, err := db.NewStore(ctx, "inventory", types.StoreOptions{SlotLength: 4, IsValueDataInNodeSegment: true}, nil)
	require.NoError(t, err)

	holder := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeWrite})
	_, err = holder.OpenStore(ctx, info)
	require.NoError(t, err)

	err = db.RemoveStore(ctx, "inventory")
	require.Error(t, err)
	assert.ErrorIs(t, err, sopErrors.ErrPreconditionFailed)

	require.NoError(t, holder.Rollback(ctx))
	require.NoError(t, db.RemoveStore(ctx, "inventory"))

	_, err = db.OpenStore(ctx, "inventory")
	require.Error(t, err)
	assert.ErrorIs(t, err, sopErrors.ErrNotFound)
}

func TestDatabase_StoreNamesListsEveryRegisteredStore(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	_, err := db.NewStore(ctx, "alpha", types.StoreOptions{SlotLength: 4, IsValueDataInNodeSegment: true}, nil)
	require.NoError(t, err)
	_, err = db.NewStore(ctx, "beta", types.StoreOptions{SlotLength: 4, IsValueDataInNodeSegment: true}, nil)
	require.NoError(t, err)

	names, err := db.StoreNames(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)
}
