package modelstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sopdb/sop/pkg/catalog"
	"github.com/sopdb/sop/pkg/types"
)

func newTestDB(t *testing.T) *catalog.Database {
	t.Helper()
	ctx := context.Background()
	db, _, err := catalog.Setup(ctx, t.TempDir(), types.DatabaseOptions{
		Type:          types.DeploymentStandalone,
		StoresFolders: []string{t.TempDir()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStore_SaveLoadDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	info, err := db.NewStore(ctx, "models", types.StoreOptions{
		SlotLength:                   16,
		IsUnique:                     true,
		IsValueDataActivelyPersisted: true,
	}, IndexSpec())
	require.NoError(t, err)

	tx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeWrite})
	s, err := Open(ctx, tx, info)
	require.NoError(t, err)

	m := Model{
		Category:        "classifier",
		Name:            "churn",
		Version:         1,
		Algorithm:       "logistic_regression",
		Hyperparameters: map[string]any{"c": 1.0},
		Parameters:      []float64{0.1, 0.2, 0.3},
		Metrics:         map[string]float64{"auc": 0.91},
		IsActive:        true,
	}
	require.NoError(t, s.Save(ctx, m))
	require.NoError(t, tx.Commit(ctx))

	read := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeRead})
	s2, err := Open(ctx, read, tx.StoreInfo("models"))
	require.NoError(t, err)
	got, err := s2.Load(ctx, "classifier", "churn", 1)
	require.NoError(t, err)
	assert.Equal(t, m.Algorithm, got.Algorithm)
	assert.Equal(t, m.Parameters, got.Parameters)
	assert.Equal(t, 0.91, got.Metrics["auc"])
	require.NoError(t, read.Commit(ctx))

	del := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeWrite})
	s3, err := Open(ctx, del, tx.StoreInfo("models"))
	require.NoError(t, err)
	require.NoError(t, s3.Delete(ctx, "classifier", "churn", 1))
	require.NoError(t, del.Commit(ctx))

	verify := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeRead})
	s4, err := Open(ctx, verify, del.StoreInfo("models"))
	require.NoError(t, err)
	_, err = s4.Load(ctx, "classifier", "churn", 1)
	assert.Error(t, err)
	require.NoError(t, verify.Commit(ctx))
}

func TestStore_ListFiltersByCategoryAndOrdersByNameThenVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	info, err := db.NewStore(ctx, "catalogmodels", types.StoreOptions{
		SlotLength:                   16,
		IsUnique:                     true,
		IsValueDataActivelyPersisted: true,
	}, IndexSpec())
	require.NoError(t, err)

	tx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeWrite})
	s, err := Open(ctx, tx, info)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, Model{Category: "nlp", Name: "sentiment", Version: 1}))
	require.NoError(t, s.Save(ctx, Model{Category: "nlp", Name: "sentiment", Version: 2}))
	require.NoError(t, s.Save(ctx, Model{Category: "vision", Name: "detector", Version: 1}))
	require.NoError(t, tx.Commit(ctx))

	read := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeRead})
	s2, err := Open(ctx, read, tx.StoreInfo("catalogmodels"))
	require.NoError(t, err)
	models, err := s2.List(ctx, "nlp")
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, 1, models[0].Version)
	assert.Equal(t, 2, models[1].Version)
	require.NoError(t, read.Commit(ctx))
}
