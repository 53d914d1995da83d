package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sopdb/sop/pkg/catalog"
	"github.com/sopdb/sop/pkg/modelstore"
	"github.com/sopdb/sop/pkg/types"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Save a model artifact, then list every model in its category",
	RunE:  runModel,
}

func init() {
	modelCmd.Flags().String("data-dir", "/tmp/sop/model", "Root directory for the standalone database")
}

func runModel(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	ctx := context.Background()

	db, _, err := catalog.Setup(ctx, dataDir, types.DatabaseOptions{
		Type:          types.DeploymentStandalone,
		StoresFolders: []string{dataDir},
	})
	if err != nil {
		return fmt.Errorf("setup database: %w", err)
	}
	defer db.Close()

	const storeName = "models"
	info, err := db.OpenStore(ctx, storeName)
	if err != nil {
		info, err = db.NewStore(ctx, storeName, types.StoreOptions{
			SlotLength:                   16,
			IsUnique:                     true,
			IsValueDataActivelyPersisted: true,
		}, modelstore.IndexSpec())
		if err != nil {
			return fmt.Errorf("create model store: %w", err)
		}
		fmt.Printf("✓ created model store %q\n", storeName)
	}

	tx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeWrite})
	store, err := modelstore.Open(ctx, tx, info)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("open model store: %w", err)
	}
	m := modelstore.Model{
		Category:        "classifier",
		Name:            "churn",
		Version:         1,
		Algorithm:       "logistic_regression",
		Hyperparameters: map[string]any{"c": 1.0},
		Parameters:      []float64{0.1, 0.2, 0.3},
		Metrics:         map[string]float64{"auc": 0.91},
		IsActive:        true,
	}
	if err := store.Save(ctx, m); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("save model: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit model write: %w", err)
	}
	fmt.Printf("✓ saved model %s/%s v%d\n", m.Category, m.Name, m.Version)

	readTx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeRead})
	published, err := db.OpenStore(ctx, storeName)
	if err != nil {
		return fmt.Errorf("reopen model store: %w", err)
	}
	readStore, err := modelstore.Open(ctx, readTx, published)
	if err != nil {
		return fmt.Errorf("open read model store: %w", err)
	}
	models, err := readStore.List(ctx, "classifier")
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if err := readTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit read tx: %w", err)
	}

	fmt.Println("models under \"classifier\":")
	for _, mm := range models {
		fmt.Printf("  %s v%d  algorithm=%s  auc=%v\n", mm.Name, mm.Version, mm.Algorithm, mm.Metrics["auc"])
	}
	return nil
}
