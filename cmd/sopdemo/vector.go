package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sopdb/sop/pkg/catalog"
	"github.com/sopdb/sop/pkg/types"
	"github.com/sopdb/sop/pkg/vectorstore"
)

var vectorCmd = &cobra.Command{
	Use:   "vector",
	Short: "Add a handful of embeddings to a vector store and search them",
	RunE:  runVector,
}

func init() {
	vectorCmd.Flags().String("data-dir", "/tmp/sop/vector", "Root directory for the standalone database")
}

func runVector(cmd *cobra.Command, args []string) error {
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

	const storeName = "docs"
	postingsName, _, _ := vectorstore.Names(storeName)
	if _, err := db.OpenStore(ctx, postingsName); err != nil {
		if err := vectorstore.CreateStores(ctx, db, storeName); err != nil {
			return fmt.Errorf("create vector store: %w", err)
		}
		fmt.Printf("✓ created vector store %q\n", storeName)
	}

	cfg := vectorstore.Config{Dimensions: 2, NumCentroids: 2, NProbe: 2, Metric: vectorstore.MetricEuclidean}

	postingsInfo, idsInfo, metaInfo, err := openVectorInfos(ctx, db, storeName)
	if err != nil {
		return err
	}

	tx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeWrite})
	store, err := vectorstore.Open(ctx, tx, postingsInfo, idsInfo, metaInfo, cfg)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("open vector store: %w", err)
	}

	seeds := []vectorstore.Item{
		{ID: "doc-1", Vector: []float64{0, 0}, Payload: map[string]any{"title": "intro"}},
		{ID: "doc-2", Vector: []float64{0.1, 0.1}, Payload: map[string]any{"title": "intro-2"}},
		{ID: "doc-3", Vector: []float64{10, 10}, Payload: map[string]any{"title": "appendix"}},
	}
	for _, item := range seeds {
		if err := store.Upsert(ctx, item); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("upsert %s: %w", item.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit vector writes: %w", err)
	}
	fmt.Printf("✓ upserted %d vectors into %q\n", len(seeds), storeName)

	if err := vectorstore.Optimize(ctx, db, storeName, cfg); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	fmt.Println("✓ retrained centroids")

	readTx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeRead})
	postingsInfo, idsInfo, metaInfo, err = openVectorInfos(ctx, db, storeName)
	if err != nil {
		return err
	}
	readStore, err := vectorstore.Open(ctx, readTx, postingsInfo, idsInfo, metaInfo, cfg)
	if err != nil {
		return fmt.Errorf("reopen vector store: %w", err)
	}
	hits, err := readStore.Search(ctx, []float64{0, 0}, 2, nil)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if err := readTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit read tx: %w", err)
	}

	fmt.Println("nearest to (0, 0):")
	for _, hit := range hits {
		fmt.Printf("  %s  score=%.4f  title=%v\n", hit.ID, hit.Score, hit.Payload["title"])
	}
	return nil
}

func openVectorInfos(ctx context.Context, db *catalog.Database, storeName string) (postings, ids, meta *types.StoreInfo, err error) {
	postingsName, idsName, metaName := vectorstore.Names(storeName)
	postings, err = db.OpenStore(ctx, postingsName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", postingsName, err)
	}
	ids, err = db.OpenStore(ctx, idsName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", idsName, err)
	}
	meta, err = db.OpenStore(ctx, metaName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s: %w", metaName, err)
	}
	return postings, ids, meta, nil
}
