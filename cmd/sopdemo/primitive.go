package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sopdb/sop/pkg/catalog"
	"github.com/sopdb/sop/pkg/types"
)

var primitiveCmd = &cobra.Command{
	Use:   "primitive",
	Short: "Run the standalone primitive-store scenario (S1) against a data directory",
	RunE:  runPrimitive,
}

func init() {
	primitiveCmd.Flags().String("data-dir", "/tmp/sop/s1", "Root directory for the standalone database")
}

// runPrimitive reproduces scenario S1: tx1 creates store users(string
// -> string), inserts ("u1", "A"), and commits; tx2 then reads it back
// and confirms the find and its value.
func runPrimitive(cmd *cobra.Command, args []string) error {
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

	if _, err := db.OpenStore(ctx, "users"); err != nil {
		if _, err := db.NewStore(ctx, "users", types.StoreOptions{
			SlotLength:               4,
			IsUnique:                 true,
			IsValueDataInNodeSegment: true,
		}, nil); err != nil {
			return fmt.Errorf("create store users: %w", err)
		}
		fmt.Println("✓ created store \"users\"")
	}

	info, err := db.OpenStore(ctx, "users")
	if err != nil {
		return fmt.Errorf("open store users: %w", err)
	}

	tx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeWrite})
	tree, err := tx.OpenStore(ctx, info)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("open tree: %w", err)
	}
	if err := tree.Add(ctx, []types.Item{{Key: []byte("u1"), Value: []byte("A")}}); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("insert u1: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx1: %w", err)
	}
	fmt.Println("✓ tx1 committed: inserted (\"u1\", \"A\")")

	readTx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeRead})
	published, err := db.OpenStore(ctx, "users")
	if err != nil {
		return fmt.Errorf("reopen store users: %w", err)
	}
	readTree, err := readTx.OpenStore(ctx, published)
	if err != nil {
		return fmt.Errorf("open read tree: %w", err)
	}
	cur, found, err := readTree.Find(ctx, []byte("u1"))
	if err != nil {
		return fmt.Errorf("find u1: %w", err)
	}
	if !found {
		return fmt.Errorf("tx2 expected find(\"u1\") == true, got false")
	}
	val, err := cur.Value(ctx)
	if err != nil {
		return fmt.Errorf("read u1 value: %w", err)
	}
	if err := readTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx2: %w", err)
	}
	fmt.Printf("✓ tx2 found \"u1\" -> %q\n", string(val))
	return nil
}
