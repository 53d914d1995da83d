package vectorstore

import (
	"context"

	"github.com/sopdb/sop/pkg/catalog"
	"github.com/sopdb/sop/pkg/types"
)

// CreateStores registers the three catalog stores a vector store named
// storeName needs: a composite-keyed posting-list store, a primitive
// by-id index, and a single-row centroid metadata store. Call once per
// vector store, then Open a *Store against each NewStore's transaction
// or a later catalog.Database.OpenStore/tx.OpenStore pair.
func CreateStores(ctx context.Context, db *catalog.Database, storeName string) error {
	postingsName, idsName, metaName := Names(storeName)

	if _, err := db.NewStore(ctx, postingsName, types.StoreOptions{
		SlotLength:               64,
		IsUnique:                 true,
		IsValueDataInNodeSegment: true,
	}, PostingsIndexSpec()); err != nil {
		return err
	}
	if _, err := db.NewStore(ctx, idsName, types.StoreOptions{
		SlotLength:               64,
		IsUnique:                 true,
		IsValueDataInNodeSegment: true,
	}, nil); err != nil {
		return err
	}
	if _, err := db.NewStore(ctx, metaName, types.StoreOptions{
		SlotLength:               4,
		IsUnique:                 true,
		IsValueDataInNodeSegment: true,
	}, nil); err != nil {
		return err
	}
	return nil
}
