package catalog

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/cache"
	"github.com/sopdb/sop/pkg/metrics"
	"github.com/sopdb/sop/pkg/types"
)

// NewStore creates a brand new store's root within the same
// transaction that records its name in the catalog tree, so the two
// publish atomically: either both are visible to a later reader or
// neither is (spec §4.7 `new_store`, cross-store atomicity of §4.6).
func (db *Database) NewStore(ctx context.Context, name string, opts types.StoreOptions, indexSpec []types.IndexField) (*types.StoreInfo, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx := db.txns.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	catalogTree, err := tx.OpenStore(ctx, db.catalogInfo)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if _, found, err := catalogTree.Find(ctx, []byte(name)); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	} else if found {
		_ = tx.Rollback(ctx)
		return nil, sopErrors.Wrap(sopErrors.ErrDuplicate, "catalog.Database.NewStore", sopErrors.WithLogicalIDs(name))
	}

	info := &types.StoreInfo{
		DatabaseID:     db.databaseID,
		StoreName:      name,
		StoreUUID:      uuid.NewString(),
		KeyKind:        types.KeyKindPrimitive,
		SlotLength:     opts.SlotLength,
		IsUnique:       opts.IsUnique,
		Description:    opts.Description,
		ValuePlacement: opts.ResolvePlacement(),
		CELExpression:  opts.CELExpression,
		Cache:          opts.Cache,
	}
	if len(indexSpec) > 0 {
		info.KeyKind = types.KeyKindComposite
		info.IndexSpec = indexSpec
	}

	if _, err := tx.CreateStore(ctx, info); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := catalogTree.Add(ctx, []types.Item{{Key: []byte(name), Value: []byte(info.StoreUUID)}}); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	db.catalogInfo = tx.StoreInfo(catalogStoreName)
	metrics.StoresOpenTotal.Inc()
	return tx.StoreInfo(name), nil
}

// OpenStore resolves name to its current StoreInfo: the schema and
// policy fields as recorded at creation plus the live item
// count/root handle/version as last published (spec §4.7 `open_store`).
func (db *Database) OpenStore(ctx context.Context, name string) (*types.StoreInfo, error) {
	db.mu.RLock()
	catalogInfo := db.catalogInfo
	db.mu.RUnlock()

	tx := db.txns.Begin(types.TransactionOptions{Mode: types.TxModeRead})
	catalogTree, err := tx.OpenStore(ctx, catalogInfo)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	cur, found, err := catalogTree.Find(ctx, []byte(name))
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if !found {
		_ = tx.Rollback(ctx)
		return nil, sopErrors.Wrap(sopErrors.ErrNotFound, "catalog.Database.OpenStore", sopErrors.WithLogicalIDs(name))
	}
	val, err := cur.Value(ctx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	storeUUID := string(val)
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return db.fetchStoreInfo(ctx, storeUUID)
}

// fetchStoreInfo reads a store's current published StoreInfo straight
// from C3/C2/C1, the same versioned blob pkg/txn's commit pipeline
// writes on every publish.
func (db *Database) fetchStoreInfo(ctx context.Context, storeUUID string) (*types.StoreInfo, error) {
	entries, err := db.registry.Lookup(ctx, []string{storeUUID})
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "catalog.Database.fetchStoreInfo", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(storeUUID))
	}
	if len(entries) == 0 {
		return nil, sopErrors.Wrap(sopErrors.ErrNotFound, "catalog.Database.fetchStoreInfo", sopErrors.WithLogicalIDs(storeUUID))
	}
	entry := entries[0]

	if cached, ok := db.cache.Get(ctx, cache.ClassStoreInfo, storeUUID); ok && cached.Version == entry.Version {
		var info types.StoreInfo
		if err := json.Unmarshal(cached.Value, &info); err == nil {
			return &info, nil
		}
	}

	raw, err := db.blobs.Read(ctx, entry.PhysicalSegmentID)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "catalog.Database.fetchStoreInfo", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(storeUUID))
	}
	var info types.StoreInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrDataLoss, "catalog.Database.fetchStoreInfo", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(storeUUID))
	}
	_ = db.cache.Put(ctx, cache.ClassStoreInfo, storeUUID, cache.Entry{Value: raw, Version: entry.Version}, info.Cache.StoreInfo.Duration)
	return &info, nil
}

// StoreNames lists every store currently registered in the catalog,
// used by StatsCollector to refresh the per-store item-count gauge.
func (db *Database) StoreNames(ctx context.Context) ([]string, error) {
	db.mu.RLock()
	catalogInfo := db.catalogInfo
	db.mu.RUnlock()

	tx := db.txns.Begin(types.TransactionOptions{Mode: types.TxModeRead})
	catalogTree, err := tx.OpenStore(ctx, catalogInfo)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	keys, err := catalogTree.GetKeys(ctx, types.PagingInfo{
		PageSize:   int(catalogTree.Count()),
		FetchCount: int(catalogTree.Count()),
		Direction:  types.PagingForward,
	})
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k)
	}
	return names, nil
}

// RemoveStore drops name from the catalog once no transaction
// currently holds it open (spec §4.7 `remove_store`; lifecycle note in
// spec §3: "destroyed... only when no active transactions reference
// it"). The store's own nodes/blobs are left for the blob store's
// garbage collector rather than deleted eagerly.
func (db *Database) RemoveStore(ctx context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx := db.txns.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	catalogTree, err := tx.OpenStore(ctx, db.catalogInfo)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	cur, found, err := catalogTree.Find(ctx, []byte(name))
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if !found {
		_ = tx.Rollback(ctx)
		return sopErrors.Wrap(sopErrors.ErrNotFound, "catalog.Database.RemoveStore", sopErrors.WithLogicalIDs(name))
	}
	val, err := cur.Value(ctx)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	storeUUID := string(val)

	if refs := db.txns.ActiveReferences(storeUUID); refs > 0 {
		_ = tx.Rollback(ctx)
		return sopErrors.Wrap(sopErrors.ErrPreconditionFailed, "catalog.Database.RemoveStore", sopErrors.WithLogicalIDs(storeUUID))
	}

	if _, err := catalogTree.Remove(ctx, [][]byte{[]byte(name)}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	db.catalogInfo = tx.StoreInfo(catalogStoreName)
	metrics.StoresOpenTotal.Dec()
	return nil
}
