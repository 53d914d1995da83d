package vectorstore

import (
	"context"
	"encoding/json"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/catalog"
	"github.com/sopdb/sop/pkg/metrics"
	"github.com/sopdb/sop/pkg/types"
)

// Optimize retrains this vector store's centroids from every vector
// currently stored and rewrites the posting lists under the new
// assignment. Per the resolution of spec §9 Open Question 3, Optimize
// always runs as its own isolated write transaction — never piggy-
// backed onto a caller's in-flight transaction — so a long-running
// retrain never extends the lock footprint of unrelated work. Callers
// that also want the retrain to participate in a larger multi-store
// commit should not use this method; none of this package's other
// operations have that restriction.
func Optimize(ctx context.Context, db *catalog.Database, storeName string, cfg Config) error {
	defer metrics.VectorOptimizeTotal.Inc()

	postingsName, idsName, metaName := Names(storeName)

	postingsInfo, err := db.OpenStore(ctx, postingsName)
	if err != nil {
		return err
	}
	idsInfo, err := db.OpenStore(ctx, idsName)
	if err != nil {
		return err
	}
	metaInfo, err := db.OpenStore(ctx, metaName)
	if err != nil {
		return err
	}

	tx := db.BeginTransaction(types.TransactionOptions{Mode: types.TxModeWrite})
	s, err := Open(ctx, tx, postingsInfo, idsInfo, metaInfo, cfg)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	items, err := s.postings.GetItems(ctx, types.PagingInfo{
		PageSize:   int(s.postings.Count()),
		FetchCount: int(s.postings.Count()),
		Direction:  types.PagingForward,
	})
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	records := make([]record, 0, len(items))
	for _, it := range items {
		var rec record
		if err := json.Unmarshal(it.Value, &rec); err != nil {
			_ = tx.Rollback(ctx)
			return sopErrors.Wrap(sopErrors.ErrDataLoss, "vectorstore.Optimize", sopErrors.WithCause(err))
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return tx.Rollback(ctx)
	}

	vectors := make([][]float64, len(records))
	for i, rec := range records {
		vectors[i] = rec.Vector
	}
	centroids := trainCentroids(vectors, s.cfg.NumCentroids, 50)

	keys := make([][]byte, len(records))
	for i, it := range items {
		keys[i] = it.Key
	}
	if _, err := s.postings.Remove(ctx, keys); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	cs := centroidSet{Vectors: centroids}
	for i := range records {
		records[i].CentroidID = s.assign(cs, records[i].Vector)
	}

	postingItems := make([]types.Item, len(records))
	idItems := make([]types.Item, len(records))
	for i, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			_ = tx.Rollback(ctx)
			return sopErrors.Wrap(sopErrors.ErrInternal, "vectorstore.Optimize", sopErrors.WithCause(err))
		}
		postingItems[i] = types.Item{Key: postingsKey(rec.CentroidID, rec.ID), Value: raw, ItemUUID: rec.ID}

		idRaw, err := json.Marshal(idEntry{CentroidID: rec.CentroidID})
		if err != nil {
			_ = tx.Rollback(ctx)
			return sopErrors.Wrap(sopErrors.ErrInternal, "vectorstore.Optimize", sopErrors.WithCause(err))
		}
		idItems[i] = types.Item{Key: []byte(rec.ID), Value: idRaw, ItemUUID: rec.ID}
	}
	if err := s.postings.Add(ctx, postingItems); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := s.ids.Upsert(ctx, idItems); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	csRaw, err := json.Marshal(cs)
	if err != nil {
		_ = tx.Rollback(ctx)
		return sopErrors.Wrap(sopErrors.ErrInternal, "vectorstore.Optimize", sopErrors.WithCause(err))
	}
	if err := s.meta.Upsert(ctx, []types.Item{{Key: []byte(metaKey), Value: csRaw, ItemUUID: metaKey}}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	return tx.Commit(ctx)
}
