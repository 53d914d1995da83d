// Package vectorstore implements the ANN vector store supplemented
// from original_source's sop/ai/vector.py: approximate nearest-
// neighbor search over coarse-quantization centroids, built entirely
// on top of the B-tree (C4) and sharing the owning transaction like
// any other store (spec §1).
package vectorstore

import (
	"context"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/btree"
	"github.com/sopdb/sop/pkg/txn"
	"github.com/sopdb/sop/pkg/types"
)

// Metric selects how Search scores a query vector against a stored
// one. Lower is closer for MetricEuclidean, higher is closer for
// MetricCosine.
type Metric string

const (
	MetricEuclidean Metric = "euclidean"
	MetricCosine    Metric = "cosine"
)

// Config is a vector store's structural configuration: embedding
// dimensionality, how many coarse-quantization centroids to train,
// and how many of the nearest centroids' posting lists Search scans.
type Config struct {
	Dimensions   int
	NumCentroids int
	NProbe       int
	Metric       Metric
}

func (c Config) withDefaults() Config {
	if c.NumCentroids <= 0 {
		c.NumCentroids = 1
	}
	if c.NProbe <= 0 || c.NProbe > c.NumCentroids {
		c.NProbe = c.NumCentroids
	}
	if c.Metric == "" {
		c.Metric = MetricEuclidean
	}
	return c
}

// Item is one vector record: a stable id, its embedding, and opaque
// metadata carried alongside it.
type Item struct {
	ID      string
	Vector  []float64
	Payload map[string]any
}

// Hit is one Search result.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// record is the posting-list store's persisted value: the item plus
// the centroid it was last assigned to.
type record struct {
	ID         string
	Vector     []float64
	Payload    map[string]any
	CentroidID uint32
}

// idEntry is the by-id store's persisted value, letting Get/Delete/
// Upsert find a record's posting-list partition without a full scan.
type idEntry struct {
	CentroidID uint32
}

// centroidSet is the meta store's single persisted row: the trained
// centroids that Add/Search partition against.
type centroidSet struct {
	Vectors [][]float64
}

const metaKey = "centroids"

// Names returns the three backing store names this vector store needs
// (spec §3 supplement): a posting-list store keyed by (centroid_id,
// item_id), a by-id index, and a single-row centroid metadata store.
// Callers create all three with catalog.Database.NewStore before
// calling Open.
func Names(storeName string) (postings, ids, meta string) {
	return storeName + "__postings", storeName + "__ids", storeName + "__meta"
}

// PostingsIndexSpec is the composite key spec new_store must be given
// for the postings store: centroid_id partitions the posting lists,
// item_id orders within a partition.
func PostingsIndexSpec() []types.IndexField {
	return []types.IndexField{
		{FieldName: "centroid_id", Ascending: true},
		{FieldName: "item_id", Ascending: true},
	}
}

// Store is one vector store's three backing B-trees, scoped to the
// caller's already-open transaction.
type Store struct {
	cfg      Config
	postings *btree.Tree
	ids      *btree.Tree
	meta     *btree.Tree
}

// Open binds a Store to the caller's transaction via the three
// StoreInfo handles Names named. cfg.Dimensions/NumCentroids/NProbe
// are store-level configuration, not persisted by this package
// (callers that need them stable across process restarts should keep
// them alongside the owning catalog entry's Description or similar).
func Open(ctx context.Context, tx *txn.Transaction, postingsInfo, idsInfo, metaInfo *types.StoreInfo, cfg Config) (*Store, error) {
	postings, err := tx.OpenStore(ctx, postingsInfo)
	if err != nil {
		return nil, err
	}
	ids, err := tx.OpenStore(ctx, idsInfo)
	if err != nil {
		return nil, err
	}
	meta, err := tx.OpenStore(ctx, metaInfo)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg.withDefaults(), postings: postings, ids: ids, meta: meta}, nil
}

// Count returns the number of vectors currently stored.
func (s *Store) Count() int64 { return s.ids.Count() }

func (s *Store) loadCentroids(ctx context.Context) (centroidSet, error) {
	cur, found, err := s.meta.Find(ctx, []byte(metaKey))
	if err != nil {
		return centroidSet{}, err
	}
	if !found {
		return centroidSet{}, nil
	}
	raw, err := cur.Value(ctx)
	if err != nil {
		return centroidSet{}, err
	}
	var cs centroidSet
	if err := decodeJSON(raw, &cs); err != nil {
		return centroidSet{}, sopErrors.Wrap(sopErrors.ErrDataLoss, "vectorstore.Store.loadCentroids", sopErrors.WithCause(err))
	}
	return cs, nil
}

// assign returns the id of the centroid nearest v, or 0 when no
// centroids have been trained yet (every vector lands in partition 0
// until the first Optimize call).
func (s *Store) assign(cs centroidSet, v []float64) uint32 {
	if len(cs.Vectors) == 0 {
		return 0
	}
	best, bestDist := 0, distance(s.cfg.Metric, v, cs.Vectors[0])
	for i := 1; i < len(cs.Vectors); i++ {
		d := distance(s.cfg.Metric, v, cs.Vectors[i])
		if better(s.cfg.Metric, d, bestDist) {
			best, bestDist = i, d
		}
	}
	return uint32(best)
}

// better reports whether candidate ranks closer than current under
// metric: smaller wins for Euclidean, larger wins for cosine
// similarity.
func better(metric Metric, candidate, current float64) bool {
	if metric == MetricCosine {
		return candidate > current
	}
	return candidate < current
}
