// Package modelstore implements the versioned model-blob store
// supplemented from original_source's sop/ai/model.py: opaque model
// artifacts (weights, hyperparameters, metrics) keyed by category +
// name + version, built directly on the B-tree with
// separate_persisted placement (spec §3 supplement) — no storage
// mechanism of its own, just a typed facade over C4.
package modelstore

import (
	"bytes"
	"context"
	"encoding/json"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/btree"
	"github.com/sopdb/sop/pkg/keyspec"
	"github.com/sopdb/sop/pkg/txn"
	"github.com/sopdb/sop/pkg/types"
)

// Model is one versioned model artifact: a training algorithm label,
// its hyperparameters, its trained parameters, evaluation metrics, and
// whether it is the category's currently active version.
type Model struct {
	Category        string
	Name            string
	Version         int
	Algorithm       string
	Hyperparameters map[string]any
	Parameters      []float64
	Metrics         map[string]float64
	IsActive        bool
}

var indexSpec = []types.IndexField{
	{FieldName: "category", Ascending: true},
	{FieldName: "name", Ascending: true},
	{FieldName: "version", Ascending: true},
}

// IndexSpec is the composite key spec new_store must be given for a
// model store (category, then name, then version).
func IndexSpec() []types.IndexField { return indexSpec }

func encodeKey(category, name string, version int) []byte {
	var versionBytes [4]byte
	putUint32(versionBytes[:], uint32(version))
	return keyspec.EncodeCompositeKey(indexSpec, keyspec.CompositeKey{
		{FieldName: "category", Encoded: []byte(category)},
		{FieldName: "name", Encoded: []byte(name)},
		{FieldName: "version", Encoded: versionBytes[:]},
	})
}

// categoryPrefix is the leading bytes every key under category shares,
// used by List to filter a full-tree scan down to one category.
func categoryPrefix(category string) []byte {
	return keyspec.EncodeCompositeKey(indexSpec[:1], keyspec.CompositeKey{
		{FieldName: "category", Encoded: []byte(category)},
	})
}

func putUint32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

// Store is one model store's backing B-tree, scoped to the caller's
// already-open transaction.
type Store struct {
	tree *btree.Tree
}

func Open(ctx context.Context, tx *txn.Transaction, info *types.StoreInfo) (*Store, error) {
	tree, err := tx.OpenStore(ctx, info)
	if err != nil {
		return nil, err
	}
	return &Store{tree: tree}, nil
}

// Save writes model at its (Category, Name, Version), replacing any
// prior save at the same coordinates.
func (s *Store) Save(ctx context.Context, model Model) error {
	raw, err := json.Marshal(model)
	if err != nil {
		return sopErrors.Wrap(sopErrors.ErrInternal, "modelstore.Store.Save", sopErrors.WithCause(err))
	}
	key := encodeKey(model.Category, model.Name, model.Version)
	return s.tree.Upsert(ctx, []types.Item{{Key: key, Value: raw, ItemUUID: string(key)}})
}

// Load returns the model saved at (category, name, version).
func (s *Store) Load(ctx context.Context, category, name string, version int) (Model, error) {
	key := encodeKey(category, name, version)
	cur, found, err := s.tree.Find(ctx, key)
	if err != nil {
		return Model{}, err
	}
	if !found {
		return Model{}, sopErrors.Wrap(sopErrors.ErrNotFound, "modelstore.Store.Load", sopErrors.WithLogicalIDs(category, name))
	}
	raw, err := cur.Value(ctx)
	if err != nil {
		return Model{}, err
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return Model{}, sopErrors.Wrap(sopErrors.ErrDataLoss, "modelstore.Store.Load", sopErrors.WithCause(err))
	}
	return m, nil
}

// Delete removes the model saved at (category, name, version).
func (s *Store) Delete(ctx context.Context, category, name string, version int) error {
	key := encodeKey(category, name, version)
	ok, err := s.tree.Remove(ctx, [][]byte{key})
	if err != nil {
		return err
	}
	if !ok {
		return sopErrors.Wrap(sopErrors.ErrNotFound, "modelstore.Store.Delete", sopErrors.WithLogicalIDs(category, name))
	}
	return nil
}

// List returns every model saved under category, in (name, version)
// order.
func (s *Store) List(ctx context.Context, category string) ([]Model, error) {
	items, err := s.tree.GetItems(ctx, types.PagingInfo{
		PageSize:   int(s.tree.Count()),
		FetchCount: int(s.tree.Count()),
		Direction:  types.PagingForward,
	})
	if err != nil {
		return nil, err
	}
	prefix := categoryPrefix(category)
	out := make([]Model, 0, len(items))
	for _, it := range items {
		if !bytes.HasPrefix(it.Key, prefix) {
			continue
		}
		var m Model
		if err := json.Unmarshal(it.Value, &m); err != nil {
			return nil, sopErrors.Wrap(sopErrors.ErrDataLoss, "modelstore.Store.List", sopErrors.WithCause(err))
		}
		out = append(out, m)
	}
	return out, nil
}
