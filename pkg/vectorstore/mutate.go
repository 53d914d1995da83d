package vectorstore

import (
	"context"
	"encoding/binary"
	"encoding/json"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/keyspec"
	"github.com/sopdb/sop/pkg/types"
)

func decodeJSON(raw []byte, v any) error { return json.Unmarshal(raw, v) }

func postingsKey(centroidID uint32, itemID string) []byte {
	var centroidBytes [4]byte
	binary.BigEndian.PutUint32(centroidBytes[:], centroidID)
	return keyspec.EncodeCompositeKey(PostingsIndexSpec(), keyspec.CompositeKey{
		{FieldName: "centroid_id", Encoded: centroidBytes[:]},
		{FieldName: "item_id", Encoded: []byte(itemID)},
	})
}

// Add inserts item, assigning it to the nearest trained centroid (or
// partition 0 if Optimize has never run). Fails if item.ID
// already exists; use Upsert to replace.
func (s *Store) Add(ctx context.Context, item Item) error {
	if _, found, err := s.lookupID(ctx, item.ID); err != nil {
		return err
	} else if found {
		return sopErrors.Wrap(sopErrors.ErrDuplicate, "vectorstore.Store.Add", sopErrors.WithLogicalIDs(item.ID))
	}
	return s.put(ctx, item)
}

// Upsert inserts item or replaces the existing record for item.ID,
// removing it from its previous centroid's posting list first if the
// assignment changed.
func (s *Store) Upsert(ctx context.Context, item Item) error {
	if existing, found, err := s.lookupID(ctx, item.ID); err != nil {
		return err
	} else if found {
		if _, err := s.postings.Remove(ctx, [][]byte{postingsKey(existing.CentroidID, item.ID)}); err != nil {
			return err
		}
	}
	return s.put(ctx, item)
}

func (s *Store) put(ctx context.Context, item Item) error {
	cs, err := s.loadCentroids(ctx)
	if err != nil {
		return err
	}
	centroidID := s.assign(cs, item.Vector)

	rec := record{ID: item.ID, Vector: item.Vector, Payload: item.Payload, CentroidID: centroidID}
	raw, err := json.Marshal(rec)
	if err != nil {
		return sopErrors.Wrap(sopErrors.ErrInternal, "vectorstore.Store.put", sopErrors.WithCause(err))
	}
	if err := s.postings.Upsert(ctx, []types.Item{{Key: postingsKey(centroidID, item.ID), Value: raw, ItemUUID: item.ID}}); err != nil {
		return err
	}

	idRaw, err := json.Marshal(idEntry{CentroidID: centroidID})
	if err != nil {
		return sopErrors.Wrap(sopErrors.ErrInternal, "vectorstore.Store.put", sopErrors.WithCause(err))
	}
	return s.ids.Upsert(ctx, []types.Item{{Key: []byte(item.ID), Value: idRaw, ItemUUID: item.ID}})
}

// Get returns the record stored for id.
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	existing, found, err := s.lookupID(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if !found {
		return Item{}, sopErrors.Wrap(sopErrors.ErrNotFound, "vectorstore.Store.Get", sopErrors.WithLogicalIDs(id))
	}
	cur, postingFound, err := s.postings.Find(ctx, postingsKey(existing.CentroidID, id))
	if err != nil {
		return Item{}, err
	}
	if !postingFound {
		return Item{}, sopErrors.Wrap(sopErrors.ErrDataLoss, "vectorstore.Store.Get", sopErrors.WithLogicalIDs(id))
	}
	raw, err := cur.Value(ctx)
	if err != nil {
		return Item{}, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Item{}, sopErrors.Wrap(sopErrors.ErrDataLoss, "vectorstore.Store.Get", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(id))
	}
	return Item{ID: rec.ID, Vector: rec.Vector, Payload: rec.Payload}, nil
}

// Delete removes id's record, a no-op error if it does not exist.
func (s *Store) Delete(ctx context.Context, id string) error {
	existing, found, err := s.lookupID(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return sopErrors.Wrap(sopErrors.ErrNotFound, "vectorstore.Store.Delete", sopErrors.WithLogicalIDs(id))
	}
	if _, err := s.postings.Remove(ctx, [][]byte{postingsKey(existing.CentroidID, id)}); err != nil {
		return err
	}
	_, err = s.ids.Remove(ctx, [][]byte{[]byte(id)})
	return err
}

func (s *Store) lookupID(ctx context.Context, id string) (idEntry, bool, error) {
	cur, found, err := s.ids.Find(ctx, []byte(id))
	if err != nil || !found {
		return idEntry{}, false, err
	}
	raw, err := cur.Value(ctx)
	if err != nil {
		return idEntry{}, false, err
	}
	var e idEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return idEntry{}, false, sopErrors.Wrap(sopErrors.ErrDataLoss, "vectorstore.Store.lookupID", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(id))
	}
	return e, true, nil
}
