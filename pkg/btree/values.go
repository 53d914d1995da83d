package btree

import (
	"context"
	"time"

	"github.com/google/uuid"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/cache"
	"github.com/sopdb/sop/pkg/blobstore"
	"github.com/sopdb/sop/pkg/types"
)

// BlobValueRepository is the production ValueRepository: separate_cached
// values round-trip through C3's value_blob class in addition to C1,
// separate_persisted values go straight to C1 (spec §4.4 "written
// actively during the operation rather than deferred to commit").
type BlobValueRepository struct {
	blobs     blobstore.Store
	cache     cache.Cache
	storeName string
	cacheTTL  time.Duration
}

func NewBlobValueRepository(blobs blobstore.Store, c cache.Cache, storeName string, cacheTTL time.Duration) *BlobValueRepository {
	return &BlobValueRepository{blobs: blobs, cache: c, storeName: storeName, cacheTTL: cacheTTL}
}

func (v *BlobValueRepository) segmentID(itemUUID string) string {
	return v.storeName + "/values/" + itemUUID
}

func (v *BlobValueRepository) Store(ctx context.Context, placement types.ValuePlacement, itemUUID string, value []byte) ([]byte, *types.Handle, error) {
	if placement == types.ValuePlacementInNode {
		return value, nil, nil
	}
	segID := v.segmentID(itemUUID)
	if err := v.blobs.Write(ctx, segID, value); err != nil {
		return nil, nil, sopErrors.Wrap(sopErrors.ErrIoError, "btree.BlobValueRepository.Store", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(itemUUID))
	}
	handle := &types.Handle{LogicalID: itemUUID, PhysicalSegmentID: segID, Version: 1}
	if placement == types.ValuePlacementSeparateCached {
		_ = v.cache.Put(ctx, cache.ClassValueBlob, itemUUID, cache.Entry{Value: value, Version: 1}, v.cacheTTL)
	}
	return nil, handle, nil
}

func (v *BlobValueRepository) Load(ctx context.Context, placement types.ValuePlacement, slot types.Slot) ([]byte, error) {
	if placement == types.ValuePlacementInNode {
		return slot.ValueInline, nil
	}
	if slot.ValueHandle == nil {
		return nil, sopErrors.Wrap(sopErrors.ErrInvalidState, "btree.BlobValueRepository.Load", sopErrors.WithLogicalIDs(slot.ItemUUID))
	}
	if placement == types.ValuePlacementSeparateCached {
		if entry, ok := v.cache.Get(ctx, cache.ClassValueBlob, slot.ItemUUID); ok {
			return entry.Value, nil
		}
	}
	value, err := v.blobs.Read(ctx, slot.ValueHandle.PhysicalSegmentID)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "btree.BlobValueRepository.Load", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(slot.ItemUUID))
	}
	if placement == types.ValuePlacementSeparateCached {
		_ = v.cache.Put(ctx, cache.ClassValueBlob, slot.ItemUUID, cache.Entry{Value: value, Version: 1}, v.cacheTTL)
	}
	return value, nil
}

func (v *BlobValueRepository) Discard(ctx context.Context, placement types.ValuePlacement, slot types.Slot) error {
	if placement == types.ValuePlacementInNode || slot.ValueHandle == nil {
		return nil
	}
	if placement == types.ValuePlacementSeparateCached {
		_ = v.cache.Invalidate(ctx, cache.ClassValueBlob, slot.ItemUUID)
	}
	if err := v.blobs.Delete(ctx, slot.ValueHandle.PhysicalSegmentID); err != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "btree.BlobValueRepository.Discard", sopErrors.WithCause(err), sopErrors.WithLogicalIDs(slot.ItemUUID))
	}
	return nil
}

// newItemUUID centralizes uuid generation so every insertion path
// (Add/AddIfNotExists/Upsert) produces ids the same way.
func newItemUUID() string { return uuid.NewString() }
