package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureHashMod(t *testing.T) {
	assert.Equal(t, 250, ConfigureHashMod(0))
	assert.Equal(t, 250, ConfigureHashMod(10))
	assert.Equal(t, 750000, ConfigureHashMod(1_000_000))
	assert.Equal(t, 1000, ConfigureHashMod(1000))
}

func TestBoltRegistry_LookupCASUpdate(t *testing.T) {
	dir := t.TempDir()
	r, err := NewBoltRegistry(dir)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()

	got, err := r.Lookup(ctx, []string{"node-1"})
	require.NoError(t, err)
	assert.Empty(t, got)

	err = r.CASUpdate(ctx, []CASRequest{
		{LogicalID: "node-1", ExpectedVersion: 0, NewPhysicalID: "seg-a", NewVersion: 1},
	})
	require.NoError(t, err)

	got, err = r.Lookup(ctx, []string{"node-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "seg-a", got[0].PhysicalSegmentID)
	assert.EqualValues(t, 1, got[0].Version)
}

func TestBoltRegistry_CASConflict(t *testing.T) {
	dir := t.TempDir()
	r, err := NewBoltRegistry(dir)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.CASUpdate(ctx, []CASRequest{
		{LogicalID: "node-1", ExpectedVersion: 0, NewPhysicalID: "seg-a", NewVersion: 1},
	}))

	err = r.CASUpdate(ctx, []CASRequest{
		{LogicalID: "node-1", ExpectedVersion: 0, NewPhysicalID: "seg-b", NewVersion: 2},
	})
	require.Error(t, err)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"node-1"}, conflict.LogicalIDs)

	got, err := r.Lookup(ctx, []string{"node-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "seg-a", got[0].PhysicalSegmentID, "conflicting CAS must not apply any entry")
}

func TestBoltRegistry_MultiEntryAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	r, err := NewBoltRegistry(dir)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	require.NoError(t, r.CASUpdate(ctx, []CASRequest{
		{LogicalID: "a", ExpectedVersion: 0, NewPhysicalID: "seg-a", NewVersion: 1},
	}))

	err = r.CASUpdate(ctx, []CASRequest{
		{LogicalID: "a", ExpectedVersion: 1, NewPhysicalID: "seg-a2", NewVersion: 2},
		{LogicalID: "b", ExpectedVersion: 99, NewPhysicalID: "seg-b", NewVersion: 1}, // stale
	})
	require.Error(t, err)

	got, err := r.Lookup(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 1, "b was never created so only a should resolve")
	assert.Equal(t, "seg-a", got[0].PhysicalSegmentID, "a must be unchanged since the batch failed atomically")
}
