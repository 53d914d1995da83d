package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTieredCache_L1Only_PutGetInvalidate(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Put(ctx, ClassNode, "n1", Entry{Value: []byte("payload"), Version: 1}, 0))

	entry, ok := c.Get(ctx, ClassNode, "n1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), entry.Value)
	assert.EqualValues(t, 1, entry.Version)

	require.NoError(t, c.Invalidate(ctx, ClassNode, "n1"))
	_, ok = c.Get(ctx, ClassNode, "n1")
	assert.False(t, ok)
}

func TestTieredCache_TTLExpiry(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Put(ctx, ClassValueBlob, "v1", Entry{Value: []byte("x")}, 10*time.Millisecond))

	time.Sleep(25 * time.Millisecond)
	_, ok := c.Get(ctx, ClassValueBlob, "v1")
	assert.False(t, ok, "entry should have expired")
}

func TestTieredCache_ClassIsolation(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Put(ctx, ClassNode, "shared-key", Entry{Value: []byte("node-value")}, 0))
	require.NoError(t, c.Put(ctx, ClassStoreInfo, "shared-key", Entry{Value: []byte("store-value")}, 0))

	nodeEntry, ok := c.Get(ctx, ClassNode, "shared-key")
	require.True(t, ok)
	assert.Equal(t, []byte("node-value"), nodeEntry.Value)

	storeEntry, ok := c.Get(ctx, ClassStoreInfo, "shared-key")
	require.True(t, ok)
	assert.Equal(t, []byte("store-value"), storeEntry.Value)
}
