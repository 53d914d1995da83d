package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sopdb/sop/pkg/types"
)

func TestReplicaStore_WriteReadDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewReplicaStore([]string{dir})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "seg-1", []byte("hello")))

	data, err := s.Read(ctx, "seg-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, s.Delete(ctx, "seg-1"))
	_, err = s.Read(ctx, "seg-1")
	assert.Error(t, err)
}

func TestReplicaStore_PassiveFallback(t *testing.T) {
	active := t.TempDir()
	passive := t.TempDir()
	s, err := NewReplicaStore([]string{active, passive})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "seg-2", []byte("world")))

	require.NoError(t, os.Remove(segmentPath(active, "seg-2")))

	data, err := s.Read(ctx, "seg-2")
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), data)
}

func TestErasureStore_ReconstructFromMissingShard(t *testing.T) {
	dirs := make([]string, 4)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}
	group := types.ErasureGroup{
		DataShards:   2,
		ParityShards: 2,
		DrivePaths:   dirs,
		AutoRepair:   false,
	}
	s, err := NewErasureStore(group)
	require.NoError(t, err)

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "big-val", payload))

	shardFile := filepath.Join(dirs[0], "big-val.shard")
	require.NoError(t, os.Remove(shardFile))

	got, err := s.Read(ctx, "big-val")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestErasureStore_AutoRepairSchedulesRewrite(t *testing.T) {
	dirs := make([]string, 4)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}
	group := types.ErasureGroup{DataShards: 2, ParityShards: 2, DrivePaths: dirs, AutoRepair: true}
	s, err := NewErasureStore(group)
	require.NoError(t, err)

	sched := NewRepairScheduler()
	s.SetRepairScheduler(sched.ForStore(s))

	payload := []byte("a reasonably sized payload for sharding across four drives")
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "seg-3", payload))
	require.NoError(t, os.Remove(filepath.Join(dirs[1], "seg-3.shard")))

	got, err := s.Read(ctx, "seg-3")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	sched.drain()
	_, err = os.Stat(filepath.Join(dirs[1], "seg-3.shard"))
	assert.NoError(t, err, "auto_repair should have rewritten the missing shard")
}

func TestErasureStore_TooFewShardsIsDataLoss(t *testing.T) {
	dirs := make([]string, 4)
	for i := range dirs {
		dirs[i] = t.TempDir()
	}
	group := types.ErasureGroup{DataShards: 2, ParityShards: 2, DrivePaths: dirs}
	s, err := NewErasureStore(group)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "seg-4", []byte("some data that spans shards")))

	require.NoError(t, os.Remove(filepath.Join(dirs[0], "seg-4.shard")))
	require.NoError(t, os.Remove(filepath.Join(dirs[1], "seg-4.shard")))
	require.NoError(t, os.Remove(filepath.Join(dirs[2], "seg-4.shard")))

	_, err = s.Read(ctx, "seg-4")
	assert.Error(t, err)
}

func TestResolver_RoutesByPattern(t *testing.T) {
	defaultDir := t.TempDir()
	replica, err := NewReplicaStore([]string{defaultDir})
	require.NoError(t, err)

	ecDirs := make([]string, 4)
	for i := range ecDirs {
		ecDirs[i] = t.TempDir()
	}
	groups := map[string]types.ErasureGroup{
		"bigstore*": {DataShards: 2, ParityShards: 2, DrivePaths: ecDirs},
	}
	resolver, err := NewResolver(replica, groups, func(g types.ErasureGroup) (*ErasureStore, error) {
		return NewErasureStore(g)
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, resolver.Write(ctx, "bigstore:seg-1", []byte("erasure coded")))
	require.NoError(t, resolver.Write(ctx, "smallstore:seg-1", []byte("replicated")))

	got, err := resolver.Read(ctx, "bigstore:seg-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("erasure coded"), got)

	got, err = resolver.Read(ctx, "smallstore:seg-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("replicated"), got)
}
