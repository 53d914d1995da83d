// Package catalog implements C7: the database/store catalog. A
// Database owns the process-wide C1/C2/C3 handles and the C6
// transaction manager built on top of them, and persists its own
// configuration to dboptions.json. The catalog itself is a B-tree
// (store name -> store uuid) opened through the very same transaction
// manager it hands out to callers, so store lifecycle is transactional
// like everything else (spec §4.7).
package catalog

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/internal/obslog"
	"github.com/sopdb/sop/pkg/blobstore"
	"github.com/sopdb/sop/pkg/cache"
	"github.com/sopdb/sop/pkg/metrics"
	"github.com/sopdb/sop/pkg/registry"
	"github.com/sopdb/sop/pkg/txn"
	"github.com/sopdb/sop/pkg/types"
)

// catalogStoreUUID is the well-known logical id the catalog's own
// StoreInfo is published under. Bootstrapping resolves it directly
// against the registry rather than through the catalog tree itself,
// breaking the chicken-and-egg dependency a store-named-lookup would
// otherwise create (spec §9 "cyclic references").
const catalogStoreUUID = "00000000-0000-0000-0000-00000000cafe"

const catalogStoreName = "__catalog__"

const optionsFileName = "dboptions.json"

// Database is the process-wide handle a caller opens once and uses to
// create, open, and remove stores, and to begin transactions against
// any of them (spec §4.7 contract).
type Database struct {
	mu          sync.RWMutex
	optionsPath string
	options     types.DatabaseOptions
	databaseID  string

	registry registry.Registry
	cache    cache.Cache
	blobs    blobstore.Store
	locks    txn.LockCoordinator
	txns     *txn.Manager

	Tokens *UnlockTokenManager

	catalogInfo *types.StoreInfo

	stats *StatsCollector
}

// Setup persists options at path (inventing defaults such as the
// registry hash-mod bucket count), wires the backends the deployment
// type calls for, bootstraps the catalog store on first run, and
// returns the effective options (spec §4.7 `setup`).
func Setup(ctx context.Context, path string, options types.DatabaseOptions) (*Database, types.DatabaseOptions, error) {
	if options.Type == "" {
		options.Type = types.DeploymentStandalone
	}
	options.RegistryHashMod = registry.ConfigureHashMod(options.RegistryHashMod)
	if options.Type == types.DeploymentClustered && options.RedisURL == "" {
		return nil, types.DatabaseOptions{}, sopErrors.Wrap(sopErrors.ErrInvalidConfig, "catalog.Setup", sopErrors.WithCause(errRedisRequired))
	}
	if len(options.StoresFolders) == 0 {
		return nil, types.DatabaseOptions{}, sopErrors.Wrap(sopErrors.ErrInvalidConfig, "catalog.Setup", sopErrors.WithCause(errNoStoresFolder))
	}

	if err := persistOptions(path, options); err != nil {
		return nil, types.DatabaseOptions{}, err
	}

	db, err := open(ctx, path, options)
	if err != nil {
		return nil, types.DatabaseOptions{}, err
	}
	return db, options, nil
}

// GetOptions reads back the options persisted at path by a prior Setup
// (spec §4.7 `get_options`).
func GetOptions(path string) (types.DatabaseOptions, error) {
	raw, err := os.ReadFile(filepath.Join(path, optionsFileName))
	if err != nil {
		return types.DatabaseOptions{}, sopErrors.Wrap(sopErrors.ErrIoError, "catalog.GetOptions", sopErrors.WithCause(err))
	}
	var opts types.DatabaseOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return types.DatabaseOptions{}, sopErrors.Wrap(sopErrors.ErrDataLoss, "catalog.GetOptions", sopErrors.WithCause(err))
	}
	return opts, nil
}

// Open wires up a Database from options already persisted at path.
func Open(ctx context.Context, path string) (*Database, error) {
	opts, err := GetOptions(path)
	if err != nil {
		return nil, err
	}
	return open(ctx, path, opts)
}

func persistOptions(path string, options types.DatabaseOptions) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "catalog.persistOptions", sopErrors.WithCause(err))
	}
	raw, err := json.MarshalIndent(options, "", "  ")
	if err != nil {
		return sopErrors.Wrap(sopErrors.ErrInternal, "catalog.persistOptions", sopErrors.WithCause(err))
	}
	if err := os.WriteFile(filepath.Join(path, optionsFileName), raw, 0o644); err != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "catalog.persistOptions", sopErrors.WithCause(err))
	}
	return nil
}

func open(ctx context.Context, path string, options types.DatabaseOptions) (*Database, error) {
	db := &Database{
		optionsPath: path,
		options:     options,
		databaseID:  databaseID(options),
		Tokens:      NewUnlockTokenManager(),
	}

	if err := db.connectBackends(); err != nil {
		return nil, err
	}
	db.txns = txn.NewManager(db.registry, db.cache, db.blobs, db.locks)

	if err := db.bootstrapCatalog(ctx); err != nil {
		return nil, err
	}

	db.stats = NewStatsCollector(db)
	db.stats.Start()

	return db, nil
}

func databaseID(options types.DatabaseOptions) string {
	if options.Keyspace != "" {
		return options.Keyspace
	}
	return "standalone"
}

func (db *Database) connectBackends() error {
	erasureFor := func(g types.ErasureGroup) (*blobstore.ErasureStore, error) {
		return blobstore.NewErasureStore(g)
	}

	replica, err := blobstore.NewReplicaStore(db.options.StoresFolders)
	if err != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "catalog.Database.connectBackends", sopErrors.WithCause(err))
	}
	resolver, err := blobstore.NewResolver(replica, db.options.ErasureConfig, erasureFor)
	if err != nil {
		return sopErrors.Wrap(sopErrors.ErrInvalidConfig, "catalog.Database.connectBackends", sopErrors.WithCause(err))
	}
	db.blobs = resolver

	c, err := cache.New(cache.Config{RedisURL: db.options.RedisURL})
	if err != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "catalog.Database.connectBackends", sopErrors.WithCause(err))
	}
	db.cache = c

	switch db.options.Type {
	case types.DeploymentClustered:
		if db.options.RegistryBackend == types.RegistryBackendRaft {
			reg, err := registry.NewRaftRegistry(registry.RaftConfig{
				NodeID:    db.options.RaftNodeID,
				BindAddr:  db.options.RaftBindAddr,
				DataDir:   db.options.StoresFolders[0],
				Bootstrap: db.options.RaftBootstrap,
			})
			if err != nil {
				return sopErrors.Wrap(sopErrors.ErrIoError, "catalog.Database.connectBackends", sopErrors.WithCause(err))
			}
			db.registry = reg
		} else {
			reg, err := registry.NewCassandraRegistry(registry.CassandraConfig{
				Hosts:    db.options.RegistryHosts,
				Keyspace: db.options.Keyspace,
				Timeout:  10 * time.Second,
			})
			if err != nil {
				return sopErrors.Wrap(sopErrors.ErrIoError, "catalog.Database.connectBackends", sopErrors.WithCause(err))
			}
			db.registry = reg
		}

		redisOpts, err := redis.ParseURL(db.options.RedisURL)
		if err != nil {
			return sopErrors.Wrap(sopErrors.ErrInvalidConfig, "catalog.Database.connectBackends", sopErrors.WithCause(err))
		}
		lm := cache.NewLockManager(redis.NewClient(redisOpts), cache.DefaultLeaseConfig())
		db.locks = txn.NewRedisLockCoordinator(lm)
	default:
		reg, err := registry.NewBoltRegistry(db.options.StoresFolders[0])
		if err != nil {
			return sopErrors.Wrap(sopErrors.ErrIoError, "catalog.Database.connectBackends", sopErrors.WithCause(err))
		}
		db.registry = reg
		db.locks = txn.NewLocalLockCoordinator()
	}
	return nil
}

// bootstrapCatalog resolves the catalog's own StoreInfo from its
// well-known logical id, creating it on first run.
func (db *Database) bootstrapCatalog(ctx context.Context) error {
	entries, err := db.registry.Lookup(ctx, []string{catalogStoreUUID})
	if err != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "catalog.Database.bootstrapCatalog", sopErrors.WithCause(err))
	}
	if len(entries) > 0 {
		raw, err := db.blobs.Read(ctx, entries[0].PhysicalSegmentID)
		if err != nil {
			return sopErrors.Wrap(sopErrors.ErrIoError, "catalog.Database.bootstrapCatalog", sopErrors.WithCause(err))
		}
		var info types.StoreInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return sopErrors.Wrap(sopErrors.ErrDataLoss, "catalog.Database.bootstrapCatalog", sopErrors.WithCause(err))
		}
		db.catalogInfo = &info
		obslog.WithStoreName(catalogStoreName).Info().Msg("catalog store resolved")
		return nil
	}

	info := &types.StoreInfo{
		DatabaseID:     db.databaseID,
		StoreName:      catalogStoreName,
		StoreUUID:      catalogStoreUUID,
		KeyKind:        types.KeyKindPrimitive,
		SlotLength:     64,
		IsUnique:       true,
		ValuePlacement: types.ValuePlacementInNode,
	}
	tx := db.txns.Begin(types.TransactionOptions{Mode: types.TxModeWrite})
	if _, err := tx.CreateStore(ctx, info); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	db.catalogInfo = tx.StoreInfo(catalogStoreName)
	obslog.WithStoreName(catalogStoreName).Info().Msg("catalog store bootstrapped")
	return nil
}

// BeginTransaction starts a new Transaction against this database
// (spec §4.7 `begin_transaction`).
func (db *Database) BeginTransaction(opts types.TransactionOptions) *txn.Transaction {
	return db.txns.Begin(opts)
}

// Close releases every backend handle and stops the stats collector.
func (db *Database) Close() error {
	if db.stats != nil {
		db.stats.Stop()
	}
	var firstErr error
	if err := db.registry.Close(); err != nil {
		firstErr = err
	}
	if err := db.blobs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var (
	errRedisRequired  = stderrors.New("redis_config.url is required in clustered deployments")
	errNoStoresFolder = stderrors.New("stores_folders must name at least one folder")
)
