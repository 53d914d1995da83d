// Package txn implements C6: the optimistic MVCC transaction manager
// that drives a commit through freeze/lock/validate/write/publish/
// invalidate (spec §4.6), handing out btree.Tree handles backed by
// C1/C2/C3 for the duration of one transaction.
package txn

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sopdb/sop/pkg/blobstore"
	"github.com/sopdb/sop/pkg/cache"
	"github.com/sopdb/sop/pkg/registry"
	"github.com/sopdb/sop/pkg/types"
)

// defaultMaxTime is used when TransactionOptions.MaxTime is zero.
const defaultMaxTime = 5 * time.Minute

// Manager is the process-wide entry point a catalog (C7) uses to begin
// transactions against a database's registry, cache, and blob store.
type Manager struct {
	registry registry.Registry
	cache    cache.Cache
	blobs    blobstore.Store
	locks    LockCoordinator

	activeMu sync.Mutex
	active   map[string]int // storeUUID -> count of transactions currently holding it open
}

func NewManager(reg registry.Registry, c cache.Cache, blobs blobstore.Store, locks LockCoordinator) *Manager {
	return &Manager{registry: reg, cache: c, blobs: blobs, locks: locks, active: make(map[string]int)}
}

// ActiveReferences reports how many open (uncommitted/unrolled-back)
// transactions currently hold storeUUID open; the catalog's
// remove_store refuses while this is non-zero (spec §4.7).
func (m *Manager) ActiveReferences(storeUUID string) int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return m.active[storeUUID]
}

func (m *Manager) trackOpen(storeUUID string) {
	m.activeMu.Lock()
	m.active[storeUUID]++
	m.activeMu.Unlock()
}

func (m *Manager) trackClose(storeUUID string) {
	m.activeMu.Lock()
	if m.active[storeUUID] > 0 {
		m.active[storeUUID]--
		if m.active[storeUUID] == 0 {
			delete(m.active, storeUUID)
		}
	}
	m.activeMu.Unlock()
}

// Begin stamps a new transaction's identity and deadline (spec §4.6
// step 1); no locks or registry reads happen until a store is opened
// and operated on.
func (m *Manager) Begin(opts types.TransactionOptions) *Transaction {
	maxTime := opts.MaxTime
	if maxTime <= 0 {
		maxTime = defaultMaxTime
	}
	now := time.Now()
	mode := opts.Mode
	if mode == "" {
		mode = types.TxModeWrite
	}
	return &Transaction{
		mgr: m,
		core: types.Transaction{
			TxUUID:    uuid.NewString(),
			Mode:      mode,
			StartTime: now,
			Deadline:  now.Add(maxTime),
		},
		stores: make(map[string]*storeState),
	}
}
