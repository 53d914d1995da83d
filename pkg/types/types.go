// Package types defines the core data structures shared across the SOP
// engine: store metadata, B-tree nodes, handles, items, transaction state,
// and erasure-coding configuration. These are the structs every other
// package (btree, txn, registry, blobstore, catalog) builds on.
package types

import "time"

// ValuePlacement controls where a slot's value bytes live.
type ValuePlacement string

const (
	// ValuePlacementInNode stores the value inline inside the node; the
	// cache class for this value is "node".
	ValuePlacementInNode ValuePlacement = "in_node"

	// ValuePlacementSeparateCached stores the value in its own blob,
	// cached globally under the "value_blob" class.
	ValuePlacementSeparateCached ValuePlacement = "separate_cached"

	// ValuePlacementSeparatePersisted stores the value in its own blob,
	// written actively during the operation rather than deferred to
	// commit; not globally cached.
	ValuePlacementSeparatePersisted ValuePlacement = "separate_persisted"
)

// KeyKind selects how a store's key comparator is derived.
type KeyKind string

const (
	KeyKindPrimitive KeyKind = "primitive"
	KeyKindComposite KeyKind = "composite"
)

// IndexField is one entry of an IndexSpec: a field name plus direction.
type IndexField struct {
	FieldName string
	Ascending bool
}

// CacheDuration is a per-class cache policy: a TTL, or permanent when
// IsTTL is false.
type CacheDuration struct {
	Duration time.Duration
	IsTTL    bool
}

// CacheConfig holds the per-object-class cache policy a store was
// created with.
type CacheConfig struct {
	Registry  CacheDuration
	Node      CacheDuration
	StoreInfo CacheDuration
	ValueData CacheDuration
}

// StoreInfo is the persisted record describing one store's identity,
// comparator configuration, structural parameters, cache policy, and
// running counters (spec §3).
type StoreInfo struct {
	DatabaseID string
	StoreName  string
	StoreUUID  string

	KeyKind       KeyKind
	IndexSpec     []IndexField
	CELExpression string

	SlotLength        int
	IsUnique          bool
	ValuePlacement    ValuePlacement
	LeafLoadBalancing bool
	Description       string

	Cache CacheConfig

	ItemCount      int64
	RootNodeHandle string
	Version        int64
}

// Slot is one record inside a Node: a key, either an inline value or a
// handle to a separately-stored value, a stable item id, and the
// version it was last written at.
type Slot struct {
	Key          []byte
	ValueInline  []byte
	ValueHandle  *Handle
	ItemUUID     string
	Version      int64
}

// Node is one B-tree page: up to StoreInfo.SlotLength slots, child
// handles when it is an interior node, and leaf next/prev links when
// it is a leaf (spec §3).
type Node struct {
	NodeID   string
	IsLeaf   bool
	Slots    []Slot
	Children []string // logical_id of each child, len(Children) == len(Slots)+1 for interior nodes

	LeafNext string
	LeafPrev string

	Version int64
}

// Handle identifies a logical node's current physical location: the
// registry maps LogicalID to (PhysicalSegmentID, Version).
type Handle struct {
	LogicalID        string
	PhysicalSegmentID string
	Version           int64
}

// Item is the caller-facing (key, value, item_uuid) triple; ItemUUID
// stays stable across updates so duplicate keys in a non-unique store
// can be disambiguated.
type Item struct {
	Key      []byte
	Value    []byte
	ItemUUID string
}

// TxMode selects how much validation a transaction performs at commit.
type TxMode string

const (
	// TxModeNoCheck skips validation entirely: fire-and-forget, max
	// throughput, no conflict detection.
	TxModeNoCheck TxMode = "no_check"

	// TxModeWrite runs the full optimistic MVCC commit pipeline.
	TxModeWrite TxMode = "write"

	// TxModeRead validates the read-set's versions at commit time to
	// guarantee snapshot consistency, without publishing any writes.
	TxModeRead TxMode = "read"
)

// ReadEntry records a registry lookup made during a transaction: the
// logical id and the version observed, used to validate the read-set
// at commit.
type ReadEntry struct {
	LogicalID string
	Version   int64
}

// WriteEntry stages a new node version produced by a mutation, pending
// publication at commit.
type WriteEntry struct {
	LogicalID         string
	OldVersion        int64
	NewVersion        int64
	PhysicalSegmentID string
	Node              *Node
}

// Transaction tracks one logical unit of work: its mode, deadline, and
// the read/write/new/delete sets accumulated as operations run (spec
// §3, §4.6).
type Transaction struct {
	TxUUID    string
	Mode      TxMode
	StartTime time.Time
	Deadline  time.Time

	ReadSet   []ReadEntry
	WriteSet  []WriteEntry
	NewSet    []WriteEntry
	DeleteSet []string

	LocksHeld []string
}

// ErasureGroup is a Reed-Solomon configuration applied to blobs whose
// segment id matches a store-name pattern (spec §4.1, §6).
type ErasureGroup struct {
	Pattern     string
	DataShards  int
	ParityShards int
	DrivePaths  []string
	AutoRepair  bool
}

// DatabaseOptions is the persisted configuration at dboptions.json
// (spec §6).
type DatabaseOptions struct {
	Type            DeploymentType
	StoresFolders   []string
	Keyspace        string
	RegistryHosts   []string // clustered-mode Cassandra contact points; unused standalone
	RedisURL        string
	ErasureConfig   map[string]ErasureGroup
	RegistryHashMod int

	// RegistryBackend selects which registry implementation clustered
	// mode uses: RegistryBackendCassandra (default, needs RegistryHosts
	// + Keyspace) or RegistryBackendRaft (embedded quorum, needs
	// RaftNodeID/RaftBindAddr/RaftBootstrap). Ignored in standalone mode.
	RegistryBackend RegistryBackend
	RaftNodeID      string
	RaftBindAddr    string
	RaftBootstrap   bool
}

// DeploymentType selects Standalone (local files) or Clustered
// (external registry + distributed cache) deployment.
type DeploymentType string

const (
	DeploymentStandalone DeploymentType = "standalone"
	DeploymentClustered  DeploymentType = "clustered"
)

// RegistryBackend selects which registry implementation backs
// clustered mode.
type RegistryBackend string

const (
	RegistryBackendCassandra RegistryBackend = "cassandra"
	RegistryBackendRaft      RegistryBackend = "raft"
)

// StoreOptions is the caller-facing configuration for new_store (spec
// §6); the three is_value_data_* flags collapse to one ValuePlacement.
type StoreOptions struct {
	SlotLength                   int
	IsUnique                     bool
	Description                  string
	IsValueDataInNodeSegment     bool
	IsValueDataActivelyPersisted bool
	IsValueDataGloballyCached    bool
	CELExpression                string
	Cache                        CacheConfig
}

// ResolvePlacement collapses the three boolean flags into the single
// ValuePlacement enum the engine operates on.
func (o StoreOptions) ResolvePlacement() ValuePlacement {
	if o.IsValueDataInNodeSegment {
		return ValuePlacementInNode
	}
	if o.IsValueDataActivelyPersisted {
		return ValuePlacementSeparatePersisted
	}
	return ValuePlacementSeparateCached
}

// TransactionOptions is the caller-facing configuration for
// begin_transaction (spec §6).
type TransactionOptions struct {
	Mode    TxMode
	MaxTime time.Duration
}

// PagingDirection selects which way a page walk moves from its cursor.
type PagingDirection string

const (
	PagingForward  PagingDirection = "forward"
	PagingBackward PagingDirection = "backward"
)

// PagingInfo describes one page request over an ordered traversal
// (spec §4.4): walk PageOffset pages of PageSize from the cursor in
// Direction, then return min(PageSize, FetchCount) items.
type PagingInfo struct {
	PageOffset int
	PageSize   int
	FetchCount int
	Direction  PagingDirection
}
