/*
Package types defines the data structures shared by every other package
in the engine: StoreInfo, Node, Handle, Item, Transaction, ErasureGroup,
and the options structs persisted at the external boundary.

# Core Types

Store metadata:
  - StoreInfo: identity, comparator configuration, structural
    parameters, cache policy, and counters for one store.
  - IndexField / CacheConfig: StoreInfo's composite-key and caching
    sub-structures.

B-tree:
  - Node: one page, its slots, and (for interior nodes) child handles.
  - Slot: one (key, value-or-handle, item_uuid, version) record.
  - Handle: the (logical_id, physical_segment_id, version) triple the
    registry maps.
  - Item: the caller-facing (key, value, item_uuid) triple.

Transactions:
  - Transaction: tx_uuid, mode, deadline, and the read/write/new/delete
    sets accumulated while operations run.
  - ReadEntry / WriteEntry: the two set-entry shapes.

Configuration:
  - DatabaseOptions / StoreOptions / TransactionOptions: the persisted
    and caller-facing configuration surfaces.
  - ErasureGroup: Reed-Solomon shard layout for a store-name pattern.

# Thread Safety

Types in this package carry no synchronization of their own: a Node or
Transaction is owned by the goroutine operating on it, and is never
shared across goroutines without the caller supplying its own locking.
Persisted records (StoreInfo, DatabaseOptions) are read-mostly and
safe to read concurrently once loaded.
*/
package types
