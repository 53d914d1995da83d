package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// fsm applies committed CASUpdate commands to an in-memory map of
// entries, and snapshots/restores that map. Adapted from the cluster
// FSM's Apply/Snapshot/Restore triplet, re-purposed from cluster-
// resource CRUD commands to registry CAS commands.
type fsm struct {
	mu      sync.RWMutex
	entries map[string]record
}

func newFSM() *fsm {
	return &fsm{entries: make(map[string]record)}
}

// fsmCommand is the raft log payload: a batch of CAS requests applied
// atomically, mirroring cas_update's all-or-nothing semantics.
type fsmCommand struct {
	Requests []CASRequest `json:"requests"`
}

// fsmApplyResult is what Apply returns to the caller blocked on
// raft.Apply().Response().
type fsmApplyResult struct {
	Conflicted []string
	Err        error
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd fsmCommand
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fsmApplyResult{Err: fmt.Errorf("unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var conflicted []string
	for _, req := range cmd.Requests {
		current := f.entries[req.LogicalID].Version
		if current != req.ExpectedVersion {
			conflicted = append(conflicted, req.LogicalID)
		}
	}
	if len(conflicted) > 0 {
		return fsmApplyResult{Conflicted: conflicted}
	}
	for _, req := range cmd.Requests {
		f.entries[req.LogicalID] = record{PhysicalSegmentID: req.NewPhysicalID, Version: req.NewVersion}
	}
	return fsmApplyResult{}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	copied := make(map[string]record, len(f.entries))
	for k, v := range f.entries {
		copied[k] = v
	}
	return &fsmSnapshot{entries: copied}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var entries map[string]record
	if err := json.NewDecoder(rc).Decode(&entries); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = entries
	return nil
}

func (f *fsm) lookup(logicalIDs []string) []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []Entry
	for _, id := range logicalIDs {
		rec, ok := f.entries[id]
		if !ok {
			continue
		}
		out = append(out, Entry{LogicalID: id, PhysicalSegmentID: rec.PhysicalSegmentID, Version: rec.Version})
	}
	return out
}

type fsmSnapshot struct {
	entries map[string]record
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.entries); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
