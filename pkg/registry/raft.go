package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/metrics"
)

// RaftConfig configures a raft-embedded registry node.
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
	// Bootstrap, when true, forms a brand-new single-node cluster.
	// Joiners should leave this false and call AddVoter against the
	// leader out of band.
	Bootstrap bool
}

// RaftRegistry is the clustered registry backend embedded directly in
// the process via hashicorp/raft, an alternative to the external-
// Cassandra backend when a dedicated KV service isn't available.
// Entries are applied through raft.Apply so every voter's fsm agrees
// on the same (logical_id -> physical_id, version) map.
type RaftRegistry struct {
	raft *raft.Raft
	fsm  *fsm
}

// NewRaftRegistry builds the Raft transport/log/stable/snapshot stores
// and, if cfg.Bootstrap, forms a new single-node cluster. Tuned for
// LAN-latency failover the same way the cluster manager's Bootstrap
// was: sub-second heartbeat/election timeouts instead of Raft's WAN-
// oriented defaults.
func NewRaftRegistry(cfg RaftConfig) (*RaftRegistry, error) {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrInvalidConfig, "registry.NewRaftRegistry", sopErrors.WithCause(err))
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.NewRaftRegistry", sopErrors.WithCause(err))
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.NewRaftRegistry", sopErrors.WithCause(err))
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.NewRaftRegistry", sopErrors.WithCause(err))
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.NewRaftRegistry", sopErrors.WithCause(err))
	}

	f := newFSM()
	r, err := raft.NewRaft(raftConfig, f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.NewRaftRegistry", sopErrors.WithCause(err))
	}

	reg := &RaftRegistry{raft: r, fsm: f}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{ID: raftConfig.LocalID, Address: transport.LocalAddr()},
			},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.NewRaftRegistry", sopErrors.WithCause(err))
		}
	}

	return reg, nil
}

// AddVoter adds a new node to the raft cluster; call against the
// current leader.
func (r *RaftRegistry) AddVoter(nodeID, address string) error {
	if r.raft.State() != raft.Leader {
		return sopErrors.Wrap(sopErrors.ErrInvalidState, "registry.AddVoter")
	}
	future := r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return sopErrors.Wrap(sopErrors.ErrIoError, "registry.AddVoter", sopErrors.WithCause(err))
	}
	return nil
}

func (r *RaftRegistry) Lookup(ctx context.Context, logicalIDs []string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrCanceled, "registry.Lookup", sopErrors.WithCause(err))
	}
	return r.fsm.lookup(logicalIDs), nil
}

// CASUpdate replicates the batch through raft.Apply so every voter
// agrees on the outcome before it is reported to the caller; only the
// leader can accept writes.
func (r *RaftRegistry) CASUpdate(ctx context.Context, reqs []CASRequest) error {
	if err := ctx.Err(); err != nil {
		return sopErrors.Wrap(sopErrors.ErrCanceled, "registry.CASUpdate", sopErrors.WithCause(err))
	}
	if r.raft.State() != raft.Leader {
		return sopErrors.Wrap(sopErrors.ErrInvalidState, "registry.CASUpdate", sopErrors.WithCause(fmt.Errorf("not leader")))
	}
	data, err := json.Marshal(fsmCommand{Requests: reqs})
	if err != nil {
		return sopErrors.Wrap(sopErrors.ErrInternal, "registry.CASUpdate", sopErrors.WithCause(err))
	}
	future := r.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		metrics.RegistryCASTotal.WithLabelValues("error").Inc()
		return sopErrors.Wrap(sopErrors.ErrIoError, "registry.CASUpdate", sopErrors.WithCause(err))
	}
	result, _ := future.Response().(fsmApplyResult)
	if result.Err != nil {
		metrics.RegistryCASTotal.WithLabelValues("error").Inc()
		return sopErrors.Wrap(sopErrors.ErrInternal, "registry.CASUpdate", sopErrors.WithCause(result.Err))
	}
	if len(result.Conflicted) > 0 {
		metrics.RegistryCASTotal.WithLabelValues("conflict").Inc()
		return &ConflictError{LogicalIDs: result.Conflicted}
	}
	metrics.RegistryCASTotal.WithLabelValues("ok").Inc()
	return nil
}

func (r *RaftRegistry) Close() error {
	return r.raft.Shutdown().Error()
}
