package registry

import (
	"context"
	"sort"
	"time"

	"github.com/gocql/gocql"

	sopErrors "github.com/sopdb/sop/errors"
	"github.com/sopdb/sop/pkg/metrics"
)

// CassandraConfig configures the external, strongly-consistent
// clustered backend (spec §4.2: "the codebase uses an Apache
// Cassandra keyspace").
type CassandraConfig struct {
	Hosts    []string
	Keyspace string
	Timeout  time.Duration
}

// CassandraRegistry maps cas_update onto Cassandra's lightweight
// transactions (IF version = expected_version), keyed by logical_id.
type CassandraRegistry struct {
	session *gocql.Session
	table   string
}

// NewCassandraRegistry connects to the keyspace and ensures the
// registry_entries table exists.
func NewCassandraRegistry(cfg CassandraConfig) (*CassandraRegistry, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.NewCassandraRegistry", sopErrors.WithCause(err))
	}

	const createTable = `CREATE TABLE IF NOT EXISTS registry_entries (
		logical_id text PRIMARY KEY,
		physical_segment_id text,
		version bigint
	)`
	if err := session.Query(createTable).WithContext(context.Background()).Exec(); err != nil {
		session.Close()
		return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.NewCassandraRegistry", sopErrors.WithCause(err))
	}

	return &CassandraRegistry{session: session, table: "registry_entries"}, nil
}

func (r *CassandraRegistry) Lookup(ctx context.Context, logicalIDs []string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, sopErrors.Wrap(sopErrors.ErrCanceled, "registry.Lookup", sopErrors.WithCause(err))
	}
	var out []Entry
	for _, id := range logicalIDs {
		var physicalID string
		var version int64
		err := r.session.Query(
			`SELECT physical_segment_id, version FROM registry_entries WHERE logical_id = ?`, id,
		).WithContext(ctx).Scan(&physicalID, &version)
		if err == gocql.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, sopErrors.Wrap(sopErrors.ErrIoError, "registry.Lookup", sopErrors.WithCause(err))
		}
		out = append(out, Entry{LogicalID: id, PhysicalSegmentID: physicalID, Version: version})
	}
	return out, nil
}

// CASUpdate issues one lightweight transaction per entry. Cassandra's
// LWT doesn't support atomic multi-partition conditional batches, so
// entries are applied in logical-id sorted order (the same fixed
// global order the transaction manager already uses to acquire locks,
// spec §4.6 P2) and any conflict rolls back the entries already
// applied in this call before returning.
func (r *CassandraRegistry) CASUpdate(ctx context.Context, reqs []CASRequest) error {
	if err := ctx.Err(); err != nil {
		return sopErrors.Wrap(sopErrors.ErrCanceled, "registry.CASUpdate", sopErrors.WithCause(err))
	}

	reqs = append([]CASRequest(nil), reqs...)
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].LogicalID < reqs[j].LogicalID })

	applied := make([]CASRequest, 0, len(reqs))
	var conflicted []string

	for _, req := range reqs {
		var query string
		if req.ExpectedVersion == 0 {
			query = `INSERT INTO registry_entries (logical_id, physical_segment_id, version) VALUES (?, ?, ?) IF NOT EXISTS`
		} else {
			query = `UPDATE registry_entries SET physical_segment_id = ?, version = ? WHERE logical_id = ? IF version = ?`
		}

		var ok bool
		var err error
		if req.ExpectedVersion == 0 {
			ok, err = r.session.Query(query, req.LogicalID, req.NewPhysicalID, req.NewVersion).
				WithContext(ctx).ScanCAS()
		} else {
			ok, err = r.session.Query(query, req.NewPhysicalID, req.NewVersion, req.LogicalID, req.ExpectedVersion).
				WithContext(ctx).ScanCAS()
		}
		if err != nil {
			r.rollback(ctx, applied)
			metrics.RegistryCASTotal.WithLabelValues("error").Inc()
			return sopErrors.Wrap(sopErrors.ErrIoError, "registry.CASUpdate", sopErrors.WithCause(err))
		}
		if !ok {
			conflicted = append(conflicted, req.LogicalID)
			continue
		}
		applied = append(applied, req)
	}

	if len(conflicted) > 0 {
		r.rollback(ctx, applied)
		metrics.RegistryCASTotal.WithLabelValues("conflict").Inc()
		return &ConflictError{LogicalIDs: conflicted}
	}
	metrics.RegistryCASTotal.WithLabelValues("ok").Inc()
	return nil
}

// rollback reverts entries applied earlier in a CASUpdate call that
// ultimately failed, restoring each to its pre-call version.
func (r *CassandraRegistry) rollback(ctx context.Context, applied []CASRequest) {
	for _, req := range applied {
		_ = r.session.Query(
			`UPDATE registry_entries SET version = ? WHERE logical_id = ? IF version = ?`,
			req.ExpectedVersion, req.LogicalID, req.NewVersion,
		).WithContext(ctx).Exec()
	}
}

func (r *CassandraRegistry) Close() error {
	r.session.Close()
	return nil
}
