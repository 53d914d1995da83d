package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction manager metrics (C6)
	TxCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sop_tx_commits_total",
			Help: "Total number of transaction commit attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	TxCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sop_tx_commit_duration_seconds",
			Help:    "Time taken to run a transaction's commit pipeline",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	TxConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sop_tx_conflicts_total",
			Help: "Total number of commits aborted with ConflictRetryable",
		},
	)

	TxPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sop_tx_phase_duration_seconds",
			Help:    "Time taken by each commit phase (freeze/lock/validate/write/publish/invalidate)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// Cache metrics (C3)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sop_cache_hits_total",
			Help: "Total cache hits by object class and tier",
		},
		[]string{"class", "tier"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sop_cache_misses_total",
			Help: "Total cache misses by object class and tier",
		},
		[]string{"class", "tier"},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sop_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a distributed lock lease",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sop_lock_timeouts_total",
			Help: "Total number of lock acquisitions that exhausted their retry budget",
		},
	)

	// Registry metrics (C2)
	RegistryCASTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sop_registry_cas_total",
			Help: "Total registry CAS updates by outcome (ok/conflict)",
		},
		[]string{"outcome"},
	)

	// Blob store metrics (C1)
	BlobWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sop_blob_writes_total",
			Help: "Total blob segment writes",
		},
	)

	BlobReadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sop_blob_reads_total",
			Help: "Total blob segment reads",
		},
	)

	ErasureRepairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sop_erasure_repairs_total",
			Help: "Total number of erasure-coded shards reconstructed and rewritten",
		},
	)

	ErasureDataLossTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sop_erasure_data_loss_total",
			Help: "Total reads that failed with DataLoss due to insufficient surviving shards",
		},
	)

	// Catalog / B-tree metrics (C4/C7)
	StoreItemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sop_store_items_total",
			Help: "Published item_count for each open store",
		},
		[]string{"store"},
	)

	StoresOpenTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sop_stores_open_total",
			Help: "Total number of stores currently open in the catalog",
		},
	)

	// Vector store metrics (supplemented)
	VectorSearchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sop_vector_search_duration_seconds",
			Help:    "Time taken by a vector store Search call, including the centroid scan",
			Buckets: prometheus.DefBuckets,
		},
	)

	VectorOptimizeTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sop_vector_optimize_total",
			Help: "Total number of vector store Optimize (centroid retrain) runs",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TxCommitsTotal,
		TxCommitDuration,
		TxConflictsTotal,
		TxPhaseDuration,
		CacheHitsTotal,
		CacheMissesTotal,
		LockWaitDuration,
		LockTimeoutsTotal,
		RegistryCASTotal,
		BlobWritesTotal,
		BlobReadsTotal,
		ErasureRepairsTotal,
		ErasureDataLossTotal,
		StoreItemsTotal,
		StoresOpenTotal,
		VectorSearchDuration,
		VectorOptimizeTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
