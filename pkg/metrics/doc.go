/*
Package metrics provides Prometheus metrics collection and exposition for
the SOP engine.

Metrics are grouped by the component that owns them: the transaction
manager (C6) exposes commit counts, conflict counts, and per-phase
duration; the cache layer (C3) exposes hit/miss counts per object class
and tier, plus lock-wait duration; the registry (C2) exposes CAS
outcome counts; the blob store (C1) exposes read/write/repair counts;
the catalog (C7) exposes open-store and item counts. All metrics are
registered at package init via prometheus.MustRegister and served
through Handler(), an http.Handler wrapping promhttp.Handler().

# Usage

	sop_tx_commits_total{mode="write",outcome="committed"} 142
	sop_tx_commits_total{mode="write",outcome="conflict"} 3
	sop_cache_hits_total{class="node",tier="l1"} 9831
	sop_registry_cas_total{outcome="ok"} 140

	timer := metrics.NewTimer()
	// ... run commit pipeline ...
	timer.ObserveDurationVec(metrics.TxCommitDuration, string(mode))

	http.Handle("/metrics", metrics.Handler())

# Design notes

Metrics are package-level vars registered once at init, mirroring the
global-registry pattern used throughout this codebase's ambient
packages: no caller has to thread a registry handle through every
constructor. Label sets are kept low-cardinality (mode, outcome, class,
tier, phase) — never logical ids or store names with unbounded
cardinality goes into a label; per-store counts use Collector's
gauge-per-store pattern instead, which is safe only because the number
of open stores in a process is bounded by operator configuration, not
by request volume.
*/
package metrics
