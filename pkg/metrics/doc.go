/*
Package metrics provides Prometheus metrics collection and exposition for
the Sokovan manager.

The metrics package defines and registers all manager metrics using the
Prometheus client library, providing observability into cluster state,
scheduler throughput, reconciler cycles, and agent RPC latency. Metrics
are exposed via an HTTP endpoint for scraping by Prometheus servers.

# Metrics Catalog

Cluster state:

sokovan_agents_total{status}, sokovan_sessions_total{status},
sokovan_kernels_total{status}, sokovan_endpoints_total{stage},
sokovan_routings_total{status}:
  - Type: Gauge
  - Snapshot counts refreshed by the metrics collector on each poll.

Scheduler:

sokovan_scheduling_latency_seconds:
  - Type: Histogram
  - Wall time of admitting and placing one pending session in Stage A
    (Schedule), observed once per session.

sokovan_sessions_scheduled_total, sokovan_sessions_terminated_total:
  - Type: Counter

sokovan_sessions_admission_failed_total{predicate}:
  - Type: Counter
  - Incremented once per failing predicate per scheduling attempt.

sokovan_sessions_capacity_missed_total:
  - Type: Counter
  - No agent in the scaling group had enough free capacity this tick.

sokovan_sessions_cancelled_total{stage, reason}:
  - Type: Counter

Kernel operations:

sokovan_session_start_duration_seconds, sokovan_kernel_create_duration_seconds,
sokovan_kernel_destroy_duration_seconds:
  - Type: Histogram

Reconciler:

sokovan_reconciliation_duration_seconds{stage}:
  - Type: Histogram
  - One observation per reconciler stage: autoscale_services,
    terminal_sweep, zombie_and_drift_repair, agent_health_sweep,
    sync_kernel_stats.

sokovan_reconciliation_cycles_total, sokovan_zombie_routes_cleaned_total,
sokovan_concurrency_rescans_total:
  - Type: Counter

sokovan_force_terminated_sessions_total{status}:
  - Type: Counter
  - A session stuck past its hang-tolerance window in the given status
    was force-moved to CANCELLED/TERMINATED.

Agent RPC:

sokovan_agent_rpc_duration_seconds{method}, sokovan_agent_rpc_errors_total{method}:
  - Type: Histogram / Counter

Locks and events:

sokovan_lock_acquire_failures_total{scaling_group},
sokovan_events_published_total{kind, mode}:
  - Type: Counter

Registry:

sokovan_registry_query_duration_seconds{operation}:
  - Type: Histogram

sokovan_concurrency_counter_drift:
  - Type: Gauge
  - Count of access_keys whose Redis fast counter disagreed with the
    registry at the last rescan; nonzero briefly after any crash
    recovery, should trend to zero within one reconciler cycle.

# Usage

	timer := metrics.NewTimer()
	// ... admit and place one pending session ...
	timer.ObserveDuration(metrics.SchedulingLatency)

	metrics.SessionsAdmissionFailed.WithLabelValues("PendingSessionCountLimit").Inc()

	http.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with:

  - pkg/registry: updates cluster-state gauges and registry query timings
  - pkg/scheduler: records scheduling latency and admission outcomes
  - pkg/reconciler: tracks reconciliation stage duration and cycle count
  - pkg/agentrpc: instruments agent RPC duration and error rate
  - pkg/reconciler: counts the route-created events its scale-up path
    publishes, by kind and delivery mode
  - Prometheus: scrapes /metrics endpoint

Label cardinality is kept bounded: status/stage/method values come from
closed enums, never session or kernel IDs.
*/
package metrics
