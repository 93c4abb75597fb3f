package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sokovan_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sokovan_sessions_total",
			Help: "Total number of sessions by status",
		},
		[]string{"status"},
	)

	KernelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sokovan_kernels_total",
			Help: "Total number of kernels by status",
		},
		[]string{"status"},
	)

	EndpointsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sokovan_endpoints_total",
			Help: "Total number of inference endpoints by lifecycle stage",
		},
		[]string{"stage"},
	)

	RoutingsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sokovan_routings_total",
			Help: "Total number of endpoint routings by status",
		},
		[]string{"status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sokovan_scheduling_latency_seconds",
			Help:    "Time taken to admit and place one pending session in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SessionsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_scheduled_total",
			Help: "Total number of sessions transitioned PENDING to SCHEDULED",
		},
	)

	SessionsAdmissionFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_admission_failed_total",
			Help: "Total number of sessions that failed a predicate, by predicate name",
		},
		[]string{"predicate"},
	)

	SessionsCapacityMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_capacity_missed_total",
			Help: "Total number of scheduling attempts that found no agent with enough free capacity",
		},
	)

	SessionsCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_cancelled_total",
			Help: "Total number of sessions cancelled, by stage and reason",
		},
		[]string{"stage", "reason"},
	)

	SessionsTerminated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_sessions_terminated_total",
			Help: "Total number of sessions that reached the TERMINATED state",
		},
	)

	// Kernel/session operation metrics
	SessionStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sokovan_session_start_duration_seconds",
			Help:    "Time taken from SCHEDULED to RUNNING in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	KernelCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sokovan_kernel_create_duration_seconds",
			Help:    "Time taken for an agent to create a kernel in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	KernelDestroyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sokovan_kernel_destroy_duration_seconds",
			Help:    "Time taken for an agent to destroy a kernel in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciler stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ZombieRoutesCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_zombie_routes_cleaned_total",
			Help: "Total number of routings reaped because their session no longer exists",
		},
	)

	ConcurrencyRescans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sokovan_concurrency_rescans_total",
			Help: "Total number of times the fast concurrency counter was rescanned from the registry",
		},
	)

	ForceTerminatedSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_force_terminated_sessions_total",
			Help: "Total number of sessions force-terminated for exceeding the hang tolerance, by stuck status",
		},
		[]string{"status"},
	)

	// Agent RPC metrics
	AgentRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_agent_rpc_duration_seconds",
			Help:    "Agent RPC call duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	AgentRPCErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_agent_rpc_errors_total",
			Help: "Total number of failed agent RPC calls by method",
		},
		[]string{"method"},
	)

	// Lock metrics
	LockAcquireFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_lock_acquire_failures_total",
			Help: "Total number of distributed lock acquisition failures by scaling group",
		},
		[]string{"scaling_group"},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sokovan_events_published_total",
			Help: "Total number of events published by kind and delivery mode",
		},
		[]string{"kind", "mode"},
	)

	// Registry metrics
	RegistryQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sokovan_registry_query_duration_seconds",
			Help:    "Registry operation duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ConcurrencyCounterDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sokovan_concurrency_counter_drift",
			Help: "Number of access_keys whose Redis concurrency counter disagreed with the registry at last rescan",
		},
	)
)

func init() {
	// Register cluster/state metrics
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(KernelsTotal)
	prometheus.MustRegister(EndpointsTotal)
	prometheus.MustRegister(RoutingsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)

	// Register scheduler metrics
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(SessionsScheduled)
	prometheus.MustRegister(SessionsAdmissionFailed)
	prometheus.MustRegister(SessionsCapacityMissed)
	prometheus.MustRegister(SessionsCancelled)
	prometheus.MustRegister(SessionsTerminated)

	// Register operation latency metrics
	prometheus.MustRegister(SessionStartDuration)
	prometheus.MustRegister(KernelCreateDuration)
	prometheus.MustRegister(KernelDestroyDuration)

	// Register reconciler metrics
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ZombieRoutesCleaned)
	prometheus.MustRegister(ConcurrencyRescans)
	prometheus.MustRegister(ForceTerminatedSessions)

	// Register agent RPC metrics
	prometheus.MustRegister(AgentRPCDuration)
	prometheus.MustRegister(AgentRPCErrors)

	// Register lock and event metrics
	prometheus.MustRegister(LockAcquireFailures)
	prometheus.MustRegister(EventsPublished)

	// Register registry metrics
	prometheus.MustRegister(RegistryQueryDuration)
	prometheus.MustRegister(ConcurrencyCounterDrift)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
