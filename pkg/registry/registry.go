// Package registry is the persistence boundary: the sole interface the
// scheduler and reconciler use for every read and write against
// sessions, kernels, agents, keypairs, policies, and endpoints. It is
// backed by PostgreSQL (source of truth, via jmoiron/sqlx) for every
// transactional operation and Redis (fast counters) for keypair
// concurrency bookkeeping.
package registry

import (
	"context"
	"errors"

	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/predicate"
	"github.com/sokovan/manager/pkg/resource"
)

// ErrScalingGroupNotFound is returned by LoadScalingGroup when no
// persisted config row exists for the named scaling group.
var ErrScalingGroupNotFound = errors.New("scaling group not found")

// AgentAllocCtx records one successful reservation so the caller can
// release it later (e.g. compensating rollback within the same
// scheduling transaction, or a future termination).
type AgentAllocCtx struct {
	AgentID   string
	AgentAddr string
	Slots     resource.Slots
}

// KernelBinding pairs a kernel with the agent allocation chosen for it,
// the unit finalize_multi_node_session persists per kernel.
type KernelBinding struct {
	KernelID string
	Alloc    AgentAllocCtx
}

// Registry is the persistence boundary. The scheduler and reconciler
// never touch storage directly; every mutation goes through here, per
// spec.md §3's ownership rule.
type Registry interface {
	// LoadScalingGroup returns a scaling group's persisted
	// scheduler/selector configuration row, the per-group KV
	// namespace spec.md §6 describes as `plugins/scheduler/<sg>/<option>`.
	// Returns ErrScalingGroupNotFound if no row exists, letting the
	// caller fall back to process-wide defaults.
	LoadScalingGroup(ctx context.Context, name string) (domain.ScalingGroup, error)

	// DequeuePending returns pending sessions in the scaling group,
	// highest priority first and oldest first within a priority, up to
	// limit; the scheduler strategy reorders them afterwards.
	DequeuePending(ctx context.Context, scalingGroup string, limit int) ([]domain.SessionView, error)

	// LoadCandidateAgents returns ALIVE agents in the scaling group with
	// non-zero free capacity compatible with architecture.
	LoadCandidateAgents(ctx context.Context, scalingGroup, architecture string) ([]domain.AgentView, error)

	// ScalingGroupTotals returns the aggregate available_slots of every
	// schedulable agent in the scaling group, the denominator the drf
	// scheduler type scales each access key's dominant share against.
	ScalingGroupTotals(ctx context.Context, scalingGroup string) (resource.Slots, error)

	// KeypairOccupancy returns the aggregate requested_slots of every
	// occupying session (spec.md §3) owned by accessKey, the numerator
	// the drf scheduler type uses to rank queued sessions by their
	// access key's current dominant share.
	KeypairOccupancy(ctx context.Context, accessKey string) (resource.Slots, error)

	// SessionsByStatus returns every session in the scaling group
	// currently in status, for Stage B/C's sweep over SCHEDULED and
	// PREPARED sessions.
	SessionsByStatus(ctx context.Context, scalingGroup string, status domain.SessionStatus) ([]domain.SessionView, error)

	// KernelsForSession returns every kernel belonging to sessionID.
	KernelsForSession(ctx context.Context, sessionID string) ([]domain.Kernel, error)

	// LoadValidatorContext populates a ValidatorContext for one session
	// from a single consistent read, so predicates never need their own
	// registry I/O.
	LoadValidatorContext(ctx context.Context, session domain.SessionView) (*predicate.ValidatorContext, error)

	// ReserveAgent atomically increments agent_id's occupied_slots.
	ReserveAgent(ctx context.Context, scalingGroup, agentID string, slots resource.Slots) (AgentAllocCtx, error)

	// ReleaseAgent symmetrically releases a prior reservation.
	ReleaseAgent(ctx context.Context, agentID string, slots resource.Slots) error

	// FinalizeSingleNodeSession transitions session to SCHEDULED and
	// persists its one kernel's agent assignment.
	FinalizeSingleNodeSession(ctx context.Context, sessionID string, alloc AgentAllocCtx) error

	// FinalizeMultiNodeSession transitions session to SCHEDULED and
	// persists every kernel's agent assignment.
	FinalizeMultiNodeSession(ctx context.Context, sessionID string, bindings []KernelBinding) error

	// MarkSessionStatus appends a status-history row and updates the
	// session's current status.
	MarkSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, reason string, extra map[string]string) error

	// UpdateSessionSchedulingFailure records a soft failure reason and
	// increments the session's retry counter.
	UpdateSessionSchedulingFailure(ctx context.Context, sessionID, msg string) error

	// UpdateKernelSchedulingFailure records a soft failure against one
	// kernel of a multi-node session.
	UpdateKernelSchedulingFailure(ctx context.Context, sessionID, kernelID, msg string) error

	// AutoscaleEndpoints returns the number of CREATED endpoints. It
	// applies no autoscaling rules; pkg/reconciler's AutoscaleServices
	// stage does that through the per-endpoint methods below.
	AutoscaleEndpoints(ctx context.Context) (int, error)

	// ListActiveEndpoints returns every endpoint in CREATED stage, the
	// set pkg/reconciler's AutoscaleServices stage drives.
	ListActiveEndpoints(ctx context.Context) ([]domain.Endpoint, error)

	// RoutingsForEndpoint returns every routing belonging to endpointID.
	RoutingsForEndpoint(ctx context.Context, endpointID string) ([]domain.Routing, error)

	// UpdateEndpointReplicas persists the replica count an autoscaling
	// rule evaluation produced.
	UpdateEndpointReplicas(ctx context.Context, endpointID string, replicas int) error

	// TerminateRouting marks one routing TERMINATING and force-destroys
	// its session (status TERMINATING, picked up by the next terminal
	// sweep), per spec.md §4.5 Stage D's "force-destroy their sessions".
	TerminateRouting(ctx context.Context, routingID string) error

	// CleanZombieRoutes removes routings whose session no longer
	// exists, returning the count removed.
	CleanZombieRoutes(ctx context.Context) (int, error)

	// DestroyTerminatedEndpointsAndRoutes removes DESTROYING endpoints
	// with zero active routings, along with their routing rows.
	DestroyTerminatedEndpointsAndRoutes(ctx context.Context) (int, error)

	// CheckKeypairConcurrency returns the configured limit and current
	// used count for accessKey's concurrency bucket.
	CheckKeypairConcurrency(ctx context.Context, accessKey string, isSFTP bool) (limit, used int, err error)

	// IncrConcurrency increments accessKey's fast counter.
	IncrConcurrency(ctx context.Context, accessKey string, isSFTP bool) error

	// DecrConcurrency decrements accessKey's fast counter.
	DecrConcurrency(ctx context.Context, accessKey string, isSFTP bool) error

	// RescanConcurrency recomputes every access_key's fast counter from
	// the relational store's occupying-session count, overwriting any
	// counter that has drifted. It does not read the compensation log.
	RescanConcurrency(ctx context.Context) (int, error)

	// TerminatingSessionsPastDeadline returns sessions stuck in
	// PREPARING or TERMINATING beyond the configured hang-tolerance
	// ceiling, for Stage E's force-termination sweep.
	TerminatingSessionsPastDeadline(ctx context.Context, hangTolerance int64) ([]domain.SessionView, error)

	// SessionsWithAllKernelsTerminated returns TERMINATING sessions
	// whose kernels have all reported TERMINATED.
	SessionsWithAllKernelsTerminated(ctx context.Context) ([]domain.SessionView, error)

	// AgentsPastHeartbeatThreshold returns ALIVE agents whose
	// last_heartbeat is older than thresholdSeconds.
	AgentsPastHeartbeatThreshold(ctx context.Context, thresholdSeconds int64) ([]domain.AgentView, error)

	// MarkAgentLost transitions an agent to LOST.
	MarkAgentLost(ctx context.Context, agentID string) error

	// SetAgentSchedulable flips an agent's schedulable flag, the
	// operation behind sokovanctl's "drain"/"undrain" commands: a
	// drained agent is excluded from LoadCandidateAgents but keeps
	// serving sessions already placed on it.
	SetAgentSchedulable(ctx context.Context, agentID string, schedulable bool) error

	// ClusterCounts returns the gauge snapshot pkg/metrics' Collector
	// polls: counts of agents, sessions, kernels, endpoints, and
	// routings grouped by their respective status/stage.
	ClusterCounts(ctx context.Context) (ClusterCounts, error)

	// UpdateKernelStat records a kernel's latest reported status and
	// stat blob, the write behind periodic_sync_stats: the reconciler
	// polls each running kernel's agent and persists whatever it last
	// reported.
	UpdateKernelStat(ctx context.Context, kernelID string, status domain.KernelStatus, stat map[string]string) error

	// RunningKernels returns every kernel belonging to a RUNNING
	// session, across every scaling group, for periodic_sync_stats to
	// poll.
	RunningKernels(ctx context.Context) ([]domain.Kernel, error)
}

// ClusterCounts is one point-in-time snapshot of cluster state grouped
// by status, used purely for gauge metrics — never for scheduling
// decisions.
type ClusterCounts struct {
	AgentsByStatus    map[domain.AgentStatus]int
	SessionsByStatus  map[domain.SessionStatus]int
	KernelsByStatus   map[domain.KernelStatus]int
	EndpointsByStage  map[domain.EndpointLifecycleStage]int
	RoutingsByStatus  map[domain.RoutingStatus]int
}
