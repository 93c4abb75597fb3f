// Package reconciler runs Stages D–F of the session lifecycle
// (autoscale inference endpoints, sweep terminated/hung sessions,
// repair zombie routings and concurrency-counter drift) plus the
// heartbeat-driven agent health sweep and the kernel-stat sync,
// generalizing the teacher's reconcileNodes/reconcileContainers split
// to five independently timed sub-reconcilers.
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sokovan/manager/pkg/agentrpc"
	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/events"
	"github.com/sokovan/manager/pkg/log"
	"github.com/sokovan/manager/pkg/metrics"
	"github.com/sokovan/manager/pkg/registry"
)

// AgentDialer resolves a live RPC client for an agent by id.
type AgentDialer func(agentID, addr string) (agentrpc.AgentServiceClient, error)

// Config is the reconciler's tunable ceilings, sourced from pkg/config.
type Config struct {
	HangTolerance      time.Duration
	HeartbeatThreshold time.Duration
	ServiceMaxRetries  int
	// PeriodicSyncStats gates the per-cycle kernel stat pull: when
	// false, SyncKernelStats is skipped entirely to spare the RPC
	// fan-out to every running kernel's agent.
	PeriodicSyncStats bool
}

// Reconciler runs the five lifecycle-repair stages on a cron schedule.
type Reconciler struct {
	registry registry.Registry
	bus      *events.Bus
	dial     AgentDialer
	cfg      Config
	logger   zerolog.Logger
	cron     *cron.Cron
}

// New constructs a Reconciler.
func New(reg registry.Registry, bus *events.Bus, dial AgentDialer, cfg Config) *Reconciler {
	return &Reconciler{
		registry: reg,
		bus:      bus,
		dial:     dial,
		cfg:      cfg,
		logger:   log.WithComponent("reconciler"),
		cron:     cron.New(cron.WithSeconds()),
	}
}

// StartCron schedules a periodic reconciliation cycle at spec (e.g.
// "*/10 * * * * *" for every ten seconds), generalizing the teacher's
// time.NewTicker-driven run() loop to the corpus's cron convention.
func (r *Reconciler) StartCron(spec string) error {
	_, err := r.cron.AddFunc(spec, func() {
		if err := r.Reconcile(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("reconciliation cycle failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciler cron: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron scheduler.
func (r *Reconciler) Stop() {
	r.cron.Stop()
}

// Reconcile runs one full cycle: Stage D, E, F, then the heartbeat
// sweep and the kernel-stat sync, each independently timed.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	defer metrics.ReconciliationCyclesTotal.Inc()
	defer metrics.Heartbeat("reconciler")

	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"autoscale_services", r.AutoscaleServices},
		{"terminal_sweep", r.TerminalSweep},
		{"zombie_and_drift_repair", r.ZombieAndDriftRepair},
		{"agent_health_sweep", r.AgentHealthSweep},
		{"sync_kernel_stats", r.SyncKernelStats},
	}

	for _, stage := range stages {
		timer := metrics.NewTimer()
		if err := stage.fn(ctx); err != nil {
			r.logger.Error().Err(err).Str("stage", stage.name).Msg("reconciler stage failed")
		}
		timer.ObserveDurationVec(metrics.ReconciliationDuration, stage.name)
	}
	return nil
}

// AutoscaleServices is Stage D: apply each CREATED endpoint's
// autoscaling rules, reconcile active routings against the resulting
// replica count, and reap fully-destroyed endpoints.
//
// There is no external metrics pipeline wired for endpoint autoscaling
// signals, so rule evaluation here clamps the endpoint's existing
// replicas into the [MinReplicas, MaxReplicas] bounds its rules
// declare rather than recomputing a target from live metric values; an
// operator (or a future metrics-sourced caller) still drives the actual
// replicas change through UpdateEndpointReplicas.
func (r *Reconciler) AutoscaleServices(ctx context.Context) error {
	endpoints, err := r.registry.ListActiveEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("list active endpoints: %w", err)
	}

	for _, ep := range endpoints {
		routings, err := r.registry.RoutingsForEndpoint(ctx, ep.ID)
		if err != nil {
			r.logger.Error().Err(err).Str("endpoint_id", ep.ID).Msg("failed to load routings")
			continue
		}

		desired := clampReplicas(ep)
		active := 0
		for _, rt := range routings {
			if rt.Status.Active() {
				active++
			}
		}

		switch {
		case active > desired:
			r.scaleDown(ctx, routings, active-desired)
		case active < desired:
			if ep.Retries <= r.cfg.ServiceMaxRetries {
				r.scaleUp(ep.ID, desired-active)
			}
		}

		if desired != ep.Replicas {
			if err := r.registry.UpdateEndpointReplicas(ctx, ep.ID, desired); err != nil {
				r.logger.Error().Err(err).Str("endpoint_id", ep.ID).Msg("failed to persist replica count")
			}
		}
	}

	destroyed, err := r.registry.DestroyTerminatedEndpointsAndRoutes(ctx)
	if err != nil {
		return fmt.Errorf("destroy terminated endpoints: %w", err)
	}
	if destroyed > 0 {
		r.logger.Info().Int("count", destroyed).Msg("destroyed terminated endpoints and their routings")
	}
	return nil
}

func clampReplicas(ep domain.Endpoint) int {
	desired := ep.Replicas
	for _, rule := range ep.AutoscalingRules {
		if rule.MinReplicas > 0 && desired < rule.MinReplicas {
			desired = rule.MinReplicas
		}
		if rule.MaxReplicas > 0 && desired > rule.MaxReplicas {
			desired = rule.MaxReplicas
		}
	}
	return desired
}

// scaleDown terminates n active routings, preferring UNHEALTHY first
// and then the longest-running, per spec.md §4.5 Stage D.
func (r *Reconciler) scaleDown(ctx context.Context, routings []domain.Routing, n int) {
	var candidates []domain.Routing
	for _, rt := range routings {
		if rt.Status.Active() {
			candidates = append(candidates, rt)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		iUnhealthy := candidates[i].Status == domain.RoutingStatusUnhealthy
		jUnhealthy := candidates[j].Status == domain.RoutingStatusUnhealthy
		if iUnhealthy != jUnhealthy {
			return iUnhealthy
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	for _, rt := range candidates[:n] {
		if err := r.registry.TerminateRouting(ctx, rt.ID); err != nil {
			r.logger.Error().Err(err).Str("routing_id", rt.ID).Msg("failed to terminate routing during scale-down")
			continue
		}
		metrics.SessionsCancelled.WithLabelValues("autoscale", "scale_down").Inc()
	}
}

// scaleUp emits n RouteCreatedEvents so the session-creation worker
// (the event consumer, per spec.md's decoupling) provisions the new
// routing and its session.
func (r *Reconciler) scaleUp(endpointID string, n int) {
	for i := 0; i < n; i++ {
		if err := r.bus.PublishAnycast("sokovan.events", "session-creators", events.Event{
			Kind:       events.RouteCreatedEvent,
			EndpointID: endpointID,
		}); err != nil {
			r.logger.Error().Err(err).Str("endpoint_id", endpointID).Msg("failed to publish route-created event")
			continue
		}
		metrics.EventsPublished.WithLabelValues(string(events.RouteCreatedEvent), "anycast").Inc()
	}
}

// TerminalSweep is Stage E: finish sessions whose kernels have all
// reported TERMINATED, and force-terminate sessions stuck in PREPARING
// or TERMINATING past the configured hang-tolerance ceiling.
func (r *Reconciler) TerminalSweep(ctx context.Context) error {
	completed, err := r.registry.SessionsWithAllKernelsTerminated(ctx)
	if err != nil {
		return fmt.Errorf("list fully-terminated sessions: %w", err)
	}
	for _, session := range completed {
		r.finishTermination(ctx, session, "all kernels reported terminated")
	}

	hung, err := r.registry.TerminatingSessionsPastDeadline(ctx, int64(r.cfg.HangTolerance.Seconds()))
	if err != nil {
		return fmt.Errorf("list sessions past hang tolerance: %w", err)
	}
	for _, session := range hung {
		metrics.ForceTerminatedSessions.WithLabelValues(string(session.Status)).Inc()
		r.forceDestroy(ctx, session)
		r.finishTermination(ctx, session, "force-terminated: exceeded hang tolerance")
	}
	return nil
}

// forceDestroy best-effort destroys every kernel of a session stuck
// past the hang-tolerance ceiling before finishTermination releases its
// reservations, since the agent may still believe the kernel is alive.
func (r *Reconciler) forceDestroy(ctx context.Context, session domain.SessionView) {
	kernels, err := r.registry.KernelsForSession(ctx, session.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to load kernels for force-destroy")
		return
	}
	for _, k := range kernels {
		if k.AgentID == "" {
			continue
		}
		client, err := r.dial(k.AgentID, k.AgentAddr)
		if err != nil {
			continue
		}
		if _, err := client.DestroyKernel(ctx, &agentrpc.DestroyKernelRequest{KernelID: k.ID}); err != nil {
			r.logger.Warn().Err(err).Str("kernel_id", k.ID).Msg("best-effort force-destroy failed")
		}
	}
}

// finishTermination releases a session's remaining reservations,
// decrements its keypair's concurrency counter, marks it TERMINATED,
// and emits SessionTerminatedEvent.
func (r *Reconciler) finishTermination(ctx context.Context, session domain.SessionView, reason string) {
	kernels, err := r.registry.KernelsForSession(ctx, session.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to load kernels for termination")
		return
	}
	for _, k := range kernels {
		if k.AgentID == "" {
			continue
		}
		if err := r.registry.ReleaseAgent(ctx, k.AgentID, k.RequestedSlots); err != nil {
			r.logger.Error().Err(err).Str("agent_id", k.AgentID).Str("kernel_id", k.ID).Msg("failed to release agent during termination")
		}
	}

	if err := r.registry.DecrConcurrency(ctx, session.Owner.AccessKey, session.Private); err != nil {
		r.logger.Error().Err(err).Str("access_key", session.Owner.AccessKey).Msg("failed to decrement concurrency counter")
	}

	if err := r.registry.MarkSessionStatus(ctx, session.ID, domain.SessionStatusTerminated, reason, nil); err != nil {
		r.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to mark session terminated")
		return
	}

	metrics.SessionsTerminated.Inc()
	r.bus.PublishBroadcast("sokovan.events", events.Event{
		Kind:      events.SessionTerminatedEvent,
		SessionID: session.ID,
	})
}

// ZombieAndDriftRepair is Stage F: remove routings whose session no
// longer exists, and rescan the concurrency counter for keypairs whose
// fast counter has drifted from the registry's occupying-session count.
func (r *Reconciler) ZombieAndDriftRepair(ctx context.Context) error {
	cleaned, err := r.registry.CleanZombieRoutes(ctx)
	if err != nil {
		return fmt.Errorf("clean zombie routes: %w", err)
	}
	if cleaned > 0 {
		r.logger.Info().Int("count", cleaned).Msg("cleaned zombie routings")
	}

	drifted, err := r.registry.RescanConcurrency(ctx)
	if err != nil {
		return fmt.Errorf("rescan concurrency: %w", err)
	}
	if drifted > 0 {
		r.logger.Warn().Int("access_keys", drifted).Msg("corrected concurrency counter drift")
	}
	return nil
}

// AgentHealthSweep marks agents LOST once their heartbeat silence
// exceeds the configured threshold — the direct generalization of the
// teacher's reconcileNodes, which spec.md's Agent lifecycle (§3) names
// but does not assign to one of Stages D–F explicitly.
func (r *Reconciler) AgentHealthSweep(ctx context.Context) error {
	stale, err := r.registry.AgentsPastHeartbeatThreshold(ctx, int64(r.cfg.HeartbeatThreshold.Seconds()))
	if err != nil {
		return fmt.Errorf("list stale agents: %w", err)
	}
	for _, agent := range stale {
		if err := r.registry.MarkAgentLost(ctx, agent.ID); err != nil {
			r.logger.Error().Err(err).Str("agent_id", agent.ID).Msg("failed to mark agent lost")
			continue
		}
		r.bus.PublishBroadcast("sokovan.events", events.Event{
			Kind:    events.AgentLostEvent,
			Payload: map[string]string{"agent_id": agent.ID},
		})
	}
	return nil
}

// SyncKernelStats pulls each RUNNING session's kernel stats from its
// agent and persists them, the periodic_sync_stats option (spec.md
// §6). Skipped entirely when the option is off.
func (r *Reconciler) SyncKernelStats(ctx context.Context) error {
	if !r.cfg.PeriodicSyncStats {
		return nil
	}

	kernels, err := r.registry.RunningKernels(ctx)
	if err != nil {
		return fmt.Errorf("list running kernels: %w", err)
	}

	for _, k := range kernels {
		if k.AgentID == "" {
			continue
		}
		client, err := r.dial(k.AgentID, k.AgentAddr)
		if err != nil {
			continue
		}
		resp, err := client.PingKernel(ctx, &agentrpc.PingKernelRequest{KernelID: k.ID})
		if err != nil {
			r.logger.Warn().Err(err).Str("kernel_id", k.ID).Msg("kernel stat pull failed")
			continue
		}
		if err := r.registry.UpdateKernelStat(ctx, k.ID, resp.Status, resp.Stat); err != nil {
			r.logger.Error().Err(err).Str("kernel_id", k.ID).Msg("failed to persist kernel stat")
		}
	}
	return nil
}
