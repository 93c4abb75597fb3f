// Package scheduler implements Stages A–C of the session lifecycle:
// Schedule (admit a PENDING session and reserve its agent capacity),
// CheckPrecondition (SCHEDULED → PREPARING → PREPARED, ensuring images
// are present), and Start (PREPARED → CREATING → RUNNING, asking
// agents to create kernels).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sokovan/manager/pkg/agentrpc"
	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/events"
	"github.com/sokovan/manager/pkg/lock"
	"github.com/sokovan/manager/pkg/log"
	"github.com/sokovan/manager/pkg/metrics"
	"github.com/sokovan/manager/pkg/predicate"
	"github.com/sokovan/manager/pkg/registry"
	"github.com/sokovan/manager/pkg/resource"
	"github.com/sokovan/manager/pkg/selector"
)

// AgentDialer resolves a live RPC client for an agent by id, so the
// scheduler never holds long-lived agent connections itself.
type AgentDialer func(agentID, addr string) (agentrpc.AgentServiceClient, error)

// ScalingGroupConfig is the subset of a scaling group's configuration
// the scheduler consults per tick.
type ScalingGroupConfig struct {
	Name             string
	SchedulerType    domain.SchedulerType
	SelectorStrategy domain.AgentSelectionStrategy
	DequeueLimit     int
	// NumRetriesToSkip only applies to the fifo scheduler type: 0
	// disables skipping.
	NumRetriesToSkip int
}

// Scheduler runs the per-scaling-group tick that advances sessions
// through Stages A–C.
type Scheduler struct {
	registry   registry.Registry
	predicates *predicate.Engine
	locks      lock.Manager
	bus        *events.Bus
	dial       AgentDialer
	logger     zerolog.Logger

	mu            sync.RWMutex
	scalingGroups map[string]ScalingGroupConfig

	cron *cron.Cron

	// StartRPCRetryBudget bounds how many times Start (Stage C) retries
	// a session whose create_kernels RPC failed before cancelling it.
	// Zero keeps spec.md's original behavior: any RPC failure cancels
	// immediately. Set directly after New; RegisterScalingGroup doesn't
	// carry it since it's a process-wide knob, not a per-group one.
	StartRPCRetryBudget int
}

// New constructs a Scheduler. hooks are extra predicates appended to
// the nine built-ins.
func New(reg registry.Registry, locks lock.Manager, bus *events.Bus, dial AgentDialer, hooks ...predicate.Hook) *Scheduler {
	return &Scheduler{
		registry:      reg,
		predicates:    predicate.NewEngine(hooks...),
		locks:         locks,
		bus:           bus,
		dial:          dial,
		logger:        log.WithComponent("scheduler"),
		scalingGroups: make(map[string]ScalingGroupConfig),
		cron:          cron.New(cron.WithSeconds()),
	}
}

// RegisterScalingGroup adds (or replaces) the scaling groups the
// scheduler should tick.
func (s *Scheduler) RegisterScalingGroup(cfg ScalingGroupConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.DequeueLimit <= 0 {
		cfg.DequeueLimit = 50
	}
	s.scalingGroups[cfg.Name] = cfg
}

// StartCron schedules a cron entry ticking every scaling group at the
// given spec (e.g. "*/2 * * * * *" for every two seconds), generalizing
// the teacher's time.NewTicker-driven run() loop to a cron-based
// periodic job.
func (s *Scheduler) StartCron(spec string) error {
	_, err := s.cron.AddFunc(spec, s.tickAll)
	if err != nil {
		return fmt.Errorf("schedule scheduler cron: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) tickAll() {
	s.mu.RLock()
	groups := make([]string, 0, len(s.scalingGroups))
	for name := range s.scalingGroups {
		groups = append(groups, name)
	}
	s.mu.RUnlock()

	ctx := context.Background()
	for _, sg := range groups {
		if err := s.Tick(ctx, sg); err != nil {
			s.logger.Error().Err(err).Str("scaling_group", sg).Msg("tick failed")
		}
	}
	metrics.Heartbeat("scheduler")
}

// Tick runs Stage A, then B, then C for one scaling group, guarded by
// a distributed lock so only one manager replica drives this scaling
// group's tick at a time.
func (s *Scheduler) Tick(ctx context.Context, scalingGroup string) error {
	return lock.WithLock(ctx, s.locks, "scheduler:"+scalingGroup, func(ctx context.Context) error {
		if err := s.Schedule(ctx, scalingGroup); err != nil {
			return fmt.Errorf("stage A (schedule): %w", err)
		}
		if err := s.CheckPrecondition(ctx, scalingGroup); err != nil {
			return fmt.Errorf("stage B (check_precondition): %w", err)
		}
		if err := s.Start(ctx, scalingGroup); err != nil {
			return fmt.Errorf("stage C (start): %w", err)
		}
		return nil
	})
}

func (s *Scheduler) groupConfig(scalingGroup string) ScalingGroupConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg, ok := s.scalingGroups[scalingGroup]; ok {
		return cfg
	}
	return ScalingGroupConfig{Name: scalingGroup, DequeueLimit: 50}
}

// Schedule is Stage A: dequeue PENDING sessions, run admission, and
// reserve agent capacity for the ones that pass.
func (s *Scheduler) Schedule(ctx context.Context, scalingGroup string) error {
	cfg := s.groupConfig(scalingGroup)

	pending, err := s.registry.DequeuePending(ctx, scalingGroup, cfg.DequeueLimit)
	if err != nil {
		return fmt.Errorf("dequeue pending sessions: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var totals resource.Slots
	var occupancy map[string]resource.Slots
	if cfg.SchedulerType == domain.SchedulerTypeDRF {
		totals, err = s.registry.ScalingGroupTotals(ctx, scalingGroup)
		if err != nil {
			return fmt.Errorf("load scaling group totals: %w", err)
		}
		occupancy = make(map[string]resource.Slots, len(pending))
		for _, session := range pending {
			key := session.Owner.AccessKey
			if _, ok := occupancy[key]; ok {
				continue
			}
			occ, err := s.registry.KeypairOccupancy(ctx, key)
			if err != nil {
				return fmt.Errorf("load keypair occupancy for %s: %w", key, err)
			}
			occupancy[key] = occ
		}
	}

	strategy := NewStrategy(cfg.SchedulerType, totals, occupancy, cfg.NumRetriesToSkip)
	ordered := strategy.Prioritize(pending)

	for _, session := range ordered {
		timer := metrics.NewTimer()
		err := s.admitAndPlace(ctx, scalingGroup, cfg, session)
		timer.ObserveDuration(metrics.SchedulingLatency)

		if err == nil {
			metrics.SessionsScheduled.Inc()
			s.bus.PublishBroadcast("sokovan.events", events.Event{
				Kind:      events.SessionScheduledEvent,
				SessionID: session.ID,
			})
			continue
		}

		var admission *domain.SchedulingValidationError
		var capacity *domain.CapacityError
		switch {
		case errors.As(err, &admission):
			predicate := "admission"
			if len(admission.Failures) > 0 {
				predicate = admission.Failures[0].Predicate
			}
			metrics.SessionsAdmissionFailed.WithLabelValues(predicate).Inc()
			if uerr := s.registry.UpdateSessionSchedulingFailure(ctx, session.ID, err.Error()); uerr != nil {
				s.logger.Error().Err(uerr).Str("session_id", session.ID).Msg("failed to record admission failure")
			}
		case errors.As(err, &capacity):
			metrics.SessionsCapacityMissed.Inc()
			if uerr := s.registry.UpdateSessionSchedulingFailure(ctx, session.ID, err.Error()); uerr != nil {
				s.logger.Error().Err(uerr).Str("session_id", session.ID).Msg("failed to record capacity miss")
			}
		default:
			s.logger.Error().Err(err).Str("session_id", session.ID).Msg("unexpected scheduling error")
		}
	}
	return nil
}

func (s *Scheduler) admitAndPlace(ctx context.Context, scalingGroup string, cfg ScalingGroupConfig, session domain.SessionView) error {
	vctx, err := s.registry.LoadValidatorContext(ctx, session)
	if err != nil {
		return fmt.Errorf("load validator context: %w", err)
	}

	if verr := s.predicates.Evaluate(vctx); verr != nil && verr.HasFailures() {
		return verr
	}

	sel, ok := selector.New(cfg.SelectorStrategy)
	if !ok {
		sel, _ = selector.New(domain.AgentSelectionRoundRobin)
	}

	if session.ClusterMode == domain.ClusterModeMultiNode && session.ClusterSize > 1 {
		return s.placeMultiNode(ctx, scalingGroup, sel, session)
	}
	return s.placeSingleNode(ctx, scalingGroup, sel, session)
}

// singleNodeArchitecture returns the one architecture every kernel of a
// single-node session must share; spec.md requires heterogeneous
// architectures within a single-node session to be rejected outright
// rather than filtered down to a subset of candidates.
func singleNodeArchitecture(sessionID string, kernels []domain.Kernel) (string, error) {
	if len(kernels) == 0 {
		return "", &domain.ConsistencyError{Invariant: "single-node session has a kernel", Detail: sessionID}
	}
	arch := kernels[0].Architecture
	for _, k := range kernels[1:] {
		if k.Architecture != arch {
			verr := &domain.SchedulingValidationError{SessionID: sessionID}
			verr.Add("architecture", fmt.Sprintf("single-node session has heterogeneous kernel architectures: %s vs %s", arch, k.Architecture))
			return "", verr
		}
	}
	return arch, nil
}

func (s *Scheduler) placeSingleNode(ctx context.Context, scalingGroup string, sel selector.Selector, session domain.SessionView) error {
	kernels, err := s.registry.KernelsForSession(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("load kernels for session: %w", err)
	}
	architecture, err := singleNodeArchitecture(session.ID, kernels)
	if err != nil {
		return err
	}

	candidates, err := s.registry.LoadCandidateAgents(ctx, scalingGroup, architecture)
	if err != nil {
		return fmt.Errorf("load candidate agents: %w", err)
	}

	agentID, ok := sel.Select(toAgents(candidates), session.RequestedSlots)
	if !ok {
		return &domain.CapacityError{ScalingGroup: scalingGroup, Err: fmt.Errorf("no agent fits session %s", session.ID)}
	}

	alloc, err := s.registry.ReserveAgent(ctx, scalingGroup, agentID, session.RequestedSlots)
	if err != nil {
		return err
	}

	if err := s.registry.FinalizeSingleNodeSession(ctx, session.ID, alloc); err != nil {
		if rerr := s.registry.ReleaseAgent(ctx, alloc.AgentID, alloc.Slots); rerr != nil {
			s.logger.Error().Err(rerr).Str("agent_id", alloc.AgentID).Msg("failed to release agent after finalize failure")
		}
		return fmt.Errorf("finalize single-node session: %w", err)
	}
	return nil
}

func (s *Scheduler) placeMultiNode(ctx context.Context, scalingGroup string, sel selector.Selector, session domain.SessionView) error {
	kernels, err := s.registry.KernelsForSession(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("load kernels for session: %w", err)
	}
	if len(kernels) == 0 {
		return &domain.ConsistencyError{Invariant: "multi-node session has kernels", Detail: session.ID}
	}

	var bindings []registry.KernelBinding
	var reserved []registry.AgentAllocCtx

	rollback := func() {
		for _, a := range reserved {
			if rerr := s.registry.ReleaseAgent(ctx, a.AgentID, a.Slots); rerr != nil {
				s.logger.Error().Err(rerr).Str("agent_id", a.AgentID).Msg("failed to release agent during multi-node rollback")
			}
		}
	}

	// Multi-node sessions may mix architectures across kernels, so each
	// kernel gets its own architecture-filtered candidate list rather
	// than sharing one loaded up front.
	for _, k := range kernels {
		candidates, err := s.registry.LoadCandidateAgents(ctx, scalingGroup, k.Architecture)
		if err != nil {
			rollback()
			return fmt.Errorf("load candidate agents: %w", err)
		}

		agentID, ok := sel.Select(toAgents(candidates), k.RequestedSlots)
		if !ok {
			rollback()
			return &domain.CapacityError{ScalingGroup: scalingGroup, Err: fmt.Errorf("no agent fits kernel %s", k.ID)}
		}
		alloc, err := s.registry.ReserveAgent(ctx, scalingGroup, agentID, k.RequestedSlots)
		if err != nil {
			rollback()
			return err
		}
		reserved = append(reserved, alloc)
		bindings = append(bindings, registry.KernelBinding{KernelID: k.ID, Alloc: alloc})
	}

	if err := s.registry.FinalizeMultiNodeSession(ctx, session.ID, bindings); err != nil {
		rollback()
		return fmt.Errorf("finalize multi-node session: %w", err)
	}
	return nil
}

func toAgents(views []domain.AgentView) []domain.Agent {
	out := make([]domain.Agent, len(views))
	for i, v := range views {
		out[i] = v.Agent
	}
	return out
}
