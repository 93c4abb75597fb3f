package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sokovan/manager/pkg/agentrpc"
	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/events"
	"github.com/sokovan/manager/pkg/metrics"
)

// CheckPrecondition is Stage B: for every SCHEDULED session, confirm
// each kernel's agent already has (or can pull) its image, then
// advance the session to PREPARED. On a pull failure the session stays
// in PREPARING and the failing kernel is marked CANCELLED; only
// SCHEDULED sessions are loaded here, so later ticks do not re-check it.
func (s *Scheduler) CheckPrecondition(ctx context.Context, scalingGroup string) error {
	sessions, err := s.registry.SessionsByStatus(ctx, scalingGroup, domain.SessionStatusScheduled)
	if err != nil {
		return fmt.Errorf("load scheduled sessions: %w", err)
	}

	for _, session := range sessions {
		if err := s.registry.MarkSessionStatus(ctx, session.ID, domain.SessionStatusPreparing, "checking image availability", nil); err != nil {
			s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to mark session preparing")
			continue
		}

		kernels, err := s.registry.KernelsForSession(ctx, session.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to load kernels for precondition check")
			continue
		}

		ready := true
		for _, k := range kernels {
			if err := s.ensureImage(ctx, k); err != nil {
				ready = false
				if uerr := s.registry.UpdateKernelSchedulingFailure(ctx, session.ID, k.ID, err.Error()); uerr != nil {
					s.logger.Error().Err(uerr).Str("kernel_id", k.ID).Msg("failed to record kernel precondition failure")
				}
				s.handleAgentError(ctx, session.ID, err)
			}
		}

		if ready {
			if err := s.registry.MarkSessionStatus(ctx, session.ID, domain.SessionStatusPrepared, "image present on all agents", nil); err != nil {
				s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to mark session prepared")
			}
		}
	}
	return nil
}

func (s *Scheduler) ensureImage(ctx context.Context, k domain.Kernel) error {
	client, err := s.dial(k.AgentID, k.AgentAddr)
	if err != nil {
		return &domain.AgentError{Kind: domain.AgentErrorRPCFailed, AgentID: k.AgentID, Err: err}
	}

	resp, err := client.CheckAndPullImage(ctx, &agentrpc.CheckAndPullImageRequest{Image: k.Image})
	if err != nil {
		return &domain.AgentError{Kind: domain.AgentErrorRPCFailed, AgentID: k.AgentID, Err: err}
	}
	if !resp.Present {
		return &domain.AgentError{Kind: domain.AgentErrorRPCTimeout, AgentID: k.AgentID, Err: fmt.Errorf("image %s not yet present on agent %s", k.Image, k.AgentID)}
	}
	return nil
}

// Start is Stage C: for every PREPARED session, ask each kernel's
// agent to create the kernel's container, and on success promote the
// session all the way to RUNNING.
func (s *Scheduler) Start(ctx context.Context, scalingGroup string) error {
	sessions, err := s.registry.SessionsByStatus(ctx, scalingGroup, domain.SessionStatusPrepared)
	if err != nil {
		return fmt.Errorf("load prepared sessions: %w", err)
	}

	for _, session := range sessions {
		if err := s.registry.MarkSessionStatus(ctx, session.ID, domain.SessionStatusCreating, "creating kernels", nil); err != nil {
			s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to mark session creating")
			continue
		}

		kernels, err := s.registry.KernelsForSession(ctx, session.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to load kernels for start")
			continue
		}

		if err := s.createKernels(ctx, session, kernels); err != nil {
			s.handleAgentError(ctx, session.ID, err)
			if session.Retries < s.StartRPCRetryBudget {
				s.retryFailedStart(ctx, session, err)
				continue
			}
			s.cancelFailedStart(ctx, session, kernels, err)
			continue
		}

		if err := s.registry.MarkSessionStatus(ctx, session.ID, domain.SessionStatusRunning, "all kernels running", nil); err != nil {
			s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to mark session running")
			continue
		}
		s.bus.PublishAnycast("sokovan.events", "session-creators", events.Event{
			Kind:      events.KernelStartedEvent,
			SessionID: session.ID,
		})
	}
	return nil
}

func (s *Scheduler) createKernels(ctx context.Context, session domain.SessionView, kernels []domain.Kernel) error {
	byAgent := make(map[string][]domain.Kernel)
	for _, k := range kernels {
		byAgent[k.AgentID] = append(byAgent[k.AgentID], k)
	}

	for agentID, agentKernels := range byAgent {
		client, err := s.dial(agentID, agentKernels[0].AgentAddr)
		if err != nil {
			return &domain.AgentError{Kind: domain.AgentErrorRPCFailed, AgentID: agentID, Err: err}
		}

		timer := metrics.NewTimer()
		resp, err := client.CreateKernels(ctx, &agentrpc.CreateKernelsRequest{
			SessionID:       session.ID,
			Kernels:         agentKernels,
			StartupCommand:  session.StartupCommand,
			BootstrapScript: session.BootstrapScript,
			Env:             session.Env,
			Mounts:          session.Mounts,
		})
		timer.ObserveDuration(metrics.KernelCreateDuration)
		if err != nil {
			metrics.AgentRPCErrors.WithLabelValues("CreateKernels").Inc()
			return &domain.AgentError{Kind: domain.AgentErrorRPCFailed, AgentID: agentID, Err: err}
		}

		for _, k := range agentKernels {
			if err := s.registry.MarkSessionStatus(ctx, session.ID, domain.SessionStatusCreating, "kernel created", map[string]string{
				"kernel_id": k.ID,
				"ports":     fmt.Sprint(resp.ServicePorts[k.ID]),
			}); err != nil {
				s.logger.Error().Err(err).Str("kernel_id", k.ID).Msg("failed to record kernel creation")
			}
		}
	}
	return nil
}

// retryFailedStart implements the configurable alternative to
// cancelFailedStart: instead of cancelling on the first create_kernels
// failure, the session goes back to PREPARED so the next tick retries
// create_kernels against the same agent reservations, up to
// StartRPCRetryBudget attempts. Every kernel with an assigned agent is
// best-effort destroyed first, since the failed attempt may already
// have created it, so the retry doesn't leave a duplicate container
// behind.
func (s *Scheduler) retryFailedStart(ctx context.Context, session domain.SessionView, cause error) {
	kernels, err := s.registry.KernelsForSession(ctx, session.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to load kernels for start retry")
	}
	for _, k := range kernels {
		if k.AgentID == "" {
			continue
		}
		if client, derr := s.dial(k.AgentID, k.AgentAddr); derr == nil {
			if _, destroyErr := client.DestroyKernel(ctx, &agentrpc.DestroyKernelRequest{KernelID: k.ID}); destroyErr != nil {
				s.logger.Warn().Err(destroyErr).Str("kernel_id", k.ID).Msg("best-effort destroy before start retry failed")
			}
		}
	}

	if err := s.registry.UpdateSessionSchedulingFailure(ctx, session.ID, cause.Error()); err != nil {
		s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to record start retry")
	}
	if err := s.registry.MarkSessionStatus(ctx, session.ID, domain.SessionStatusPrepared, "retrying after start RPC failure: "+cause.Error(), nil); err != nil {
		s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to revert session to prepared for start retry")
	}
}

// cancelFailedStart implements spec.md §4.5 Stage C's failure path: an
// RPC failure during create_kernels is treated as fatal, not retried —
// the session moves straight to CANCELLED, every reservation it holds
// is released, and any kernel that may have started on another agent
// before the failing one is best-effort destroyed.
func (s *Scheduler) cancelFailedStart(ctx context.Context, session domain.SessionView, kernels []domain.Kernel, cause error) {
	reason := "unknown"
	var aerr *domain.AgentError
	if errors.As(cause, &aerr) {
		reason = string(aerr.Kind)
	}

	for _, k := range kernels {
		if k.AgentID == "" {
			continue
		}
		if client, derr := s.dial(k.AgentID, k.AgentAddr); derr == nil {
			if _, destroyErr := client.DestroyKernel(ctx, &agentrpc.DestroyKernelRequest{KernelID: k.ID}); destroyErr != nil {
				s.logger.Warn().Err(destroyErr).Str("kernel_id", k.ID).Msg("best-effort destroy of partially created kernel failed")
			}
		}
		if err := s.registry.ReleaseAgent(ctx, k.AgentID, k.RequestedSlots); err != nil {
			s.logger.Error().Err(err).Str("agent_id", k.AgentID).Str("kernel_id", k.ID).Msg("failed to release agent after start failure")
		}
	}

	if err := s.registry.MarkSessionStatus(ctx, session.ID, domain.SessionStatusCancelled, cause.Error(), nil); err != nil {
		s.logger.Error().Err(err).Str("session_id", session.ID).Msg("failed to mark session cancelled after start failure")
	}
	metrics.SessionsCancelled.WithLabelValues("start", reason).Inc()
}

// handleAgentError classifies err and, if it's an AgentError, decides
// whether the scheduler should leave the session for the next tick's
// retry or escalate — the reconciler's heartbeat sweep is the only path
// that marks an agent LOST, so Stage B/C here only logs and counts.
func (s *Scheduler) handleAgentError(ctx context.Context, sessionID string, err error) {
	var aerr *domain.AgentError
	if errors.As(err, &aerr) {
		s.logger.Warn().Err(aerr).Str("session_id", sessionID).Str("agent_id", aerr.AgentID).Str("kind", string(aerr.Kind)).Msg("agent error during lifecycle advance")
		return
	}
	s.logger.Error().Err(err).Str("session_id", sessionID).Msg("lifecycle advance failed")
}
