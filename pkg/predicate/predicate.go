// Package predicate implements the stateless admission checks that
// decide whether a PENDING session may advance to SCHEDULED. Every
// predicate operates on a pre-materialized ValidatorContext; none of
// them perform registry I/O of their own, so evaluation never suspends.
package predicate

import (
	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/resource"
)

// ValidatorContext is populated once per session by the scheduler from
// Registry reads, before any predicate runs.
type ValidatorContext struct {
	Session domain.Session

	// Concurrency bucket state for the session's access_key.
	ConcurrencyUsed  int
	ConcurrencyLimit int
	SFTPUsed         int
	SFTPLimit        int

	// Dependencies, keyed by session id, holding each depended-on
	// session's current status (and whether it succeeded, for batch
	// sessions whose terminal state isn't simply TERMINATED).
	DependencyStatus map[string]domain.SessionStatus
	DependencySucceeded map[string]bool

	KeypairPolicy *domain.KeypairResourcePolicy
	UserPolicy    *domain.UserResourcePolicy
	GroupPolicy   *domain.GroupResourcePolicy
	DomainPolicy  *domain.DomainResourcePolicy

	KeypairOccupancy resource.Slots
	UserOccupancy    resource.Slots
	GroupOccupancy   resource.Slots
	DomainOccupancy  resource.Slots

	PendingCountForKey     int
	PendingResourceForKey  resource.Slots
}

// Predicate is one independent, side-effect-free admissibility check.
type Predicate interface {
	// Name identifies the predicate for diagnostics and metrics labels.
	Name() string
	// Evaluate returns a non-empty reason string if the session is
	// refused, or "" if it passes.
	Evaluate(ctx *ValidatorContext) string
}

// Hook is an externally registered Predicate that runs alongside the
// built-in set; its failure is folded into the same
// SchedulingValidationError taxonomy (spec.md §4.6).
type Hook = Predicate

// Engine runs every registered predicate unconditionally and aggregates
// failures into one SchedulingValidationError, matching spec.md §4.3:
// "All predicates run; failures are aggregated into a single diagnosis".
type Engine struct {
	predicates []Predicate
}

// NewEngine builds an Engine with the nine built-in predicates plus any
// additional hooks.
func NewEngine(hooks ...Hook) *Engine {
	e := &Engine{
		predicates: []Predicate{
			&ReservedBatchSession{},
			&Concurrency{},
			&Dependencies{},
			&KeypairResourceLimit{},
			&UserResourceLimit{},
			&GroupResourceLimit{},
			&DomainResourceLimit{},
			&PendingSessionCountLimit{},
			&PendingSessionResourceLimit{},
		},
	}
	e.predicates = append(e.predicates, hooks...)
	return e
}

// Evaluate runs every predicate and returns a *domain.SchedulingValidationError
// if any failed, or nil if the session passed all of them.
func (e *Engine) Evaluate(ctx *ValidatorContext) *domain.SchedulingValidationError {
	result := &domain.SchedulingValidationError{SessionID: ctx.Session.ID}
	for _, p := range e.predicates {
		if reason := p.Evaluate(ctx); reason != "" {
			result.Add(p.Name(), reason)
		}
	}
	if result.HasFailures() {
		return result
	}
	return nil
}
