// Package selector implements the pluggable agent-selection strategies
// the scheduler uses to pick an agent (or per-kernel agents) from a
// candidate set that Registry.LoadCandidateAgents has already narrowed
// to ALIVE, schedulable agents of the scaling group with the requested
// architecture. Each strategy checks free capacity itself; no
// container_limit filter is applied.
package selector

import (
	"sort"

	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/resource"
)

// Selector picks one agent id from candidates able to satisfy need, or
// reports ok=false if none qualify. Selectors never suspend: they
// operate on an already-materialized candidate slice.
type Selector interface {
	Select(candidates []domain.Agent, need resource.Slots) (agentID string, ok bool)
}

// Factory constructs a Selector, allowing strategies to carry
// per-scaling-group state (e.g. round-robin's cursor).
type Factory func() Selector

// registry maps agent_selection_strategy config values to factories.
var registry = map[domain.AgentSelectionStrategy]Factory{
	domain.AgentSelectionRoundRobin:   func() Selector { return &RoundRobin{} },
	domain.AgentSelectionConcentrated: func() Selector { return &Concentrated{} },
	domain.AgentSelectionDispersed:    func() Selector { return &Dispersed{} },
	domain.AgentSelectionLegacy:       func() Selector { return &Legacy{} },
}

// New constructs the Selector registered for strategy, or (nil, false)
// if the strategy name is unrecognized.
func New(strategy domain.AgentSelectionStrategy) (Selector, bool) {
	factory, ok := registry[strategy]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// fits reports whether agent a has enough free capacity for need.
func fits(a domain.Agent, need resource.Slots) bool {
	free, err := a.FreeSlots()
	if err != nil {
		return false
	}
	return need.LessEq(free)
}

func sortedByID(candidates []domain.Agent) []domain.Agent {
	out := make([]domain.Agent, len(candidates))
	copy(out, candidates)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
