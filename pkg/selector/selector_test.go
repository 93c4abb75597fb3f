package selector

import (
	"testing"

	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentWithFree(id string, free int64) domain.Agent {
	return domain.Agent{
		ID:             id,
		Architecture:   "x86_64",
		Schedulable:    true,
		AvailableSlots: resource.Slots{"cpu": resource.NewQuantityInt(free)},
		OccupiedSlots:  resource.Slots{},
		Status:         domain.AgentStatusAlive,
	}
}

func TestNewUnknownStrategy(t *testing.T) {
	_, ok := New("bogus")
	assert.False(t, ok)
}

func TestRoundRobinCyclesAgents(t *testing.T) {
	rr, ok := New(domain.AgentSelectionRoundRobin)
	require.True(t, ok)

	candidates := []domain.Agent{agentWithFree("a1", 4), agentWithFree("a2", 4)}
	need := resource.Slots{"cpu": resource.NewQuantityInt(2)}

	first, ok := rr.Select(candidates, need)
	require.True(t, ok)

	second, ok := rr.Select(candidates, need)
	require.True(t, ok)
	assert.NotEqual(t, first, second, "round robin should alternate")
}

func TestConcentratedPrefersTighterFit(t *testing.T) {
	c, _ := New(domain.AgentSelectionConcentrated)
	candidates := []domain.Agent{agentWithFree("roomy", 100), agentWithFree("tight", 4)}
	need := resource.Slots{"cpu": resource.NewQuantityInt(2)}

	picked, ok := c.Select(candidates, need)
	require.True(t, ok)
	assert.Equal(t, "tight", picked)
}

func TestDispersedPrefersMoreFreeCapacity(t *testing.T) {
	d, _ := New(domain.AgentSelectionDispersed)
	candidates := []domain.Agent{agentWithFree("roomy", 100), agentWithFree("tight", 4)}
	need := resource.Slots{"cpu": resource.NewQuantityInt(2)}

	picked, ok := d.Select(candidates, need)
	require.True(t, ok)
	assert.Equal(t, "roomy", picked)
}

func TestLegacyPicksLexicallyFirstFit(t *testing.T) {
	l, _ := New(domain.AgentSelectionLegacy)
	candidates := []domain.Agent{agentWithFree("b", 4), agentWithFree("a", 4)}
	need := resource.Slots{"cpu": resource.NewQuantityInt(2)}

	picked, ok := l.Select(candidates, need)
	require.True(t, ok)
	assert.Equal(t, "a", picked)
}

func TestSelectReturnsFalseWhenNoneFit(t *testing.T) {
	for _, strategy := range []domain.AgentSelectionStrategy{
		domain.AgentSelectionRoundRobin,
		domain.AgentSelectionConcentrated,
		domain.AgentSelectionDispersed,
		domain.AgentSelectionLegacy,
	} {
		s, _ := New(strategy)
		candidates := []domain.Agent{agentWithFree("a1", 1)}
		need := resource.Slots{"cpu": resource.NewQuantityInt(4)}

		_, ok := s.Select(candidates, need)
		assert.False(t, ok, "strategy %s should report no fit", strategy)
	}
}
