package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan/manager/pkg/domain"
)

func TestLoadScalingGroup_ReturnsPersistedRow(t *testing.T) {
	reg := NewMemory().PutScalingGroup(domain.ScalingGroup{
		Name:             "gpu-pool",
		SchedulerType:    domain.SchedulerTypeDRF,
		SelectorStrategy: domain.AgentSelectionDispersed,
		Opts:             domain.ScalingGroupOpts{NumRetriesToSkip: 2, ContainerLimit: 10},
	})

	sg, err := reg.LoadScalingGroup(context.Background(), "gpu-pool")
	require.NoError(t, err)
	assert.Equal(t, domain.SchedulerTypeDRF, sg.SchedulerType)
	assert.Equal(t, domain.AgentSelectionDispersed, sg.SelectorStrategy)
	assert.Equal(t, 2, sg.Opts.NumRetriesToSkip)
}

func TestLoadScalingGroup_NotFound(t *testing.T) {
	reg := NewMemory()

	_, err := reg.LoadScalingGroup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrScalingGroupNotFound)
}

func TestSetAgentSchedulable_UnknownAgent(t *testing.T) {
	reg := NewMemory()
	err := reg.SetAgentSchedulable(context.Background(), "missing", false)
	assert.Error(t, err)
}

func TestSetAgentSchedulable_FlipsExistingAgent(t *testing.T) {
	reg := NewMemory().PutAgent(domain.Agent{ID: "agent-1", Schedulable: true})

	require.NoError(t, reg.SetAgentSchedulable(context.Background(), "agent-1", false))
	assert.False(t, reg.Agents["agent-1"].Schedulable)
}
