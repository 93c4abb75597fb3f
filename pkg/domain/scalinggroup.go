package domain

// SchedulerType selects the prioritization strategy a scaling group's
// scheduler tick uses.
type SchedulerType string

const (
	SchedulerTypeFIFO SchedulerType = "fifo"
	SchedulerTypeLIFO SchedulerType = "lifo"
	SchedulerTypeDRF  SchedulerType = "drf"
)

// AgentSelectionStrategy names one of the pluggable agent-selector
// strategies (pkg/selector).
type AgentSelectionStrategy string

const (
	AgentSelectionRoundRobin  AgentSelectionStrategy = "round-robin"
	AgentSelectionConcentrated AgentSelectionStrategy = "concentrated"
	AgentSelectionDispersed   AgentSelectionStrategy = "dispersed"
	AgentSelectionLegacy      AgentSelectionStrategy = "legacy"
)

// ScalingGroupOpts carries the per-scaling-group tunables spec.md §6
// enumerates.
type ScalingGroupOpts struct {
	NumRetriesToSkip int
	ContainerLimit   int
}

// ScalingGroup is a pool of agents sharing a scheduler and
// agent-selector configuration.
type ScalingGroup struct {
	Name             string
	SchedulerType    SchedulerType
	SelectorStrategy AgentSelectionStrategy
	Opts             ScalingGroupOpts
}
