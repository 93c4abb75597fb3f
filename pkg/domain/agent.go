package domain

import (
	"time"

	"github.com/sokovan/manager/pkg/resource"
)

// AgentStatus is the liveness state of a compute node.
type AgentStatus string

const (
	AgentStatusAlive      AgentStatus = "ALIVE"
	AgentStatusLost       AgentStatus = "LOST"
	AgentStatusTerminated AgentStatus = "TERMINATED"
)

// Agent is one compute node capable of running kernels.
type Agent struct {
	ID           string
	Addr         string
	ScalingGroup string
	Architecture string

	AvailableSlots resource.Slots
	OccupiedSlots  resource.Slots
	ContainerCount int

	Schedulable bool

	// Version and CompatFlags record the agent build and the features it
	// advertises. They are loaded with the agent, but no predicate,
	// candidate filter or selector consults them.
	Version      string
	CompatFlags  []string

	LastHeartbeat time.Time
	Status        AgentStatus
}

// FreeSlots returns the agent's remaining capacity.
func (a *Agent) FreeSlots() (resource.Slots, error) {
	return a.AvailableSlots.Sub(a.OccupiedSlots)
}

// HasCompatFlag reports whether the agent advertises the given
// compatibility flag.
func (a *Agent) HasCompatFlag(flag string) bool {
	for _, f := range a.CompatFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// AgentView is the read-only candidate projection the Registry returns
// for placement decisions.
type AgentView struct {
	Agent
}
