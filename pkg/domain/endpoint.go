package domain

import "time"

// EndpointLifecycleStage is the lifecycle of an inference endpoint.
type EndpointLifecycleStage string

const (
	EndpointStageCreated   EndpointLifecycleStage = "CREATED"
	EndpointStageDestroying EndpointLifecycleStage = "DESTROYING"
	EndpointStageDestroyed EndpointLifecycleStage = "DESTROYED"
)

// AutoscalingRule is one threshold-driven replica-count rule evaluated
// against the latest metrics during Stage D (Autoscale Services).
type AutoscalingRule struct {
	Metric      string
	Threshold   float64
	StepSize    int
	MinReplicas int
	MaxReplicas int
}

// Endpoint is an inference-service abstraction layered over sessions to
// provide autoscaled replicas.
type Endpoint struct {
	ID             string
	Model          string
	Replicas       int
	LifecycleStage EndpointLifecycleStage
	Retries        int
	AutoscalingRules []AutoscalingRule
	Routings       []string // routing ids
	CreatedAt      time.Time
}

// RoutingStatus is the health of one Endpoint-to-Session pairing.
type RoutingStatus string

const (
	RoutingStatusProvisioning RoutingStatus = "PROVISIONING"
	RoutingStatusHealthy      RoutingStatus = "HEALTHY"
	RoutingStatusUnhealthy    RoutingStatus = "UNHEALTHY"
	RoutingStatusTerminating  RoutingStatus = "TERMINATING"
)

// Active reports whether a routing counts toward an endpoint's active
// replica count (spec.md §4.5 Stage D: "active = count(routings in
// {PROVISIONING, HEALTHY})").
func (s RoutingStatus) Active() bool {
	return s == RoutingStatusProvisioning || s == RoutingStatusHealthy
}

// Routing pairs an Endpoint to a Session.
type Routing struct {
	ID         string
	EndpointID string
	SessionID  string
	Status     RoutingStatus
	CreatedAt  time.Time
}

// SessionDependency records that a session may not be scheduled until
// another session it depends on reaches a terminal, successful status.
type SessionDependency struct {
	SessionID     string
	DependsOnID   string
}
