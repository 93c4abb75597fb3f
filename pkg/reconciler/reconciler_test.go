package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan/manager/pkg/clock"
	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/events"
	"github.com/sokovan/manager/pkg/registry"
	"github.com/sokovan/manager/pkg/resource"
)

func slots(cpu int64) resource.Slots {
	return resource.Slots{"cpu": resource.NewQuantityInt(cpu)}
}

func newTestReconciler(reg registry.Registry, cfg Config) *Reconciler {
	return New(reg, events.NewBus(nil), dialerFor(&fakeAgentClient{}), cfg)
}

func TestAutoscaleServices_ScalesDownUnhealthyRoutingFirst(t *testing.T) {
	ep := domain.Endpoint{
		ID:               "ep-1",
		LifecycleStage:   domain.EndpointStageCreated,
		Replicas:         2,
		AutoscalingRules: []domain.AutoscalingRule{{MaxReplicas: 1}},
	}
	healthySession := domain.Session{ID: "sess-healthy", Status: domain.SessionStatusRunning, Owner: domain.Owner{AccessKey: "ak1"}}
	unhealthySession := domain.Session{ID: "sess-unhealthy", Status: domain.SessionStatusRunning, Owner: domain.Owner{AccessKey: "ak1"}}
	healthyRouting := domain.Routing{ID: "rt-healthy", EndpointID: ep.ID, SessionID: healthySession.ID, Status: domain.RoutingStatusHealthy, CreatedAt: time.Now()}
	unhealthyRouting := domain.Routing{ID: "rt-unhealthy", EndpointID: ep.ID, SessionID: unhealthySession.ID, Status: domain.RoutingStatusUnhealthy, CreatedAt: time.Now()}

	reg := registry.NewMemory().
		PutEndpoint(ep).
		PutSession(healthySession).
		PutSession(unhealthySession).
		PutRouting(healthyRouting).
		PutRouting(unhealthyRouting)

	r := newTestReconciler(reg, Config{ServiceMaxRetries: 3})

	require.NoError(t, r.AutoscaleServices(context.Background()))

	assert.Equal(t, domain.RoutingStatusTerminating, reg.Routings["rt-unhealthy"].Status, "the unhealthy routing should be terminated before the healthy one")
	assert.Equal(t, domain.RoutingStatusHealthy, reg.Routings["rt-healthy"].Status)
	assert.Equal(t, domain.SessionStatusTerminating, reg.Sessions["sess-unhealthy"].Status)
	assert.Equal(t, 1, reg.Endpoints["ep-1"].Replicas)
}

func TestAutoscaleServices_ScalesUpWithinRetryBudget(t *testing.T) {
	ep := domain.Endpoint{
		ID:               "ep-2",
		LifecycleStage:   domain.EndpointStageCreated,
		Replicas:         0,
		Retries:          0,
		AutoscalingRules: []domain.AutoscalingRule{{MinReplicas: 2}},
	}
	reg := registry.NewMemory().PutEndpoint(ep)
	r := newTestReconciler(reg, Config{ServiceMaxRetries: 3})

	require.NoError(t, r.AutoscaleServices(context.Background()))

	assert.Equal(t, 2, reg.Endpoints["ep-2"].Replicas, "desired replica count should still persist even though scale-up is just an event emission")
}

func TestAutoscaleServices_SkipsScaleUpPastRetryBudget(t *testing.T) {
	ep := domain.Endpoint{
		ID:               "ep-3",
		LifecycleStage:   domain.EndpointStageCreated,
		Replicas:         0,
		Retries:          10,
		AutoscalingRules: []domain.AutoscalingRule{{MinReplicas: 2}},
	}
	reg := registry.NewMemory().PutEndpoint(ep)
	r := newTestReconciler(reg, Config{ServiceMaxRetries: 3})

	require.NoError(t, r.AutoscaleServices(context.Background()))

	// scaleUp is skipped (retries exceeded), but the clamp still
	// updates the persisted replica target for the next cycle.
	assert.Equal(t, 2, reg.Endpoints["ep-3"].Replicas)
}

func TestAutoscaleServices_ReapsDestroyingEndpointWithNoActiveRoutings(t *testing.T) {
	ep := domain.Endpoint{ID: "ep-4", LifecycleStage: domain.EndpointStageDestroying}
	reg := registry.NewMemory().PutEndpoint(ep)
	r := newTestReconciler(reg, Config{})

	require.NoError(t, r.AutoscaleServices(context.Background()))

	_, exists := reg.Endpoints["ep-4"]
	assert.False(t, exists, "a destroying endpoint with no active routings should be reaped")
}

func TestTerminalSweep_FinishesSessionsWithAllKernelsTerminated(t *testing.T) {
	session := domain.Session{ID: "sess-done", Status: domain.SessionStatusTerminating, Owner: domain.Owner{AccessKey: "ak1"}}
	kernel := domain.Kernel{ID: "kern-done", SessionID: session.ID, AgentID: "agent-1", Status: domain.KernelStatusTerminated, RequestedSlots: slots(2)}
	agent := domain.Agent{ID: "agent-1", Status: domain.AgentStatusAlive, AvailableSlots: slots(4), OccupiedSlots: slots(2)}

	reg := registry.NewMemory().PutSession(session).PutKernel(kernel).PutAgent(agent)
	require.NoError(t, reg.IncrConcurrency(context.Background(), "ak1", false))

	r := newTestReconciler(reg, Config{})
	require.NoError(t, r.TerminalSweep(context.Background()))

	assert.Equal(t, domain.SessionStatusTerminated, reg.Sessions["sess-done"].Status)
	assert.True(t, reg.Agents["agent-1"].OccupiedSlots.Get("cpu").IsZero())

	used, _, err := concurrencyUsed(reg, "ak1")
	require.NoError(t, err)
	assert.Equal(t, 0, used)
}

func TestTerminalSweep_ForceTerminatesSessionsPastHangTolerance(t *testing.T) {
	session := domain.Session{ID: "sess-hung", Status: domain.SessionStatusPreparing, Owner: domain.Owner{AccessKey: "ak1"}}
	kernel := domain.Kernel{ID: "kern-hung", SessionID: session.ID, AgentID: "agent-1", Status: domain.KernelStatusPreparing, RequestedSlots: slots(2)}
	agent := domain.Agent{ID: "agent-1", Status: domain.AgentStatusAlive, AvailableSlots: slots(4), OccupiedSlots: slots(2)}

	reg := registry.NewMemory().PutSession(session).PutKernel(kernel).PutAgent(agent)
	reg.StatusHistory[session.ID] = []domain.StatusHistoryEntry{
		{Status: domain.SessionStatusPreparing, Timestamp: time.Now().Add(-time.Hour)},
	}

	client := &fakeAgentClient{}
	r := New(reg, events.NewBus(nil), dialerFor(client), Config{HangTolerance: time.Minute})

	require.NoError(t, r.TerminalSweep(context.Background()))

	assert.Equal(t, domain.SessionStatusTerminated, reg.Sessions["sess-hung"].Status)
	assert.Contains(t, client.destroyCalls, "kern-hung")
}

func TestTerminalSweep_LeavesFreshPreparingSessionsAlone(t *testing.T) {
	session := domain.Session{ID: "sess-fresh", Status: domain.SessionStatusPreparing, Owner: domain.Owner{AccessKey: "ak1"}}
	reg := registry.NewMemory().PutSession(session)
	reg.StatusHistory[session.ID] = []domain.StatusHistoryEntry{
		{Status: domain.SessionStatusPreparing, Timestamp: time.Now()},
	}

	r := newTestReconciler(reg, Config{HangTolerance: time.Hour})
	require.NoError(t, r.TerminalSweep(context.Background()))

	assert.Equal(t, domain.SessionStatusPreparing, reg.Sessions["sess-fresh"].Status)
}

func TestAgentHealthSweep_CrossesThresholdOnFakeClockAdvance(t *testing.T) {
	fake := clock.NewFake(time.Now())
	agent := domain.Agent{ID: "agent-1", Status: domain.AgentStatusAlive, LastHeartbeat: fake.Now()}
	reg := registry.NewMemory().PutAgent(agent)
	reg.Clock = fake

	r := newTestReconciler(reg, Config{HeartbeatThreshold: time.Minute})

	require.NoError(t, r.AgentHealthSweep(context.Background()))
	assert.Equal(t, domain.AgentStatusAlive, reg.Agents["agent-1"].Status, "heartbeat is still within the threshold")

	fake.Advance(2 * time.Minute)
	require.NoError(t, r.AgentHealthSweep(context.Background()))
	assert.Equal(t, domain.AgentStatusLost, reg.Agents["agent-1"].Status, "advancing the clock past the threshold should mark it lost")
}

func TestZombieAndDriftRepair_CleansZombieRoutingsAndRescansConcurrency(t *testing.T) {
	routing := domain.Routing{ID: "rt-zombie", EndpointID: "ep-1", SessionID: "no-such-session"}
	session := domain.Session{ID: "sess-occupying", Status: domain.SessionStatusRunning, Owner: domain.Owner{AccessKey: "ak1"}}

	reg := registry.NewMemory().PutRouting(routing).PutSession(session)

	r := newTestReconciler(reg, Config{})
	require.NoError(t, r.ZombieAndDriftRepair(context.Background()))

	_, exists := reg.Routings["rt-zombie"]
	assert.False(t, exists)

	used, _, err := concurrencyUsed(reg, "ak1")
	require.NoError(t, err)
	assert.Equal(t, 1, used, "rescan should pick up the occupying session the fast counter never saw")
}

func TestAgentHealthSweep_MarksStaleAgentsLost(t *testing.T) {
	agent := domain.Agent{ID: "agent-stale", Status: domain.AgentStatusAlive, LastHeartbeat: time.Now().Add(-time.Hour)}
	reg := registry.NewMemory().PutAgent(agent)

	r := newTestReconciler(reg, Config{HeartbeatThreshold: time.Minute})
	require.NoError(t, r.AgentHealthSweep(context.Background()))

	assert.Equal(t, domain.AgentStatusLost, reg.Agents["agent-stale"].Status)
}

func TestAgentHealthSweep_LeavesFreshAgentsAlone(t *testing.T) {
	agent := domain.Agent{ID: "agent-fresh", Status: domain.AgentStatusAlive, LastHeartbeat: time.Now()}
	reg := registry.NewMemory().PutAgent(agent)

	r := newTestReconciler(reg, Config{HeartbeatThreshold: time.Hour})
	require.NoError(t, r.AgentHealthSweep(context.Background()))

	assert.Equal(t, domain.AgentStatusAlive, reg.Agents["agent-fresh"].Status)
}

func TestSyncKernelStats_PullsAndPersistsWhenEnabled(t *testing.T) {
	session := domain.Session{ID: "sess-1", Status: domain.SessionStatusRunning}
	kernel := domain.Kernel{ID: "kern-1", SessionID: session.ID, AgentID: "agent-1", AgentAddr: "10.0.0.1:6001", Status: domain.KernelStatusRunning}
	reg := registry.NewMemory().PutSession(session).PutKernel(kernel)

	client := &fakeAgentClient{pingStat: map[string]string{"cpu_used": "0.5"}}
	r := New(reg, events.NewBus(nil), dialerFor(client), Config{PeriodicSyncStats: true})

	require.NoError(t, r.SyncKernelStats(context.Background()))

	assert.Equal(t, map[string]string{"cpu_used": "0.5"}, reg.Kernels["kern-1"].LastStat)
}

func TestSyncKernelStats_SkippedWhenDisabled(t *testing.T) {
	session := domain.Session{ID: "sess-1", Status: domain.SessionStatusRunning}
	kernel := domain.Kernel{ID: "kern-1", SessionID: session.ID, AgentID: "agent-1", AgentAddr: "10.0.0.1:6001"}
	reg := registry.NewMemory().PutSession(session).PutKernel(kernel)

	client := &fakeAgentClient{pingStat: map[string]string{"cpu_used": "0.5"}}
	r := New(reg, events.NewBus(nil), dialerFor(client), Config{PeriodicSyncStats: false})

	require.NoError(t, r.SyncKernelStats(context.Background()))

	assert.Nil(t, reg.Kernels["kern-1"].LastStat)
}

// concurrencyUsed seeds a permissive keypair policy if one isn't
// already present so CheckKeypairConcurrency can report the fast
// counter's current value.
func concurrencyUsed(reg *registry.Memory, accessKey string) (int, int, error) {
	if _, ok := reg.KeypairPolicies[accessKey]; !ok {
		reg.PutKeypairPolicy(domain.KeypairResourcePolicy{AccessKey: accessKey, MaxConcurrentSessions: 100})
	}
	limit, used, err := reg.CheckKeypairConcurrency(context.Background(), accessKey, false)
	return used, limit, err
}
