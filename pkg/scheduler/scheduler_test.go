package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan/manager/pkg/agentrpc"
	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/events"
	"github.com/sokovan/manager/pkg/lock"
	"github.com/sokovan/manager/pkg/registry"
	"github.com/sokovan/manager/pkg/resource"
)

const testScalingGroup = "default"

func slots(cpu int64) resource.Slots {
	return resource.Slots{"cpu": resource.NewQuantityInt(cpu)}
}

func pendingSession(id string) domain.Session {
	return domain.Session{
		ID:             id,
		Type:           domain.SessionTypeInteractive,
		ClusterMode:    domain.ClusterModeSingleNode,
		ClusterSize:    1,
		RequestedSlots: slots(2),
		Owner:          domain.Owner{AccessKey: "ak-" + id, UserUUID: "user-" + id},
		Scope:          domain.Scope{ResourceGroup: testScalingGroup},
		Status:         domain.SessionStatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

func agentFixture(id string, cpu int64) domain.Agent {
	return domain.Agent{
		ID:             id,
		Addr:           id + ":9999",
		ScalingGroup:   testScalingGroup,
		Architecture:   "x86_64",
		AvailableSlots: slots(cpu),
		OccupiedSlots:  resource.Slots{},
		Schedulable:    true,
		Status:         domain.AgentStatusAlive,
	}
}

func unlimitedKeypairPolicy(accessKey string) domain.KeypairResourcePolicy {
	return domain.KeypairResourcePolicy{
		AccessKey:             accessKey,
		MaxConcurrentSessions: 10,
		DefaultForUnspecified: domain.DefaultForUnspecifiedUnlimited,
	}
}

func newTestScheduler(reg registry.Registry, dial AgentDialer) *Scheduler {
	s := New(reg, lock.NewInMemory(), events.NewBus(nil), dial)
	s.RegisterScalingGroup(ScalingGroupConfig{
		Name:             testScalingGroup,
		SchedulerType:    domain.SchedulerTypeFIFO,
		SelectorStrategy: domain.AgentSelectionRoundRobin,
		DequeueLimit:     50,
	})
	return s
}

func TestSchedule_AdmitsAndReservesCapacity(t *testing.T) {
	session := pendingSession("sess-1")
	kernel := domain.Kernel{ID: "kern-1", SessionID: session.ID, RequestedSlots: session.RequestedSlots, Status: domain.KernelStatusPending, Architecture: "x86_64"}

	reg := registry.NewMemory().
		PutSession(session).
		PutKernel(kernel).
		PutAgent(agentFixture("agent-1", 4)).
		PutKeypairPolicy(unlimitedKeypairPolicy(session.Owner.AccessKey))

	s := newTestScheduler(reg, dialerFor(&fakeAgentClient{}))

	require.NoError(t, s.Schedule(context.Background(), testScalingGroup))

	got := reg.Sessions[session.ID]
	assert.Equal(t, domain.SessionStatusScheduled, got.Status)

	k := reg.Kernels[kernel.ID]
	assert.Equal(t, "agent-1", k.AgentID)
	assert.Equal(t, domain.KernelStatusScheduled, k.Status)

	agent := reg.Agents["agent-1"]
	assert.True(t, agent.OccupiedSlots.Get("cpu").Eq(resource.NewQuantityInt(2)))
}

func TestSchedule_AdmissionFailureLeavesSessionPendingAndRecordsReason(t *testing.T) {
	session := pendingSession("sess-2")
	kernel := domain.Kernel{ID: "kern-2", SessionID: session.ID, RequestedSlots: session.RequestedSlots, Architecture: "x86_64"}

	// No keypair policy seeded: the Concurrency predicate treats a
	// missing policy as limit 0, so every session fails admission.
	reg := registry.NewMemory().
		PutSession(session).
		PutKernel(kernel).
		PutAgent(agentFixture("agent-1", 4))

	s := newTestScheduler(reg, dialerFor(&fakeAgentClient{}))

	require.NoError(t, s.Schedule(context.Background(), testScalingGroup))

	got := reg.Sessions[session.ID]
	assert.Equal(t, domain.SessionStatusPending, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.Contains(t, got.StatusReason, "Concurrency")
}

func TestSchedule_CapacityMissLeavesSessionPendingForRetry(t *testing.T) {
	session := pendingSession("sess-3")
	session.RequestedSlots = slots(8)
	kernel := domain.Kernel{ID: "kern-3", SessionID: session.ID, RequestedSlots: session.RequestedSlots, Architecture: "x86_64"}

	reg := registry.NewMemory().
		PutSession(session).
		PutKernel(kernel).
		PutAgent(agentFixture("agent-1", 4)).
		PutKeypairPolicy(unlimitedKeypairPolicy(session.Owner.AccessKey))

	s := newTestScheduler(reg, dialerFor(&fakeAgentClient{}))

	require.NoError(t, s.Schedule(context.Background(), testScalingGroup))

	got := reg.Sessions[session.ID]
	assert.Equal(t, domain.SessionStatusPending, got.Status)
	assert.Equal(t, 1, got.Retries)
}

func TestSchedule_MultiNodePlacesEachKernelIndependently(t *testing.T) {
	session := pendingSession("sess-4")
	session.ClusterMode = domain.ClusterModeMultiNode
	session.ClusterSize = 2
	session.RequestedSlots = slots(2)

	k1 := domain.Kernel{ID: "kern-4a", SessionID: session.ID, RequestedSlots: slots(2), Architecture: "x86_64"}
	k2 := domain.Kernel{ID: "kern-4b", SessionID: session.ID, RequestedSlots: slots(2), Architecture: "x86_64"}

	reg := registry.NewMemory().
		PutSession(session).
		PutKernel(k1).
		PutKernel(k2).
		PutAgent(agentFixture("agent-1", 2)).
		PutAgent(agentFixture("agent-2", 2)).
		PutKeypairPolicy(unlimitedKeypairPolicy(session.Owner.AccessKey))

	s := newTestScheduler(reg, dialerFor(&fakeAgentClient{}))

	require.NoError(t, s.Schedule(context.Background(), testScalingGroup))

	assert.Equal(t, domain.SessionStatusScheduled, reg.Sessions[session.ID].Status)
	assert.NotEmpty(t, reg.Kernels["kern-4a"].AgentID)
	assert.NotEmpty(t, reg.Kernels["kern-4b"].AgentID)
	assert.NotEqual(t, reg.Kernels["kern-4a"].AgentID, reg.Kernels["kern-4b"].AgentID, "each kernel should land on a distinct agent given exact-fit capacity")
}

func TestSchedule_MultiNodeRollsBackReservationsWhenOneKernelCannotPlace(t *testing.T) {
	session := pendingSession("sess-5")
	session.ClusterMode = domain.ClusterModeMultiNode
	session.ClusterSize = 2

	k1 := domain.Kernel{ID: "kern-5a", SessionID: session.ID, RequestedSlots: slots(2), Architecture: "x86_64"}
	k2 := domain.Kernel{ID: "kern-5b", SessionID: session.ID, RequestedSlots: slots(8), Architecture: "x86_64"} // too big for any agent

	reg := registry.NewMemory().
		PutSession(session).
		PutKernel(k1).
		PutKernel(k2).
		PutAgent(agentFixture("agent-1", 4)).
		PutKeypairPolicy(unlimitedKeypairPolicy(session.Owner.AccessKey))

	s := newTestScheduler(reg, dialerFor(&fakeAgentClient{}))

	require.NoError(t, s.Schedule(context.Background(), testScalingGroup))

	assert.Equal(t, domain.SessionStatusPending, reg.Sessions[session.ID].Status)
	assert.True(t, reg.Agents["agent-1"].OccupiedSlots.Get("cpu").IsZero(), "first kernel's reservation should be released on rollback")
}

func TestCheckPrecondition_AdvancesScheduledSessionToPrepared(t *testing.T) {
	session := pendingSession("sess-6")
	session.Status = domain.SessionStatusScheduled
	kernel := domain.Kernel{ID: "kern-6", SessionID: session.ID, AgentID: "agent-1", AgentAddr: "agent-1:9999", Status: domain.KernelStatusScheduled, Image: "python:3.11"}

	reg := registry.NewMemory().PutSession(session).PutKernel(kernel)
	s := newTestScheduler(reg, dialerFor(&fakeAgentClient{}))

	require.NoError(t, s.CheckPrecondition(context.Background(), testScalingGroup))

	assert.Equal(t, domain.SessionStatusPrepared, reg.Sessions[session.ID].Status)
}

func TestCheckPrecondition_ImageNotPresentStopsShortOfPrepared(t *testing.T) {
	session := pendingSession("sess-7")
	session.Status = domain.SessionStatusScheduled
	kernel := domain.Kernel{ID: "kern-7", SessionID: session.ID, AgentID: "agent-1", AgentAddr: "agent-1:9999", Status: domain.KernelStatusScheduled, Image: "python:3.11"}

	reg := registry.NewMemory().PutSession(session).PutKernel(kernel)
	client := &fakeAgentClient{
		checkAndPullImage: func(req *agentrpc.CheckAndPullImageRequest) (*agentrpc.CheckAndPullImageResponse, error) {
			return &agentrpc.CheckAndPullImageResponse{Present: false}, nil
		},
	}

	s := newTestScheduler(reg, dialerFor(client))

	require.NoError(t, s.CheckPrecondition(context.Background(), testScalingGroup))

	assert.Equal(t, domain.SessionStatusPreparing, reg.Sessions[session.ID].Status)
	assert.Equal(t, domain.KernelStatusCancelled, reg.Kernels[kernel.ID].Status)
}

func TestStart_AllKernelsCreatedAdvancesSessionToRunning(t *testing.T) {
	session := pendingSession("sess-8")
	session.Status = domain.SessionStatusPrepared
	kernel := domain.Kernel{ID: "kern-8", SessionID: session.ID, AgentID: "agent-1", AgentAddr: "agent-1:9999", Status: domain.KernelStatusPrepared, RequestedSlots: slots(2)}

	reg := registry.NewMemory().PutSession(session).PutKernel(kernel).PutAgent(agentFixture("agent-1", 4))
	s := newTestScheduler(reg, dialerFor(&fakeAgentClient{}))

	require.NoError(t, s.Start(context.Background(), testScalingGroup))

	assert.Equal(t, domain.SessionStatusRunning, reg.Sessions[session.ID].Status)
}

func TestStart_RPCFailureCancelsSessionAndReleasesReservation(t *testing.T) {
	session := pendingSession("sess-9")
	session.Status = domain.SessionStatusPrepared
	kernel := domain.Kernel{ID: "kern-9", SessionID: session.ID, AgentID: "agent-1", AgentAddr: "agent-1:9999", Status: domain.KernelStatusPrepared, RequestedSlots: slots(2)}

	reg := registry.NewMemory().PutSession(session).PutKernel(kernel).PutAgent(agentFixture("agent-1", 4))
	reg.Agents["agent-1"].OccupiedSlots = slots(2) // already reserved by Stage A

	client := &fakeAgentClient{
		createKernels: func(req *agentrpc.CreateKernelsRequest) (*agentrpc.CreateKernelsResponse, error) {
			return nil, errFixture("agent unreachable")
		},
	}
	s := newTestScheduler(reg, dialerFor(client))

	require.NoError(t, s.Start(context.Background(), testScalingGroup))

	assert.Equal(t, domain.SessionStatusCancelled, reg.Sessions[session.ID].Status)
	assert.True(t, reg.Agents["agent-1"].OccupiedSlots.Get("cpu").IsZero(), "reservation should be released after a failed start")
	assert.Contains(t, client.destroyCalls, kernel.ID, "partially created kernel should be best-effort destroyed")
}

func TestStart_RPCFailureRetriesWithinBudgetInsteadOfCancelling(t *testing.T) {
	session := pendingSession("sess-11")
	session.Status = domain.SessionStatusPrepared
	kernel := domain.Kernel{ID: "kern-11", SessionID: session.ID, AgentID: "agent-1", AgentAddr: "agent-1:9999", Status: domain.KernelStatusPrepared, RequestedSlots: slots(2)}

	reg := registry.NewMemory().PutSession(session).PutKernel(kernel).PutAgent(agentFixture("agent-1", 4))
	reg.Agents["agent-1"].OccupiedSlots = slots(2)

	client := &fakeAgentClient{
		createKernels: func(req *agentrpc.CreateKernelsRequest) (*agentrpc.CreateKernelsResponse, error) {
			return nil, errFixture("agent unreachable")
		},
	}
	s := newTestScheduler(reg, dialerFor(client))
	s.StartRPCRetryBudget = 2

	require.NoError(t, s.Start(context.Background(), testScalingGroup))

	got := reg.Sessions[session.ID]
	assert.Equal(t, domain.SessionStatusPrepared, got.Status, "a failure within budget should retry, not cancel")
	assert.Equal(t, 1, got.Retries)
	assert.True(t, reg.Agents["agent-1"].OccupiedSlots.Get("cpu").Eq(slots(2).Get("cpu")), "reservation is kept across a retry")
}

func TestStart_RPCFailurePastRetryBudgetCancels(t *testing.T) {
	session := pendingSession("sess-12")
	session.Status = domain.SessionStatusPrepared
	session.Retries = 2
	kernel := domain.Kernel{ID: "kern-12", SessionID: session.ID, AgentID: "agent-1", AgentAddr: "agent-1:9999", Status: domain.KernelStatusPrepared, RequestedSlots: slots(2)}

	reg := registry.NewMemory().PutSession(session).PutKernel(kernel).PutAgent(agentFixture("agent-1", 4))
	reg.Agents["agent-1"].OccupiedSlots = slots(2)

	client := &fakeAgentClient{
		createKernels: func(req *agentrpc.CreateKernelsRequest) (*agentrpc.CreateKernelsResponse, error) {
			return nil, errFixture("agent unreachable")
		},
	}
	s := newTestScheduler(reg, dialerFor(client))
	s.StartRPCRetryBudget = 2

	require.NoError(t, s.Start(context.Background(), testScalingGroup))

	assert.Equal(t, domain.SessionStatusCancelled, reg.Sessions[session.ID].Status)
	assert.True(t, reg.Agents["agent-1"].OccupiedSlots.Get("cpu").IsZero())
}

func TestSchedule_MultiNodePlacesEachKernelOnItsOwnArchitecture(t *testing.T) {
	session := pendingSession("sess-13")
	session.ClusterMode = domain.ClusterModeMultiNode
	session.ClusterSize = 2
	session.RequestedSlots = slots(2)

	k1 := domain.Kernel{ID: "kern-13a", SessionID: session.ID, RequestedSlots: slots(2), Architecture: "x86_64"}
	k2 := domain.Kernel{ID: "kern-13b", SessionID: session.ID, RequestedSlots: slots(2), Architecture: "aarch64"}

	arm := agentFixture("agent-arm", 2)
	arm.Architecture = "aarch64"

	reg := registry.NewMemory().
		PutSession(session).
		PutKernel(k1).
		PutKernel(k2).
		PutAgent(agentFixture("agent-1", 2)).
		PutAgent(arm).
		PutKeypairPolicy(unlimitedKeypairPolicy(session.Owner.AccessKey))

	s := newTestScheduler(reg, dialerFor(&fakeAgentClient{}))

	require.NoError(t, s.Schedule(context.Background(), testScalingGroup))

	assert.Equal(t, domain.SessionStatusScheduled, reg.Sessions[session.ID].Status)
	assert.Equal(t, "agent-1", reg.Kernels["kern-13a"].AgentID, "x86_64 kernel should land on the x86_64 agent")
	assert.Equal(t, "agent-arm", reg.Kernels["kern-13b"].AgentID, "aarch64 kernel should land on the aarch64 agent")
}

func TestSchedule_SingleNodeHeterogeneousArchitectureIsRejected(t *testing.T) {
	session := pendingSession("sess-14")
	session.RequestedSlots = slots(2)

	k1 := domain.Kernel{ID: "kern-14a", SessionID: session.ID, Role: domain.KernelRoleMain, RequestedSlots: slots(1), Architecture: "x86_64"}
	k2 := domain.Kernel{ID: "kern-14b", SessionID: session.ID, Role: domain.KernelRoleSub, RequestedSlots: slots(1), Architecture: "aarch64"}

	arm := agentFixture("agent-arm", 2)
	arm.Architecture = "aarch64"

	reg := registry.NewMemory().
		PutSession(session).
		PutKernel(k1).
		PutKernel(k2).
		PutAgent(agentFixture("agent-1", 2)).
		PutAgent(arm).
		PutKeypairPolicy(unlimitedKeypairPolicy(session.Owner.AccessKey))

	s := newTestScheduler(reg, dialerFor(&fakeAgentClient{}))

	require.NoError(t, s.Schedule(context.Background(), testScalingGroup))

	got := reg.Sessions[session.ID]
	assert.Equal(t, domain.SessionStatusPending, got.Status)
	assert.Contains(t, got.StatusReason, "heterogeneous")
}

func TestSchedule_DRFPrioritizesAccessKeyWithSmallerExistingDominantShare(t *testing.T) {
	// spec.md §8 Scenario 4: ak-heavy already occupies {cpu:6/10}, ak-light
	// occupies {cpu:1/10}. Capacity is tight enough that only one of the
	// two freshly pending sessions can be placed this tick, so DRF's
	// choice of ak-light's session is observable in the outcome.
	heavyRunning := domain.Session{
		ID: "existing-heavy", Type: domain.SessionTypeInteractive, ClusterMode: domain.ClusterModeSingleNode, ClusterSize: 1,
		RequestedSlots: slots(6), Owner: domain.Owner{AccessKey: "ak-heavy", UserUUID: "user-heavy"},
		Scope: domain.Scope{ResourceGroup: testScalingGroup}, Status: domain.SessionStatusRunning, CreatedAt: time.Now().UTC(),
	}
	lightRunning := domain.Session{
		ID: "existing-light", Type: domain.SessionTypeInteractive, ClusterMode: domain.ClusterModeSingleNode, ClusterSize: 1,
		RequestedSlots: slots(1), Owner: domain.Owner{AccessKey: "ak-light", UserUUID: "user-light"},
		Scope: domain.Scope{ResourceGroup: testScalingGroup}, Status: domain.SessionStatusRunning, CreatedAt: time.Now().UTC(),
	}

	sessHeavy := pendingSession("sess-heavy")
	sessHeavy.Owner = domain.Owner{AccessKey: "ak-heavy", UserUUID: "user-heavy"}
	sessHeavy.RequestedSlots = slots(2)
	kernHeavy := domain.Kernel{ID: "kern-heavy", SessionID: sessHeavy.ID, RequestedSlots: slots(2), Architecture: "x86_64"}

	sessLight := pendingSession("sess-light")
	sessLight.Owner = domain.Owner{AccessKey: "ak-light", UserUUID: "user-light"}
	sessLight.CreatedAt = sessHeavy.CreatedAt.Add(time.Second) // arrives later; DRF must still pick it first
	sessLight.RequestedSlots = slots(2)
	kernLight := domain.Kernel{ID: "kern-light", SessionID: sessLight.ID, RequestedSlots: slots(2), Architecture: "x86_64"}

	reg := registry.NewMemory().
		PutSession(heavyRunning).
		PutSession(lightRunning).
		PutSession(sessHeavy.Session).
		PutSession(sessLight.Session).
		PutKernel(kernHeavy).
		PutKernel(kernLight).
		PutAgent(agentFixture("agent-1", 10)).
		PutKeypairPolicy(unlimitedKeypairPolicy("ak-heavy")).
		PutKeypairPolicy(unlimitedKeypairPolicy("ak-light"))
	reg.Agents["agent-1"].OccupiedSlots = slots(7) // 6 (heavy) + 1 (light), leaving free=3

	s := New(reg, lock.NewInMemory(), events.NewBus(nil), dialerFor(&fakeAgentClient{}))
	s.RegisterScalingGroup(ScalingGroupConfig{
		Name:             testScalingGroup,
		SchedulerType:    domain.SchedulerTypeDRF,
		SelectorStrategy: domain.AgentSelectionRoundRobin,
		DequeueLimit:     50,
	})

	require.NoError(t, s.Schedule(context.Background(), testScalingGroup))

	assert.Equal(t, domain.SessionStatusScheduled, reg.Sessions[sessLight.ID].Status, "ak-light's smaller dominant share should win the free capacity")
	assert.Equal(t, domain.SessionStatusPending, reg.Sessions[sessHeavy.ID].Status, "ak-heavy's session should miss capacity once ak-light's reservation lands first")
}

func TestStart_DialFailureIsTreatedAsAgentError(t *testing.T) {
	session := pendingSession("sess-10")
	session.Status = domain.SessionStatusPrepared
	kernel := domain.Kernel{ID: "kern-10", SessionID: session.ID, AgentID: "agent-1", AgentAddr: "agent-1:9999", Status: domain.KernelStatusPrepared, RequestedSlots: slots(2)}

	reg := registry.NewMemory().PutSession(session).PutKernel(kernel).PutAgent(agentFixture("agent-1", 4))
	reg.Agents["agent-1"].OccupiedSlots = slots(2)

	s := newTestScheduler(reg, dialerErr(errFixture("connection refused")))

	require.NoError(t, s.Start(context.Background(), testScalingGroup))

	assert.Equal(t, domain.SessionStatusCancelled, reg.Sessions[session.ID].Status)
}
