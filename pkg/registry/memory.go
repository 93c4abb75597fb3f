package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sokovan/manager/pkg/clock"
	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/predicate"
	"github.com/sokovan/manager/pkg/resource"
)

// Memory is an in-process Registry fake for scheduler and reconciler
// unit tests: it holds every row in plain maps behind one mutex instead
// of a transactional store, so tests can build a fixture and assert on
// its resulting rows without standing up Postgres or Redis.
type Memory struct {
	mu sync.Mutex

	// Clock sources every deadline comparison (hang tolerance, heartbeat
	// threshold) and status-history timestamp. Defaults to clock.Real;
	// tests swap in a clock.Fake to cross a threshold deterministically
	// instead of backdating fixture timestamps by hand.
	Clock clock.Clock

	Sessions map[string]*domain.Session
	Kernels  map[string]*domain.Kernel
	Agents   map[string]*domain.Agent

	KeypairPolicies map[string]*domain.KeypairResourcePolicy
	StatusHistory   map[string][]domain.StatusHistoryEntry

	Endpoints map[string]*domain.Endpoint
	Routings  map[string]*domain.Routing

	ScalingGroups map[string]*domain.ScalingGroup

	concurrency     map[string]int
	concurrencySFTP map[string]int
}

// NewMemory constructs an empty fake registry.
func NewMemory() *Memory {
	return &Memory{
		Clock:           clock.Real{},
		Sessions:        make(map[string]*domain.Session),
		Kernels:         make(map[string]*domain.Kernel),
		Agents:          make(map[string]*domain.Agent),
		KeypairPolicies: make(map[string]*domain.KeypairResourcePolicy),
		StatusHistory:   make(map[string][]domain.StatusHistoryEntry),
		Endpoints:       make(map[string]*domain.Endpoint),
		Routings:        make(map[string]*domain.Routing),
		ScalingGroups:   make(map[string]*domain.ScalingGroup),
		concurrency:     make(map[string]int),
		concurrencySFTP: make(map[string]int),
	}
}

// PutScalingGroup seeds one scaling group config fixture.
func (m *Memory) PutScalingGroup(sg domain.ScalingGroup) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := sg
	m.ScalingGroups[sg.Name] = &cp
	return m
}

// LoadScalingGroup implements Registry.
func (m *Memory) LoadScalingGroup(ctx context.Context, name string) (domain.ScalingGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sg, ok := m.ScalingGroups[name]
	if !ok {
		return domain.ScalingGroup{}, ErrScalingGroupNotFound
	}
	return *sg, nil
}

// PutSession seeds one session fixture, returning the Memory for
// chaining in table-driven setup.
func (m *Memory) PutSession(s domain.Session) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.Sessions[s.ID] = &cp
	return m
}

// PutKernel seeds one kernel fixture.
func (m *Memory) PutKernel(k domain.Kernel) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := k
	m.Kernels[k.ID] = &cp
	return m
}

// PutAgent seeds one agent fixture.
func (m *Memory) PutAgent(a domain.Agent) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.Agents[a.ID] = &cp
	return m
}

// PutKeypairPolicy seeds one keypair resource policy fixture.
func (m *Memory) PutKeypairPolicy(p domain.KeypairResourcePolicy) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.KeypairPolicies[p.AccessKey] = &cp
	return m
}

func (m *Memory) kernelsForSession(sessionID string) []domain.Kernel {
	var out []domain.Kernel
	for _, k := range m.Kernels {
		if k.SessionID == sessionID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DequeuePending implements Registry.
func (m *Memory) DequeuePending(ctx context.Context, scalingGroup string, limit int) ([]domain.SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, s := range m.Sessions {
		if s.Status == domain.SessionStatusPending && s.Scope.ResourceGroup == scalingGroup {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := m.Sessions[ids[i]], m.Sessions[ids[j]]
		if si.Priority != sj.Priority {
			return si.Priority > sj.Priority
		}
		return si.CreatedAt.Before(sj.CreatedAt)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]domain.SessionView, 0, len(ids))
	for _, id := range ids {
		s := *m.Sessions[id]
		out = append(out, domain.SessionView{Session: s, PendingSince: s.CreatedAt})
	}
	return out, nil
}

// LoadCandidateAgents implements Registry.
func (m *Memory) LoadCandidateAgents(ctx context.Context, scalingGroup, architecture string) ([]domain.AgentView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.AgentView
	for _, a := range m.Agents {
		if a.ScalingGroup != scalingGroup || a.Architecture != architecture {
			continue
		}
		if a.Status != domain.AgentStatusAlive || !a.Schedulable {
			continue
		}
		out = append(out, domain.AgentView{Agent: *a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ScalingGroupTotals implements Registry.
func (m *Memory) ScalingGroupTotals(ctx context.Context, scalingGroup string) (resource.Slots, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	totals := resource.NewSlots()
	for _, a := range m.Agents {
		if a.ScalingGroup != scalingGroup {
			continue
		}
		totals = totals.Add(a.AvailableSlots)
	}
	return totals, nil
}

// KeypairOccupancy implements Registry.
func (m *Memory) KeypairOccupancy(ctx context.Context, accessKey string) (resource.Slots, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	occ := resource.NewSlots()
	for _, s := range m.Sessions {
		if s.Owner.AccessKey != accessKey || !s.Status.Occupying() {
			continue
		}
		occ = occ.Add(s.RequestedSlots)
	}
	return occ, nil
}

// SessionsByStatus implements Registry.
func (m *Memory) SessionsByStatus(ctx context.Context, scalingGroup string, status domain.SessionStatus) ([]domain.SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.SessionView
	for _, s := range m.Sessions {
		if s.Status == status && s.Scope.ResourceGroup == scalingGroup {
			out = append(out, domain.SessionView{Session: *s})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// KernelsForSession implements Registry.
func (m *Memory) KernelsForSession(ctx context.Context, sessionID string) ([]domain.Kernel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kernelsForSession(sessionID), nil
}

// LoadValidatorContext implements Registry.
func (m *Memory) LoadValidatorContext(ctx context.Context, session domain.SessionView) (*predicate.ValidatorContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vctx := &predicate.ValidatorContext{Session: session.Session}

	if policy, ok := m.KeypairPolicies[session.Owner.AccessKey]; ok {
		vctx.KeypairPolicy = policy
		if session.Private {
			vctx.SFTPLimit = policy.MaxConcurrentSFTPSessions
			vctx.SFTPUsed = m.concurrencySFTP[session.Owner.AccessKey]
		} else {
			vctx.ConcurrencyLimit = policy.MaxConcurrentSessions
			vctx.ConcurrencyUsed = m.concurrency[session.Owner.AccessKey]
		}
	}

	if len(session.Dependencies) > 0 {
		vctx.DependencyStatus = make(map[string]domain.SessionStatus, len(session.Dependencies))
		vctx.DependencySucceeded = make(map[string]bool, len(session.Dependencies))
		for _, depID := range session.Dependencies {
			dep, ok := m.Sessions[depID]
			if !ok {
				continue
			}
			vctx.DependencyStatus[depID] = dep.Status
			vctx.DependencySucceeded[depID] = dep.Status == domain.SessionStatusTerminated
		}
	}

	return vctx, nil
}

// ReserveAgent implements Registry.
func (m *Memory) ReserveAgent(ctx context.Context, scalingGroup, agentID string, slots resource.Slots) (AgentAllocCtx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.Agents[agentID]
	if !ok {
		return AgentAllocCtx{}, &domain.AgentError{Kind: domain.AgentErrorLost, AgentID: agentID, Err: fmt.Errorf("unknown agent")}
	}
	free, err := a.FreeSlots()
	if err != nil {
		return AgentAllocCtx{}, &domain.CapacityError{ScalingGroup: scalingGroup, Err: err}
	}
	if !slots.LessEq(free) {
		return AgentAllocCtx{}, &domain.CapacityError{ScalingGroup: scalingGroup, Err: fmt.Errorf("agent %s has insufficient free capacity", agentID)}
	}
	a.OccupiedSlots = a.OccupiedSlots.Add(slots)
	return AgentAllocCtx{AgentID: a.ID, AgentAddr: a.Addr, Slots: slots}, nil
}

// ReleaseAgent implements Registry.
func (m *Memory) ReleaseAgent(ctx context.Context, agentID string, slots resource.Slots) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.Agents[agentID]
	if !ok {
		return &domain.AgentError{Kind: domain.AgentErrorLost, AgentID: agentID, Err: fmt.Errorf("unknown agent")}
	}
	newOcc, err := a.OccupiedSlots.Sub(slots)
	if err != nil {
		newOcc = resource.NewSlots()
	}
	a.OccupiedSlots = newOcc
	return nil
}

// FinalizeSingleNodeSession implements Registry.
func (m *Memory) FinalizeSingleNodeSession(ctx context.Context, sessionID string, alloc AgentAllocCtx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range m.Kernels {
		if k.SessionID == sessionID {
			k.AgentID = alloc.AgentID
			k.AgentAddr = alloc.AgentAddr
			k.Status = domain.KernelStatusScheduled
		}
	}
	return m.markStatusLocked(sessionID, domain.SessionStatusScheduled, "", nil)
}

// FinalizeMultiNodeSession implements Registry.
func (m *Memory) FinalizeMultiNodeSession(ctx context.Context, sessionID string, bindings []KernelBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range bindings {
		k, ok := m.Kernels[b.KernelID]
		if !ok {
			return fmt.Errorf("unknown kernel %s", b.KernelID)
		}
		k.AgentID = b.Alloc.AgentID
		k.AgentAddr = b.Alloc.AgentAddr
		k.Status = domain.KernelStatusScheduled
	}
	return m.markStatusLocked(sessionID, domain.SessionStatusScheduled, "", nil)
}

func (m *Memory) markStatusLocked(sessionID string, status domain.SessionStatus, reason string, extra map[string]string) error {
	s, ok := m.Sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	s.Status = status
	s.StatusReason = reason
	entry := domain.StatusHistoryEntry{Status: status, Reason: reason, Extra: extra, Timestamp: m.Clock.Now().UTC()}
	s.StatusHistory = append(s.StatusHistory, entry)
	m.StatusHistory[sessionID] = append(m.StatusHistory[sessionID], entry)
	return nil
}

// MarkSessionStatus implements Registry.
func (m *Memory) MarkSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, reason string, extra map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markStatusLocked(sessionID, status, reason, extra)
}

// UpdateSessionSchedulingFailure implements Registry.
func (m *Memory) UpdateSessionSchedulingFailure(ctx context.Context, sessionID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	s.Retries++
	s.StatusReason = msg
	return nil
}

// UpdateKernelSchedulingFailure implements Registry.
func (m *Memory) UpdateKernelSchedulingFailure(ctx context.Context, sessionID, kernelID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.Kernels[kernelID]
	if !ok || k.SessionID != sessionID {
		return fmt.Errorf("unknown kernel %s for session %s", kernelID, sessionID)
	}
	k.Status = domain.KernelStatusCancelled
	return nil
}

// AutoscaleEndpoints implements Registry.
func (m *Memory) AutoscaleEndpoints(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.Endpoints {
		if e.LifecycleStage == domain.EndpointStageCreated {
			n++
		}
	}
	return n, nil
}

// CleanZombieRoutes implements Registry.
func (m *Memory) CleanZombieRoutes(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, route := range m.Routings {
		if _, ok := m.Sessions[route.SessionID]; !ok {
			delete(m.Routings, id)
			n++
		}
	}
	return n, nil
}

// DestroyTerminatedEndpointsAndRoutes implements Registry.
func (m *Memory) DestroyTerminatedEndpointsAndRoutes(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.Endpoints {
		if e.LifecycleStage != domain.EndpointStageDestroying {
			continue
		}
		active := false
		for _, r := range m.Routings {
			if r.EndpointID == id && r.Status.Active() {
				active = true
				break
			}
		}
		if !active {
			delete(m.Endpoints, id)
			n++
		}
	}
	return n, nil
}

// CheckKeypairConcurrency implements Registry.
func (m *Memory) CheckKeypairConcurrency(ctx context.Context, accessKey string, isSFTP bool) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	policy, ok := m.KeypairPolicies[accessKey]
	if !ok {
		return 0, 0, fmt.Errorf("no policy for access key %s", accessKey)
	}
	if isSFTP {
		return policy.MaxConcurrentSFTPSessions, m.concurrencySFTP[accessKey], nil
	}
	return policy.MaxConcurrentSessions, m.concurrency[accessKey], nil
}

// IncrConcurrency implements Registry.
func (m *Memory) IncrConcurrency(ctx context.Context, accessKey string, isSFTP bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isSFTP {
		m.concurrencySFTP[accessKey]++
	} else {
		m.concurrency[accessKey]++
	}
	return nil
}

// DecrConcurrency implements Registry.
func (m *Memory) DecrConcurrency(ctx context.Context, accessKey string, isSFTP bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isSFTP {
		if m.concurrencySFTP[accessKey] > 0 {
			m.concurrencySFTP[accessKey]--
		}
	} else {
		if m.concurrency[accessKey] > 0 {
			m.concurrency[accessKey]--
		}
	}
	return nil
}

// RescanConcurrency implements Registry.
func (m *Memory) RescanConcurrency(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	actual := make(map[string]int)
	actualSFTP := make(map[string]int)
	for _, s := range m.Sessions {
		if !s.Status.Occupying() {
			continue
		}
		if s.Private {
			actualSFTP[s.Owner.AccessKey]++
		} else {
			actual[s.Owner.AccessKey]++
		}
	}

	drift := 0
	for k, v := range actual {
		if m.concurrency[k] != v {
			drift++
			m.concurrency[k] = v
		}
	}
	for k, v := range actualSFTP {
		if m.concurrencySFTP[k] != v {
			drift++
			m.concurrencySFTP[k] = v
		}
	}
	return drift, nil
}

// TerminatingSessionsPastDeadline implements Registry.
func (m *Memory) TerminatingSessionsPastDeadline(ctx context.Context, hangTolerance int64) ([]domain.SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := m.Clock.Now().Add(-time.Duration(hangTolerance) * time.Second)
	var out []domain.SessionView
	for _, s := range m.Sessions {
		if s.Status != domain.SessionStatusPreparing && s.Status != domain.SessionStatusTerminating {
			continue
		}
		history := m.StatusHistory[s.ID]
		if len(history) == 0 {
			continue
		}
		last := history[len(history)-1]
		if last.Timestamp.Before(deadline) {
			out = append(out, domain.SessionView{Session: *s})
		}
	}
	return out, nil
}

// SessionsWithAllKernelsTerminated implements Registry.
func (m *Memory) SessionsWithAllKernelsTerminated(ctx context.Context) ([]domain.SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.SessionView
	for _, s := range m.Sessions {
		if s.Status != domain.SessionStatusTerminating {
			continue
		}
		kernels := m.kernelsForSession(s.ID)
		if len(kernels) == 0 {
			continue
		}
		allTerminated := true
		for _, k := range kernels {
			if k.Status != domain.KernelStatusTerminated {
				allTerminated = false
				break
			}
		}
		if allTerminated {
			out = append(out, domain.SessionView{Session: *s})
		}
	}
	return out, nil
}

// AgentsPastHeartbeatThreshold implements Registry.
func (m *Memory) AgentsPastHeartbeatThreshold(ctx context.Context, thresholdSeconds int64) ([]domain.AgentView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := m.Clock.Now().Add(-time.Duration(thresholdSeconds) * time.Second)
	var out []domain.AgentView
	for _, a := range m.Agents {
		if a.Status == domain.AgentStatusAlive && a.LastHeartbeat.Before(deadline) {
			out = append(out, domain.AgentView{Agent: *a})
		}
	}
	return out, nil
}

// MarkAgentLost implements Registry.
func (m *Memory) MarkAgentLost(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Agents[agentID]
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	a.Status = domain.AgentStatusLost
	return nil
}

// SetAgentSchedulable implements Registry.
func (m *Memory) SetAgentSchedulable(ctx context.Context, agentID string, schedulable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Agents[agentID]
	if !ok {
		return fmt.Errorf("unknown agent %s", agentID)
	}
	a.Schedulable = schedulable
	return nil
}

// UpdateKernelStat implements Registry.
func (m *Memory) UpdateKernelStat(ctx context.Context, kernelID string, status domain.KernelStatus, stat map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.Kernels[kernelID]
	if !ok {
		return fmt.Errorf("unknown kernel %s", kernelID)
	}
	k.Status = status
	k.LastStat = stat
	return nil
}

// RunningKernels implements Registry.
func (m *Memory) RunningKernels(ctx context.Context) ([]domain.Kernel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	running := make(map[string]bool)
	for _, s := range m.Sessions {
		if s.Status == domain.SessionStatusRunning {
			running[s.ID] = true
		}
	}

	var out []domain.Kernel
	for _, k := range m.Kernels {
		if running[k.SessionID] {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClusterCounts implements Registry.
func (m *Memory) ClusterCounts(ctx context.Context) (ClusterCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := ClusterCounts{
		AgentsByStatus:   make(map[domain.AgentStatus]int),
		SessionsByStatus: make(map[domain.SessionStatus]int),
		KernelsByStatus:  make(map[domain.KernelStatus]int),
		EndpointsByStage: make(map[domain.EndpointLifecycleStage]int),
		RoutingsByStatus: make(map[domain.RoutingStatus]int),
	}
	for _, a := range m.Agents {
		counts.AgentsByStatus[a.Status]++
	}
	for _, s := range m.Sessions {
		counts.SessionsByStatus[s.Status]++
	}
	for _, k := range m.Kernels {
		counts.KernelsByStatus[k.Status]++
	}
	for _, e := range m.Endpoints {
		counts.EndpointsByStage[e.LifecycleStage]++
	}
	for _, r := range m.Routings {
		counts.RoutingsByStatus[r.Status]++
	}
	return counts, nil
}

// ListActiveEndpoints implements Registry.
func (m *Memory) ListActiveEndpoints(ctx context.Context) ([]domain.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Endpoint
	for _, e := range m.Endpoints {
		if e.LifecycleStage == domain.EndpointStageCreated {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RoutingsForEndpoint implements Registry.
func (m *Memory) RoutingsForEndpoint(ctx context.Context, endpointID string) ([]domain.Routing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Routing
	for _, r := range m.Routings {
		if r.EndpointID == endpointID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateEndpointReplicas implements Registry.
func (m *Memory) UpdateEndpointReplicas(ctx context.Context, endpointID string, replicas int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Endpoints[endpointID]
	if !ok {
		return fmt.Errorf("unknown endpoint %s", endpointID)
	}
	e.Replicas = replicas
	return nil
}

// TerminateRouting implements Registry.
func (m *Memory) TerminateRouting(ctx context.Context, routingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.Routings[routingID]
	if !ok {
		return fmt.Errorf("unknown routing %s", routingID)
	}
	rt.Status = domain.RoutingStatusTerminating

	s, ok := m.Sessions[rt.SessionID]
	if !ok {
		return fmt.Errorf("routing %s references unknown session %s", routingID, rt.SessionID)
	}
	s.Status = domain.SessionStatusTerminating
	m.StatusHistory[s.ID] = append(m.StatusHistory[s.ID], domain.StatusHistoryEntry{
		Status:    domain.SessionStatusTerminating,
		Reason:    "endpoint autoscale-down",
		Timestamp: m.Clock.Now(),
	})
	return nil
}

// PutEndpoint seeds one endpoint fixture, returning the Memory for
// chaining.
func (m *Memory) PutEndpoint(e domain.Endpoint) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := e
	m.Endpoints[e.ID] = &cp
	return m
}

// PutRouting seeds one routing fixture, returning the Memory for
// chaining.
func (m *Memory) PutRouting(r domain.Routing) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := r
	m.Routings[r.ID] = &cp
	return m
}

var _ Registry = (*Memory)(nil)
