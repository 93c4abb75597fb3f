package domain

import (
	"time"

	"github.com/sokovan/manager/pkg/resource"
)

// KernelRole distinguishes the main kernel of a session from its
// sub-kernels in a multi-node cluster.
type KernelRole string

const (
	KernelRoleMain KernelRole = "main"
	KernelRoleSub  KernelRole = "sub"
)

// KernelStatus mirrors the owning session's lifecycle at kernel
// granularity; a session's status is derived from the join of its
// kernels' statuses per spec.md §3.
type KernelStatus string

const (
	KernelStatusPending     KernelStatus = "PENDING"
	KernelStatusScheduled   KernelStatus = "SCHEDULED"
	KernelStatusPreparing   KernelStatus = "PREPARING"
	KernelStatusPrepared    KernelStatus = "PREPARED"
	KernelStatusCreating    KernelStatus = "CREATING"
	KernelStatusRunning     KernelStatus = "RUNNING"
	KernelStatusTerminating KernelStatus = "TERMINATING"
	KernelStatusTerminated  KernelStatus = "TERMINATED"
	KernelStatusCancelled   KernelStatus = "CANCELLED"
)

// ServicePort is one port an agent reports back from create_kernels,
// distinct from the PreopenPorts the user requests up front.
type ServicePort struct {
	Name          string
	ContainerPort int
	HostPort      int
	Protocol      string
}

// Kernel is one container within a session; single-node sessions have
// exactly one, multi-node sessions have one per cluster member.
type Kernel struct {
	ID             string
	SessionID      string
	Role           KernelRole
	Architecture   string
	Image          string
	RequestedSlots resource.Slots

	AgentID   string
	AgentAddr string

	Status      KernelStatus
	LastStat    map[string]string
	ServicePorts []ServicePort

	CreatedAt time.Time
}

// DeriveSessionStatus folds a set of kernel statuses into the owning
// session's status, following spec.md §3's join rules: PENDING if any
// kernel is PENDING, RUNNING iff all kernels are RUNNING, TERMINATED iff
// all kernels are TERMINATED, otherwise the most-advanced common stage.
func DeriveSessionStatus(kernels []Kernel) SessionStatus {
	if len(kernels) == 0 {
		return SessionStatusPending
	}

	counts := make(map[KernelStatus]int, len(kernels))
	for _, k := range kernels {
		counts[k.Status]++
	}
	total := len(kernels)

	if counts[KernelStatusPending] > 0 {
		return SessionStatusPending
	}
	if counts[KernelStatusRunning] == total {
		return SessionStatusRunning
	}
	if counts[KernelStatusTerminated] == total {
		return SessionStatusTerminated
	}
	if counts[KernelStatusCancelled] > 0 {
		return SessionStatusCancelled
	}

	// Intermediate states: report the least-advanced stage still in
	// flight, since a session isn't at a stage until every kernel is.
	order := []KernelStatus{
		KernelStatusScheduled, KernelStatusPreparing, KernelStatusPrepared,
		KernelStatusCreating, KernelStatusTerminating,
	}
	for _, stage := range order {
		if counts[stage] > 0 {
			return SessionStatus(stage)
		}
	}
	return SessionStatusPending
}
