// Package domain holds the shared entity types that flow between the
// registry, predicate engine, selector, scheduler, and reconciler:
// Session, Kernel, Agent, resource policies, scaling groups, endpoints,
// and routings.
package domain

import (
	"time"

	"github.com/sokovan/manager/pkg/resource"
)

// SessionStatus is the session lifecycle state. Transitions are
// monotonic except for the explicit rollback to CANCELLED.
type SessionStatus string

const (
	SessionStatusPending     SessionStatus = "PENDING"
	SessionStatusScheduled   SessionStatus = "SCHEDULED"
	SessionStatusPreparing   SessionStatus = "PREPARING"
	SessionStatusPrepared    SessionStatus = "PREPARED"
	SessionStatusCreating    SessionStatus = "CREATING"
	SessionStatusRunning     SessionStatus = "RUNNING"
	SessionStatusTerminating SessionStatus = "TERMINATING"
	SessionStatusTerminated  SessionStatus = "TERMINATED"
	SessionStatusCancelled   SessionStatus = "CANCELLED"
)

// Valid reports whether s is one of the known session statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusScheduled, SessionStatusPreparing,
		SessionStatusPrepared, SessionStatusCreating, SessionStatusRunning,
		SessionStatusTerminating, SessionStatusTerminated, SessionStatusCancelled:
		return true
	}
	return false
}

// Occupying reports whether a session in this status still counts
// against a keypair's concurrency limit (spec.md §3's "occupying set").
func (s SessionStatus) Occupying() bool {
	switch s {
	case SessionStatusScheduled, SessionStatusPreparing, SessionStatusPrepared,
		SessionStatusCreating, SessionStatusRunning, SessionStatusTerminating:
		return true
	}
	return false
}

// Terminal reports whether s is a final state the session never leaves.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusTerminated || s == SessionStatusCancelled
}

// SessionType distinguishes interactive, batch, and inference workloads.
type SessionType string

const (
	SessionTypeInteractive SessionType = "interactive"
	SessionTypeBatch       SessionType = "batch"
	SessionTypeInference   SessionType = "inference"
)

// ClusterMode declares whether a session is a single container or a
// multi-kernel cluster.
type ClusterMode string

const (
	ClusterModeSingleNode ClusterMode = "single-node"
	ClusterModeMultiNode  ClusterMode = "multi-node"
)

// Owner scopes a session to the access key and user that submitted it.
type Owner struct {
	UserUUID  string
	AccessKey string
}

// Scope places a session within the domain/group/resource-group
// hierarchy used by the resource-limit predicates.
type Scope struct {
	Domain        string
	Group         string
	ResourceGroup string // scaling group name
}

// MountRef is one vfolder mount, with the alias it is exposed as inside
// the kernel.
type MountRef struct {
	VfolderID string
	Alias     string
	ReadOnly  bool
}

// StatusHistoryEntry is one row of a session's append-only status
// history (spec.md §3: status_history is "timestamped").
type StatusHistoryEntry struct {
	Status    SessionStatus
	Reason    string
	Extra     map[string]string
	Timestamp time.Time
}

// Session is the logical unit of user work, composed of one or more
// Kernels.
type Session struct {
	ID          string
	Name        string
	Type        SessionType
	ClusterMode ClusterMode
	ClusterSize int

	RequestedSlots resource.Slots
	Owner          Owner
	Scope          Scope
	Priority       int

	Status        SessionStatus
	StatusHistory []StatusHistoryEntry
	StatusReason  string

	StartsAt     *time.Time // batch sessions only
	Dependencies []string   // session ids this session depends on

	PreopenPorts []int
	Mounts       []MountRef
	Env          map[string]string
	Image        string

	// Tag, StartupCommand, and BootstrapScript are auxiliary per-session
	// launch parameters passed through unchanged to CreateKernels.
	Tag             string
	StartupCommand  string
	BootstrapScript string

	// Private marks a session as using the private (SFTP-style)
	// concurrency bucket; the Concurrency predicate (spec.md §4.3) checks
	// max_concurrent_sftp_sessions instead of max_concurrent_sessions for
	// these.
	Private bool

	Retries   int
	CreatedAt time.Time
}

// SessionView is the read-only projection the Registry returns for
// scheduling decisions: the full Session it was read from, plus the
// time the session entered PENDING.
type SessionView struct {
	Session
	PendingSince time.Time
}
