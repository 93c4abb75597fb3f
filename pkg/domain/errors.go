package domain

import "fmt"

// The error kinds below are a small typed taxonomy, not a generic
// wrapped-string convention: §7 requires callers (scheduler, reconciler)
// to switch on error *kind* to decide whether a session stays PENDING,
// moves to CANCELLED, or the tick aborts outright. Each type implements
// Unwrap so errors.As/errors.Is work at call sites.

// AdmissionError means a predicate refused the session. The scheduler
// records Reason on the session and proceeds to the next one.
type AdmissionError struct {
	Predicate string
	Reason    string
	Err       error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission refused by %s: %s", e.Predicate, e.Reason)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// CapacityError (InsufficientResource) means no agent currently fits
// the request. Treated as soft: the session remains PENDING.
type CapacityError struct {
	ScalingGroup string
	Err          error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity in scaling group %s: %v", e.ScalingGroup, e.Err)
}

func (e *CapacityError) Unwrap() error { return e.Err }

// AgentErrorKind distinguishes the specific agent-communication failure.
type AgentErrorKind string

const (
	AgentErrorLost      AgentErrorKind = "agent_lost"
	AgentErrorRPCTimeout AgentErrorKind = "rpc_timeout"
	AgentErrorRPCFailed AgentErrorKind = "rpc_failed"
)

// AgentError covers AgentLost, RPC timeout, and RPC failure. During
// start it promotes the session to CANCELLED and triggers resource
// release; during ping it triggers a heartbeat-loss evaluation.
type AgentError struct {
	Kind    AgentErrorKind
	AgentID string
	Err     error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s error (%s): %v", e.AgentID, e.Kind, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// ConsistencyError means an invariant was violated, e.g. concurrency
// counter drift. Logged at high severity; triggers a rescan; never
// crashes the tick.
type ConsistencyError struct {
	Invariant string
	Detail    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation (%s): %s", e.Invariant, e.Detail)
}

// LockError means the distributed lock could not be acquired; the tick
// is skipped, not retried inline.
type LockError struct {
	ScalingGroup string
	Err          error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("could not acquire lock for scaling group %s: %v", e.ScalingGroup, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// StorageBackendError is relayed from the storage proxy; it surfaces as
// a session-level fatal for mount failures.
type StorageBackendError struct {
	Operation string
	Err       error
}

func (e *StorageBackendError) Error() string {
	return fmt.Sprintf("storage backend error during %s: %v", e.Operation, e.Err)
}

func (e *StorageBackendError) Unwrap() error { return e.Err }

// PredicateFailure is one failed predicate's sub-reason, aggregated
// into a SchedulingValidationError.
type PredicateFailure struct {
	Predicate string
	Reason    string
}

// SchedulingValidationError is the umbrella for all predicate failures;
// it carries every sub-kind that failed for one session so the
// scheduler can record a single diagnosis.
type SchedulingValidationError struct {
	SessionID string
	Failures  []PredicateFailure
}

func (e *SchedulingValidationError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("session %s failed predicate %s: %s", e.SessionID, e.Failures[0].Predicate, e.Failures[0].Reason)
	}
	return fmt.Sprintf("session %s failed %d predicates", e.SessionID, len(e.Failures))
}

// Add appends one more failed predicate's reason.
func (e *SchedulingValidationError) Add(predicate, reason string) {
	e.Failures = append(e.Failures, PredicateFailure{Predicate: predicate, Reason: reason})
}

// HasFailures reports whether any predicate failed.
func (e *SchedulingValidationError) HasFailures() bool {
	return len(e.Failures) > 0
}
