package predicate

import (
	"fmt"
	"time"

	"github.com/sokovan/manager/pkg/domain"
)

// ReservedBatchSession refuses a batch session whose StartsAt is still
// in the future.
type ReservedBatchSession struct{}

func (*ReservedBatchSession) Name() string { return "ReservedBatchSession" }

func (*ReservedBatchSession) Evaluate(ctx *ValidatorContext) string {
	s := ctx.Session
	if s.Type != domain.SessionTypeBatch || s.StartsAt == nil {
		return ""
	}
	if time.Now().Before(*s.StartsAt) {
		return fmt.Sprintf("batch session scheduled to start at %s", s.StartsAt.Format(time.RFC3339))
	}
	return ""
}

// Concurrency refuses a session once its access_key is at its
// concurrency limit. Private sessions check the SFTP bucket instead.
type Concurrency struct{}

func (*Concurrency) Name() string { return "Concurrency" }

func (*Concurrency) Evaluate(ctx *ValidatorContext) string {
	if ctx.Session.Private {
		if ctx.SFTPUsed >= ctx.SFTPLimit {
			return fmt.Sprintf("sftp concurrency limit reached (%d/%d)", ctx.SFTPUsed, ctx.SFTPLimit)
		}
		return ""
	}
	if ctx.ConcurrencyUsed >= ctx.ConcurrencyLimit {
		return fmt.Sprintf("concurrency limit reached (%d/%d)", ctx.ConcurrencyUsed, ctx.ConcurrencyLimit)
	}
	return ""
}

// Dependencies refuses a session until every session it depends on has
// completed successfully.
type Dependencies struct{}

func (*Dependencies) Name() string { return "Dependencies" }

func (*Dependencies) Evaluate(ctx *ValidatorContext) string {
	for _, depID := range ctx.Session.Dependencies {
		status, known := ctx.DependencyStatus[depID]
		if !known {
			return fmt.Sprintf("dependency %s status unknown", depID)
		}
		if !status.Terminal() {
			return fmt.Sprintf("dependency %s still incomplete (status %s)", depID, status)
		}
		if !ctx.DependencySucceeded[depID] {
			return fmt.Sprintf("dependency %s did not succeed", depID)
		}
	}
	return ""
}

// KeypairResourceLimit refuses a session that would push its
// access_key's occupancy past its keypair policy's total.
type KeypairResourceLimit struct{}

func (*KeypairResourceLimit) Name() string { return "KeypairResourceLimit" }

func (*KeypairResourceLimit) Evaluate(ctx *ValidatorContext) string {
	if ctx.KeypairPolicy == nil {
		return ""
	}
	if !ctx.KeypairPolicy.Allows(ctx.KeypairOccupancy, ctx.Session.RequestedSlots) {
		return "requested resources exceed keypair's total_resource_slots"
	}
	return ""
}

// UserResourceLimit refuses a session that would push the owning
// user's occupancy past their resource policy's total.
type UserResourceLimit struct{}

func (*UserResourceLimit) Name() string { return "UserResourceLimit" }

func (*UserResourceLimit) Evaluate(ctx *ValidatorContext) string {
	if ctx.UserPolicy == nil {
		return ""
	}
	need := ctx.UserOccupancy.Add(ctx.Session.RequestedSlots)
	if ctx.UserPolicy.DefaultForUnspecified == domain.DefaultForUnspecifiedUnlimited {
		for k, v := range need {
			limit, ok := ctx.UserPolicy.TotalResourceSlots[k]
			if !ok {
				continue
			}
			if !v.LessEq(limit) {
				return "requested resources exceed user's total_resource_slots"
			}
		}
		return ""
	}
	if !need.LessEq(ctx.UserPolicy.TotalResourceSlots) {
		return "requested resources exceed user's total_resource_slots"
	}
	return ""
}

// GroupResourceLimit refuses a session that would push the owning
// group's occupancy past its total_resource_slots, unless the group is
// unlimited.
type GroupResourceLimit struct{}

func (*GroupResourceLimit) Name() string { return "GroupResourceLimit" }

func (*GroupResourceLimit) Evaluate(ctx *ValidatorContext) string {
	if ctx.GroupPolicy == nil || ctx.GroupPolicy.Unlimited {
		return ""
	}
	need := ctx.GroupOccupancy.Add(ctx.Session.RequestedSlots)
	if !need.LessEq(ctx.GroupPolicy.TotalResourceSlots) {
		return "requested resources exceed group's total_resource_slots"
	}
	return ""
}

// DomainResourceLimit refuses a session that would push the owning
// domain's occupancy past its total_resource_slots, unless unlimited.
type DomainResourceLimit struct{}

func (*DomainResourceLimit) Name() string { return "DomainResourceLimit" }

func (*DomainResourceLimit) Evaluate(ctx *ValidatorContext) string {
	if ctx.DomainPolicy == nil || ctx.DomainPolicy.Unlimited {
		return ""
	}
	need := ctx.DomainOccupancy.Add(ctx.Session.RequestedSlots)
	if !need.LessEq(ctx.DomainPolicy.TotalResourceSlots) {
		return "requested resources exceed domain's total_resource_slots"
	}
	return ""
}

// PendingSessionCountLimit refuses a session once its access_key
// already has max_pending_session_count sessions queued.
type PendingSessionCountLimit struct{}

func (*PendingSessionCountLimit) Name() string { return "PendingSessionCountLimit" }

func (*PendingSessionCountLimit) Evaluate(ctx *ValidatorContext) string {
	if ctx.KeypairPolicy == nil || ctx.KeypairPolicy.MaxPendingSessionCount <= 0 {
		return ""
	}
	if ctx.PendingCountForKey >= ctx.KeypairPolicy.MaxPendingSessionCount {
		return fmt.Sprintf("pending session count limit reached (%d/%d)", ctx.PendingCountForKey, ctx.KeypairPolicy.MaxPendingSessionCount)
	}
	return ""
}

// PendingSessionResourceLimit refuses a session once the sum of its
// access_key's pending sessions' requested_slots plus this session's
// own request would exceed max_pending_session_resource_slots.
type PendingSessionResourceLimit struct{}

func (*PendingSessionResourceLimit) Name() string { return "PendingSessionResourceLimit" }

func (*PendingSessionResourceLimit) Evaluate(ctx *ValidatorContext) string {
	if ctx.KeypairPolicy == nil || ctx.KeypairPolicy.MaxPendingSessionResourceSlots == nil {
		return ""
	}
	total := ctx.PendingResourceForKey.Add(ctx.Session.RequestedSlots)
	if !total.LessEq(ctx.KeypairPolicy.MaxPendingSessionResourceSlots) {
		return "requested resources exceed max_pending_session_resource_slots"
	}
	return ""
}
