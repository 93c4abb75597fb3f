package domain

import "github.com/sokovan/manager/pkg/resource"

// DefaultForUnspecified dictates whether a missing slot in a policy
// means "0" (LIMITED) or "∞" (UNLIMITED). Expressed as a discriminated
// union rather than duck-typed attribute probing, per spec.md §9's
// redesign flag against "duck-typed policy objects".
type DefaultForUnspecified string

const (
	DefaultUnspecifiedLimited   DefaultForUnspecified = "LIMITED"
	DefaultForUnspecifiedUnlimited DefaultForUnspecified = "UNLIMITED"
)

// KeypairResourcePolicy bounds one access_key's concurrency and pending
// queue.
type KeypairResourcePolicy struct {
	AccessKey                     string
	MaxConcurrentSessions         int
	MaxConcurrentSFTPSessions     int
	MaxPendingSessionCount        int
	MaxPendingSessionResourceSlots resource.Slots
	TotalResourceSlots            resource.Slots
	DefaultForUnspecified         DefaultForUnspecified
}

// UserResourcePolicy bounds one user's total resource occupancy across
// all of their keypairs.
type UserResourcePolicy struct {
	UserUUID            string
	TotalResourceSlots   resource.Slots
	DefaultForUnspecified DefaultForUnspecified
}

// GroupResourcePolicy bounds a project/group's total resource
// occupancy. Setting Unlimited disables the bound; a nil
// TotalResourceSlots alone does not.
type GroupResourcePolicy struct {
	Group               string
	TotalResourceSlots   resource.Slots
	Unlimited            bool
}

// DomainResourcePolicy bounds a whole domain's total resource
// occupancy.
type DomainResourcePolicy struct {
	Domain              string
	TotalResourceSlots   resource.Slots
	Unlimited            bool
}

// Allows reports whether current+requested stays within the policy's
// total, honoring DefaultForUnspecified for slots the policy doesn't
// mention.
func (p *KeypairResourcePolicy) Allows(current, requested resource.Slots) bool {
	need := current.Add(requested)
	if p.DefaultForUnspecified == DefaultForUnspecifiedUnlimited {
		for k, v := range need {
			limit, ok := p.TotalResourceSlots[k]
			if !ok {
				continue // unspecified slot is unbounded
			}
			if !v.LessEq(limit) {
				return false
			}
		}
		return true
	}
	return need.LessEq(p.TotalResourceSlots)
}
