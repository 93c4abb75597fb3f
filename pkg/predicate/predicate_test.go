package predicate

import (
	"testing"
	"time"

	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseCtx() *ValidatorContext {
	return &ValidatorContext{
		Session: domain.Session{
			ID:             "sess-1",
			RequestedSlots: resource.Slots{"cpu": resource.NewQuantityInt(2)},
		},
		ConcurrencyLimit: 10,
		SFTPLimit:        10,
	}
}

func TestReservedBatchSession(t *testing.T) {
	ctx := baseCtx()
	future := time.Now().Add(time.Hour)
	ctx.Session.Type = domain.SessionTypeBatch
	ctx.Session.StartsAt = &future

	p := &ReservedBatchSession{}
	assert.NotEmpty(t, p.Evaluate(ctx))

	past := time.Now().Add(-time.Hour)
	ctx.Session.StartsAt = &past
	assert.Empty(t, p.Evaluate(ctx))
}

func TestConcurrencyPredicate(t *testing.T) {
	ctx := baseCtx()
	ctx.ConcurrencyUsed = 10
	p := &Concurrency{}
	assert.NotEmpty(t, p.Evaluate(ctx))

	ctx.ConcurrencyUsed = 5
	assert.Empty(t, p.Evaluate(ctx))
}

func TestConcurrencyPredicateUsesSFTPBucketForPrivateSessions(t *testing.T) {
	ctx := baseCtx()
	ctx.Session.Private = true
	ctx.ConcurrencyUsed = 10 // at limit, but irrelevant for private sessions
	ctx.SFTPUsed = 1
	ctx.SFTPLimit = 5

	p := &Concurrency{}
	assert.Empty(t, p.Evaluate(ctx))

	ctx.SFTPUsed = 5
	assert.NotEmpty(t, p.Evaluate(ctx))
}

func TestDependenciesPredicate(t *testing.T) {
	ctx := baseCtx()
	ctx.Session.Dependencies = []string{"dep-1"}
	ctx.DependencyStatus = map[string]domain.SessionStatus{"dep-1": domain.SessionStatusRunning}
	ctx.DependencySucceeded = map[string]bool{}

	p := &Dependencies{}
	assert.NotEmpty(t, p.Evaluate(ctx), "incomplete dependency should block")

	ctx.DependencyStatus["dep-1"] = domain.SessionStatusTerminated
	ctx.DependencySucceeded["dep-1"] = false
	assert.NotEmpty(t, p.Evaluate(ctx), "failed dependency should block")

	ctx.DependencySucceeded["dep-1"] = true
	assert.Empty(t, p.Evaluate(ctx))
}

func TestKeypairResourceLimit(t *testing.T) {
	ctx := baseCtx()
	ctx.KeypairPolicy = &domain.KeypairResourcePolicy{
		TotalResourceSlots:    resource.Slots{"cpu": resource.NewQuantityInt(4)},
		DefaultForUnspecified: domain.DefaultUnspecifiedLimited,
	}
	ctx.KeypairOccupancy = resource.Slots{"cpu": resource.NewQuantityInt(3)}

	p := &KeypairResourceLimit{}
	assert.NotEmpty(t, p.Evaluate(ctx), "3+2 > 4 should fail")

	ctx.KeypairOccupancy = resource.Slots{"cpu": resource.NewQuantityInt(1)}
	assert.Empty(t, p.Evaluate(ctx), "1+2 <= 4 should pass")
}

func TestGroupResourceLimitUnlimited(t *testing.T) {
	ctx := baseCtx()
	ctx.GroupPolicy = &domain.GroupResourcePolicy{Unlimited: true}
	p := &GroupResourceLimit{}
	assert.Empty(t, p.Evaluate(ctx))
}

func TestPendingSessionCountLimit(t *testing.T) {
	ctx := baseCtx()
	ctx.KeypairPolicy = &domain.KeypairResourcePolicy{MaxPendingSessionCount: 3}
	ctx.PendingCountForKey = 3

	p := &PendingSessionCountLimit{}
	assert.NotEmpty(t, p.Evaluate(ctx))

	ctx.PendingCountForKey = 2
	assert.Empty(t, p.Evaluate(ctx))
}

func TestEngineAggregatesAllFailures(t *testing.T) {
	ctx := baseCtx()
	ctx.ConcurrencyUsed = 10
	ctx.KeypairPolicy = &domain.KeypairResourcePolicy{
		TotalResourceSlots:     resource.Slots{"cpu": resource.NewQuantityInt(1)},
		DefaultForUnspecified:  domain.DefaultUnspecifiedLimited,
		MaxPendingSessionCount: 1,
	}
	ctx.PendingCountForKey = 1

	eng := NewEngine()
	err := eng.Evaluate(ctx)
	require.NotNil(t, err)
	assert.GreaterOrEqual(t, len(err.Failures), 2)
}

func TestEnginePassesCleanSession(t *testing.T) {
	ctx := baseCtx()
	eng := NewEngine()
	assert.Nil(t, eng.Evaluate(ctx))
}
