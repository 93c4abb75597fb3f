package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/resource"
)

func viewAt(id string, priority int, createdAt time.Time) domain.SessionView {
	return domain.SessionView{Session: domain.Session{ID: id, Priority: priority, CreatedAt: createdAt}}
}

func TestFIFOKeepsArrivalOrder(t *testing.T) {
	now := time.Now()
	in := []domain.SessionView{viewAt("a", 0, now), viewAt("b", 0, now.Add(time.Second))}

	out := FIFO{}.Prioritize(in)

	assert.Equal(t, []string{"a", "b"}, ids(out))
}

func TestLIFOReversesArrivalOrder(t *testing.T) {
	now := time.Now()
	in := []domain.SessionView{viewAt("a", 0, now), viewAt("b", 0, now.Add(time.Second))}

	out := LIFO{}.Prioritize(in)

	assert.Equal(t, []string{"b", "a"}, ids(out))
}

func TestDRFOrdersByAscendingDominantShare(t *testing.T) {
	now := time.Now()
	totals := resource.Slots{"cpu": resource.NewQuantityInt(100)}

	// spec.md §8 Scenario 4: ak-a already occupies {cpu:6/10}... (scaled
	// here to /100), ak-b occupies {cpu:1/10}. DRF picks ak-b's session
	// first regardless of how large either session's own request is.
	occupancy := map[string]resource.Slots{
		"ak-a": {"cpu": resource.NewQuantityInt(60)},
		"ak-b": {"cpu": resource.NewQuantityInt(10)},
	}

	big := domain.SessionView{Session: domain.Session{ID: "big", Owner: domain.Owner{AccessKey: "ak-a"}, RequestedSlots: resource.Slots{"cpu": resource.NewQuantityInt(5)}, CreatedAt: now}}
	small := domain.SessionView{Session: domain.Session{ID: "small", Owner: domain.Owner{AccessKey: "ak-b"}, RequestedSlots: resource.Slots{"cpu": resource.NewQuantityInt(20)}, CreatedAt: now.Add(time.Second)}}

	out := DRF{Totals: totals, Occupancy: occupancy}.Prioritize([]domain.SessionView{big, small})

	assert.Equal(t, []string{"small", "big"}, ids(out), "the access key with the smaller existing dominant share goes first, independent of request size")
}

func TestDRFBreaksTiesByCreationOrder(t *testing.T) {
	now := time.Now()
	totals := resource.Slots{"cpu": resource.NewQuantityInt(100)}
	occupancy := map[string]resource.Slots{
		"ak-c": {"cpu": resource.NewQuantityInt(5)},
		"ak-d": {"cpu": resource.NewQuantityInt(5)},
	}

	first := domain.SessionView{Session: domain.Session{ID: "first", Owner: domain.Owner{AccessKey: "ak-c"}, CreatedAt: now}}
	second := domain.SessionView{Session: domain.Session{ID: "second", Owner: domain.Owner{AccessKey: "ak-d"}, CreatedAt: now.Add(time.Second)}}

	out := DRF{Totals: totals, Occupancy: occupancy}.Prioritize([]domain.SessionView{second, first})

	assert.Equal(t, []string{"first", "second"}, ids(out))
}

func TestDRFTreatsUnknownAccessKeyAsZeroOccupancy(t *testing.T) {
	now := time.Now()
	totals := resource.Slots{"cpu": resource.NewQuantityInt(100)}
	occupancy := map[string]resource.Slots{
		"ak-heavy": {"cpu": resource.NewQuantityInt(90)},
	}

	heavy := domain.SessionView{Session: domain.Session{ID: "heavy", Owner: domain.Owner{AccessKey: "ak-heavy"}, CreatedAt: now}}
	fresh := domain.SessionView{Session: domain.Session{ID: "fresh", Owner: domain.Owner{AccessKey: "ak-fresh"}, CreatedAt: now.Add(time.Second)}}

	out := DRF{Totals: totals, Occupancy: occupancy}.Prioritize([]domain.SessionView{heavy, fresh})

	assert.Equal(t, []string{"fresh", "heavy"}, ids(out), "an access key with no occupancy entry has zero dominant share")
}

func TestNewStrategySelectsConfiguredType(t *testing.T) {
	_, ok := NewStrategy(domain.SchedulerTypeFIFO, nil, nil, 0).(FIFO)
	assert.True(t, ok)

	_, ok = NewStrategy(domain.SchedulerTypeLIFO, nil, nil, 0).(LIFO)
	assert.True(t, ok)

	_, ok = NewStrategy(domain.SchedulerTypeDRF, nil, nil, 0).(DRF)
	assert.True(t, ok)

	_, ok = NewStrategy(domain.SchedulerType("bogus"), nil, nil, 0).(FIFO)
	assert.True(t, ok, "unknown scheduler type should fall back to FIFO")
}

func TestFIFOSkipsSessionsPastRetryLimit(t *testing.T) {
	now := time.Now()
	stuck := domain.SessionView{Session: domain.Session{ID: "stuck", CreatedAt: now, Retries: 3}}
	fresh := domain.SessionView{Session: domain.Session{ID: "fresh", CreatedAt: now.Add(time.Second), Retries: 0}}

	out := FIFO{NumRetriesToSkip: 3}.Prioritize([]domain.SessionView{stuck, fresh})

	assert.Equal(t, []string{"fresh", "stuck"}, ids(out))
}

func ids(views []domain.SessionView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}
