package scheduler

import (
	"sort"

	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/resource"
)

// Strategy orders a scaling group's pending sessions before Stage A
// places them, implementing the scheduler.type config option.
type Strategy interface {
	Prioritize(sessions []domain.SessionView) []domain.SessionView
}

// FIFO keeps DequeuePending's order: highest priority first, and the
// oldest pending session first within one priority value.
// When NumRetriesToSkip is positive, a session that has already failed
// admission at least that many times is moved behind the rest of the
// queue so it can't permanently block sessions behind it.
type FIFO struct {
	NumRetriesToSkip int
}

// Prioritize implements Strategy.
func (f FIFO) Prioritize(sessions []domain.SessionView) []domain.SessionView {
	if f.NumRetriesToSkip <= 0 {
		return sessions
	}
	ordered := make([]domain.SessionView, 0, len(sessions))
	var skipped []domain.SessionView
	for _, s := range sessions {
		if s.Retries >= f.NumRetriesToSkip {
			skipped = append(skipped, s)
			continue
		}
		ordered = append(ordered, s)
	}
	return append(ordered, skipped...)
}

// LIFO reverses arrival order: newest pending session first.
type LIFO struct{}

// Prioritize implements Strategy.
func (LIFO) Prioritize(sessions []domain.SessionView) []domain.SessionView {
	out := make([]domain.SessionView, len(sessions))
	for i, s := range sessions {
		out[len(sessions)-1-i] = s
	}
	return out
}

// DRF orders sessions by ascending dominant resource share: the access
// key currently holding the smallest fraction of its scarcest resource
// goes first, so one access key's heavy resource usage can't starve a
// lighter key's sessions behind it (spec.md §4.5/§8 Scenario 4).
type DRF struct {
	// Totals is the scaling group's aggregate capacity, the denominator
	// for every access key's per-resource share.
	Totals resource.Slots
	// Occupancy is each access key's current aggregate occupancy across
	// its occupying sessions (spec.md §3's "occupying set"), keyed by
	// access_key. An access key absent from the map is treated as
	// currently occupying nothing.
	Occupancy map[string]resource.Slots
}

// Prioritize implements Strategy.
func (d DRF) Prioritize(sessions []domain.SessionView) []domain.SessionView {
	out := make([]domain.SessionView, len(sessions))
	copy(out, sessions)

	share := make(map[string]resource.Quantity, len(out))
	for _, s := range out {
		share[s.ID] = dominantShare(d.Occupancy[s.Owner.AccessKey], d.Totals)
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := share[out[i].ID], share[out[j].ID]
		if si.Eq(sj) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return si.LessEq(sj) && !si.Eq(sj)
	})
	return out
}

// dominantShare returns the largest per-resource ratio of occupied to
// total capacity: an access key's dominant share is whichever resource
// it has claimed the biggest fraction of (Ghodsi et al.'s DRF). A
// dimension with zero total capacity contributes no share.
func dominantShare(occupied, totals resource.Slots) resource.Quantity {
	max := resource.Zero()
	for name, total := range totals {
		if total.IsZero() {
			continue
		}
		share := occupied.Get(name).Div(total)
		if share.LessEq(max) {
			continue
		}
		max = share
	}
	return max
}

// NewStrategy constructs the Strategy for a scaling group's configured
// scheduler.type. totals and occupancy are only consulted for drf;
// numRetriesToSkip only affects fifo. lifo and drf already reorder the
// queue on every tick.
func NewStrategy(schedulerType domain.SchedulerType, totals resource.Slots, occupancy map[string]resource.Slots, numRetriesToSkip int) Strategy {
	switch schedulerType {
	case domain.SchedulerTypeLIFO:
		return LIFO{}
	case domain.SchedulerTypeDRF:
		return DRF{Totals: totals, Occupancy: occupancy}
	default:
		return FIFO{NumRetriesToSkip: numRetriesToSkip}
	}
}
