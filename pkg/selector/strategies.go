package selector

import (
	"sync"

	"github.com/sokovan/manager/pkg/domain"
	"github.com/sokovan/manager/pkg/resource"
)

// RoundRobin cycles through agents ordered by id, returning the next
// fitting agent after the last one it picked.
type RoundRobin struct {
	mu   sync.Mutex
	last string
}

// Select implements Selector.
func (r *RoundRobin) Select(candidates []domain.Agent, need resource.Slots) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := sortedByID(candidates)
	if len(ordered) == 0 {
		return "", false
	}

	start := 0
	for i, a := range ordered {
		if a.ID > r.last {
			start = i
			break
		}
		start = 0
	}

	for i := 0; i < len(ordered); i++ {
		a := ordered[(start+i)%len(ordered)]
		if fits(a, need) {
			r.last = a.ID
			return a.ID, true
		}
	}
	return "", false
}

// Concentrated prefers agents with the least remaining capacity that
// still fit (bin-packing): it drives agents to fill up before spilling
// onto the next one.
type Concentrated struct{}

// Select implements Selector.
func (*Concentrated) Select(candidates []domain.Agent, need resource.Slots) (string, bool) {
	best := ""
	var bestFree resource.Slots
	found := false

	for _, a := range candidates {
		free, err := a.FreeSlots()
		if err != nil || !need.LessEq(free) {
			continue
		}
		if !found || leastRemaining(free, bestFree) {
			best, bestFree, found = a.ID, free, true
		}
	}
	return best, found
}

// Dispersed prefers agents with the most remaining capacity, spreading
// load across the widest possible set of agents.
type Dispersed struct{}

// Select implements Selector.
func (*Dispersed) Select(candidates []domain.Agent, need resource.Slots) (string, bool) {
	best := ""
	var bestFree resource.Slots
	found := false

	for _, a := range candidates {
		free, err := a.FreeSlots()
		if err != nil || !need.LessEq(free) {
			continue
		}
		if !found || leastRemaining(bestFree, free) {
			best, bestFree, found = a.ID, free, true
		}
	}
	return best, found
}

// Legacy reproduces the historical byte-level tie-break kept for
// backward compatibility: the first agent in lexical id order that
// fits, with no capacity-aware preference.
type Legacy struct{}

// Select implements Selector.
func (*Legacy) Select(candidates []domain.Agent, need resource.Slots) (string, bool) {
	for _, a := range sortedByID(candidates) {
		if fits(a, need) {
			return a.ID, true
		}
	}
	return "", false
}

// leastRemaining reports whether a has strictly less total remaining
// capacity than b, summed across every dimension present in either.
// Ties fall back to false so the first-seen candidate wins, keeping
// both Concentrated and Dispersed deterministic under equal free
// capacity.
func leastRemaining(a, b resource.Slots) bool {
	sumA, sumB := sumSlots(a), sumSlots(b)
	return sumA.LessEq(sumB) && !sumA.Eq(sumB)
}

func sumSlots(s resource.Slots) resource.Quantity {
	total := resource.Zero()
	for _, v := range s {
		total = total.Add(v)
	}
	return total
}
