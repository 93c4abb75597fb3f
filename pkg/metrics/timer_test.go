package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTimerStartsImmediately(t *testing.T) {
	timer := NewTimer()

	assert.False(t, timer.start.IsZero())
	assert.Less(t, time.Since(timer.start), time.Second)
}

func TestTimerObserveDurationRecordsSchedulingLatency(t *testing.T) {
	// SchedulingLatency is the histogram Stage A wraps around
	// admitAndPlace for every session in a tick; it has no labels, so
	// this exercises the plain (non-vec) ObserveDuration path.
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)

	timer.ObserveDuration(SchedulingLatency)

	assert.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)
}

func TestTimerObserveDurationVecRecordsRegistryQueryDuration(t *testing.T) {
	// RegistryQueryDuration is the vec pkg/registry wraps every Postgres
	// query with, labeled by operation name (e.g. "load_candidate_agents").
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)

	timer.ObserveDurationVec(RegistryQueryDuration, "load_candidate_agents")

	assert.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)
}

func TestTimerDurationIsMonotonic(t *testing.T) {
	timer := NewTimer()

	first := timer.Duration()
	time.Sleep(10 * time.Millisecond)
	second := timer.Duration()

	assert.Greater(t, second, first)
}

func TestTimerDurationBeforeAnySleepIsSmall(t *testing.T) {
	timer := NewTimer()

	assert.Less(t, timer.Duration(), time.Millisecond)
}

func TestIndependentTimersTrackSeparately(t *testing.T) {
	first := NewTimer()
	time.Sleep(10 * time.Millisecond)
	second := NewTimer()
	time.Sleep(10 * time.Millisecond)

	assert.Greater(t, first.Duration(), second.Duration())
}
