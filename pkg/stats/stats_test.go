package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withFrozenClock(t *testing.T, start time.Time) func(advance time.Duration) {
	t.Helper()
	cur := start
	orig := nowFunc
	nowFunc = func() time.Time { return cur }
	t.Cleanup(func() { nowFunc = orig })
	return func(advance time.Duration) { cur = cur.Add(advance) }
}

func TestActiveRequestsCountNeverNegative(t *testing.T) {
	s := NewServerStats()
	s.NoteRequestEnd(10, true)
	s.NoteRequestEnd(10, true)
	assert.EqualValues(t, 0, s.ActiveRequestsCount())
}

func TestNoteRequestEndResetsFailureStreakOnSuccess(t *testing.T) {
	s := NewServerStats()
	s.NoteConnectionFailure()
	s.NoteConnectionFailure()
	assert.EqualValues(t, 2, s.SuccessiveConnectionFailureCount())

	s.NoteRequestEnd(5, true)
	assert.EqualValues(t, 0, s.SuccessiveConnectionFailureCount())
}

func TestCircuitBreakerTripsAtThreshold(t *testing.T) {
	advance := withFrozenClock(t, time.Now())
	s := NewServerStats()

	for i := 0; i < defaultFailureThreshold-1; i++ {
		s.NoteConnectionFailure()
		assert.Falsef(t, s.IsCircuitBreakerTripped(nowFunc()), "breaker tripped before reaching threshold at failure %d", i+1)
	}

	s.NoteConnectionFailure() // reaches failureThreshold
	assert.True(t, s.IsCircuitBreakerTripped(nowFunc()), "expected breaker to be tripped at the failure threshold")

	advance(2 * time.Second) // base blackout is 1s at the threshold exponent
	assert.False(t, s.IsCircuitBreakerTripped(nowFunc()), "expected breaker to have recovered after the blackout window elapsed")
}

func TestBlackoutDurationDoublesAndCaps(t *testing.T) {
	s := NewServerStats()
	for i := int64(0); i < defaultFailureThreshold; i++ {
		s.NoteConnectionFailure()
	}
	first := s.blackoutDurationLocked()
	assert.Equal(t, defaultBaseBlackoutMillis*time.Millisecond, first)

	s.NoteConnectionFailure()
	second := s.blackoutDurationLocked()
	assert.Equal(t, 2*defaultBaseBlackoutMillis*time.Millisecond, second)

	for i := 0; i < 20; i++ {
		s.NoteConnectionFailure()
	}
	capped := s.blackoutDurationLocked()
	assert.Equal(t, defaultMaxBlackoutMillis*time.Millisecond, capped)
}

func TestTotalCircuitBreakerBlackOutMsAccumulatesOncePerTrip(t *testing.T) {
	s := NewServerStats()
	for i := int64(0); i < defaultFailureThreshold; i++ {
		s.NoteConnectionFailure()
	}
	after := s.TotalCircuitBreakerBlackOutMs()
	assert.EqualValues(t, defaultBaseBlackoutMillis, after)

	// Checking the tripped state repeatedly must not re-accumulate blackout.
	s.IsCircuitBreakerTripped(nowFunc())
	s.IsCircuitBreakerTripped(nowFunc())
	assert.Equal(t, after, s.TotalCircuitBreakerBlackOutMs())
}

func TestActiveRequestsCountDecaysAfterTimeout(t *testing.T) {
	advance := withFrozenClock(t, time.Now())
	s := NewServerStats()
	s.activeRequestsCountTimeoutMs = 100
	s.NoteRequestStart()

	assert.EqualValues(t, 1, s.ActiveRequestsCount())

	advance(200 * time.Millisecond)
	assert.EqualValues(t, 0, s.ActiveRequestsCount())
}

func TestAverageAndPercentileResponseTime(t *testing.T) {
	s := NewServerStats()
	for _, ms := range []float64{10, 20, 30, 40, 50} {
		s.NoteRequestEnd(ms, true)
	}
	assert.Equal(t, 30.0, s.AverageResponseTimeMs())
	assert.Equal(t, 30.0, s.PercentileResponseTimeMs(50))
	assert.Equal(t, 50.0, s.PercentileResponseTimeMs(100))
}

func TestLoadBalancerStatsZoneSnapshot(t *testing.T) {
	lbs := NewLoadBalancerStats(0)
	a := lbs.GetSingleServerStat("10.0.0.1:80", "z1")
	b := lbs.GetSingleServerStat("10.0.0.2:80", "z1")
	a.NoteRequestStart()
	b.NoteRequestStart()
	b.NoteRequestStart()

	snap := lbs.GetZoneSnapshot("z1")
	assert.Equal(t, 2, snap.InstanceCount)
	assert.EqualValues(t, 3, snap.ActiveRequestsCount)
	assert.Equal(t, 1.5, snap.LoadPerServer)
}

func TestEvictStaleRemovesAbsentServers(t *testing.T) {
	advance := withFrozenClock(t, time.Now())
	lbs := NewLoadBalancerStats(50 * time.Millisecond)
	lbs.GetSingleServerStat("10.0.0.1:80", "z1")

	lbs.EvictStale(map[string]bool{"10.0.0.1:80": true})
	assert.Len(t, lbs.GetAvailableZones(), 1, "expected server to still be tracked while present")

	advance(100 * time.Millisecond)
	lbs.EvictStale(map[string]bool{})
	assert.Len(t, lbs.GetAvailableZones(), 0, "expected stale server to be evicted")
}
