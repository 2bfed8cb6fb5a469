// Package stats implements C2 ServerStats and C3 LoadBalancerStats: the
// per-endpoint rolling counters, circuit-breaker math, and zone snapshot
// aggregation that every Rule and Predicate reads from (spec §3, §4.2).
package stats

import (
	"math"
	"sync"
	"time"
)

// Circuit-breaker tuning. Not exposed as spec config keys (spec §3 leaves
// these as ServerStats internals), but copied into each ServerStats so
// tests can tighten the windows on a single instance.
const (
	defaultFailureThreshold             = 3
	defaultBaseBlackoutMillis           = 1000
	defaultMaxBlackoutMillis            = 60000
	defaultActiveRequestsCountTimeoutMs = 60000
	reservoirSize                       = 1000
)

// nowFunc is overridable in tests; production code always uses time.Now.
// Spec §9 Open Questions: decay uses only this monotonic-friendly clock
// source, never wall-clock arithmetic derived from external input.
var nowFunc = time.Now

// ServerStats holds the rolling counters and circuit-breaker state for one
// server, scoped to a single LoadBalancer (spec §3).
type ServerStats struct {
	mu sync.Mutex

	activeRequestsCount int64
	totalRequests        int64

	successiveConnectionFailureCount int64
	totalCircuitBreakerBlackOutMs    int64

	lastConnectionFailedAt     time.Time
	lastActiveCountChangedAt   time.Time

	responseTimes []float64 // bounded reservoir, oldest overwritten
	responseHead  int
	responseCount int

	failureThreshold             int64
	baseBlackoutMillis           int64
	maxBlackoutMillis            int64
	activeRequestsCountTimeoutMs int64
}

// NewServerStats constructs a ServerStats with the spec-default
// circuit-breaker tuning.
func NewServerStats() *ServerStats {
	return &ServerStats{
		failureThreshold:             defaultFailureThreshold,
		baseBlackoutMillis:           defaultBaseBlackoutMillis,
		maxBlackoutMillis:            defaultMaxBlackoutMillis,
		activeRequestsCountTimeoutMs: defaultActiveRequestsCountTimeoutMs,
		lastActiveCountChangedAt:     nowFunc(),
	}
}

// NoteRequestStart increments the active-request counter (I1: never goes
// negative; decrements without a matching increment are a no-op, I3).
func (s *ServerStats) NoteRequestStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeRequestsCount++
	s.totalRequests++
	s.lastActiveCountChangedAt = nowFunc()
}

// NoteRequestEnd decrements the active-request counter and records the
// response time. A successful completion resets the consecutive-failure
// counter to 0.
func (s *ServerStats) NoteRequestEnd(responseTimeMs float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRequestsCount > 0 {
		s.activeRequestsCount--
	}
	s.lastActiveCountChangedAt = nowFunc()
	s.recordResponseTime(responseTimeMs)
	if success {
		s.successiveConnectionFailureCount = 0
	}
}

// NoteConnectionFailure increments the consecutive-failure counter and
// stamps the failure time used by the circuit-breaker formula.
func (s *ServerStats) NoteConnectionFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successiveConnectionFailureCount++
	s.lastConnectionFailedAt = nowFunc()
	if s.successiveConnectionFailureCount >= s.failureThreshold {
		s.totalCircuitBreakerBlackOutMs += s.blackoutDurationLocked().Milliseconds()
	}
}

func (s *ServerStats) recordResponseTime(ms float64) {
	if s.responseTimes == nil {
		s.responseTimes = make([]float64, reservoirSize)
	}
	s.responseTimes[s.responseHead] = ms
	s.responseHead = (s.responseHead + 1) % reservoirSize
	if s.responseCount < reservoirSize {
		s.responseCount++
	}
}

// ActiveRequestsCount returns the (decay-adjusted) active request count.
// If the counter hasn't been touched for activeRequestsCountTimeout, it is
// treated as 0 — this prevents a stuck counter from a missed completion.
func (s *ServerStats) ActiveRequestsCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRequestsCountLocked()
}

func (s *ServerStats) activeRequestsCountLocked() int64 {
	if s.activeRequestsCount == 0 {
		return 0
	}
	if nowFunc().Sub(s.lastActiveCountChangedAt) >= time.Duration(s.activeRequestsCountTimeoutMs)*time.Millisecond {
		return 0
	}
	return s.activeRequestsCount
}

// TotalRequests returns the lifetime request count.
func (s *ServerStats) TotalRequests() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalRequests
}

// SuccessiveConnectionFailureCount returns the current consecutive-failure
// streak.
func (s *ServerStats) SuccessiveConnectionFailureCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successiveConnectionFailureCount
}

// TotalCircuitBreakerBlackOutMs returns the cumulative blackout duration
// accrued across every time this server's breaker has tripped.
func (s *ServerStats) TotalCircuitBreakerBlackOutMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCircuitBreakerBlackOutMs
}

// AverageResponseTimeMs returns the mean of the response-time reservoir, or
// 0 if no samples have been recorded yet.
func (s *ServerStats) AverageResponseTimeMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responseCount == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < s.responseCount; i++ {
		sum += s.responseTimes[i]
	}
	return sum / float64(s.responseCount)
}

// PercentileResponseTimeMs returns an approximate percentile (0..100) over
// the response-time reservoir using linear interpolation on a sorted copy.
func (s *ServerStats) PercentileResponseTimeMs(p float64) float64 {
	s.mu.Lock()
	samples := make([]float64, s.responseCount)
	copy(samples, s.responseTimes[:s.responseCount])
	s.mu.Unlock()

	if len(samples) == 0 {
		return 0
	}
	insertionSort(samples)
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	rank := (p / 100) * float64(len(samples)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return samples[lo]
	}
	frac := rank - float64(lo)
	return samples[lo]*(1-frac) + samples[hi]*frac
}

func insertionSort(xs []float64) {
	for i := 1; i < len(xs); i++ {
		v := xs[i]
		j := i - 1
		for j >= 0 && xs[j] > v {
			xs[j+1] = xs[j]
			j--
		}
		xs[j+1] = v
	}
}

// blackoutDuration implements spec §3's formula:
//
//	blackoutDuration = min(maxBlackout, base * 2^(successiveFailures - failureThreshold))
//
// clipped to [0, maxBlackout], active only once successiveFailures reaches
// failureThreshold.
func (s *ServerStats) blackoutDurationLocked() time.Duration {
	if s.successiveConnectionFailureCount < s.failureThreshold {
		return 0
	}
	exp := s.successiveConnectionFailureCount - s.failureThreshold
	// Cap the exponent so 2^exp can't overflow before the min() clamps it.
	if exp > 32 {
		exp = 32
	}
	millis := s.baseBlackoutMillis * (int64(1) << uint(exp))
	if millis > s.maxBlackoutMillis || millis < 0 {
		millis = s.maxBlackoutMillis
	}
	if millis < 0 {
		millis = 0
	}
	return time.Duration(millis) * time.Millisecond
}

// IsCircuitBreakerTripped implements (I2): a tripped breaker always has
// successiveFailures >= failureThreshold.
func (s *ServerStats) IsCircuitBreakerTripped(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.successiveConnectionFailureCount < s.failureThreshold {
		return false
	}
	blackout := s.blackoutDurationLocked()
	if blackout <= 0 {
		return false
	}
	return now.Sub(s.lastConnectionFailedAt) < blackout
}

// ZoneSnapshot is the immutable per-zone aggregate of spec §3.
type ZoneSnapshot struct {
	Zone                string
	InstanceCount       int
	ActiveRequestsCount int64
	CircuitTrippedCount int
	LoadPerServer       float64
}

func computeSnapshot(zone string, entries []*entry, now time.Time) ZoneSnapshot {
	snap := ZoneSnapshot{Zone: zone, InstanceCount: len(entries)}
	for _, e := range entries {
		snap.ActiveRequestsCount += e.stats.ActiveRequestsCount()
		if e.stats.IsCircuitBreakerTripped(now) {
			snap.CircuitTrippedCount++
		}
	}
	available := snap.InstanceCount - snap.CircuitTrippedCount
	if available < 1 {
		available = 1
	}
	snap.LoadPerServer = float64(snap.ActiveRequestsCount) / float64(available)
	return snap
}

type entry struct {
	zone       string
	stats      *ServerStats
	lastSeenAt time.Time
}

// LoadBalancerStats is the registry of ServerStats keyed by server id, plus
// the zone membership index used for snapshot aggregation (spec C3).
type LoadBalancerStats struct {
	mu      sync.RWMutex
	byID    map[string]*entry
	expiry  time.Duration
}

// NewLoadBalancerStats constructs an empty registry. expiry controls how
// long a stale server's stats are retained after it leaves the active list
// (spec §3 "LoadBalancerStats lifecycle"); 0 disables eviction.
func NewLoadBalancerStats(expiry time.Duration) *LoadBalancerStats {
	return &LoadBalancerStats{
		byID:   make(map[string]*entry),
		expiry: expiry,
	}
}

// GetSingleServerStat returns (creating on first observation) the
// ServerStats for serverID in the given zone.
func (l *LoadBalancerStats) GetSingleServerStat(serverID, zone string) *ServerStats {
	l.mu.RLock()
	e, ok := l.byID[serverID]
	l.mu.RUnlock()
	if ok {
		return e.stats
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.byID[serverID]; ok {
		return e.stats
	}
	e = &entry{zone: zone, stats: NewServerStats(), lastSeenAt: nowFunc()}
	l.byID[serverID] = e
	return e.stats
}

// Touch marks serverID as currently present in the active list, resetting
// its staleness clock. The LoadBalancer calls this for every server on each
// refresh; ids not touched become eligible for EvictStale after expiry.
func (l *LoadBalancerStats) Touch(serverID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.byID[serverID]; ok {
		e.lastSeenAt = nowFunc()
	}
}

// EvictStale removes any tracked server not present in currentIDs for
// longer than the configured expiry (spec §3 "removed when the server
// leaves the list for expiryDuration"). A zero expiry disables eviction.
func (l *LoadBalancerStats) EvictStale(currentIDs map[string]bool) {
	if l.expiry <= 0 {
		return
	}
	now := nowFunc()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.byID {
		if currentIDs[id] {
			e.lastSeenAt = now
			continue
		}
		if now.Sub(e.lastSeenAt) >= l.expiry {
			delete(l.byID, id)
		}
	}
}

// Remove evicts a server's stats immediately, regardless of expiry.
func (l *LoadBalancerStats) Remove(serverID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byID, serverID)
}

// GetAvailableZones returns the set of zones with at least one tracked
// server.
func (l *LoadBalancerStats) GetAvailableZones() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]bool)
	var zones []string
	for _, e := range l.byID {
		if e.zone == "" {
			continue
		}
		if !seen[e.zone] {
			seen[e.zone] = true
			zones = append(zones, e.zone)
		}
	}
	return zones
}

// GetZoneSnapshot aggregates stats for every server currently tracked in
// zone.
func (l *LoadBalancerStats) GetZoneSnapshot(zone string) ZoneSnapshot {
	l.mu.RLock()
	var entries []*entry
	for _, e := range l.byID {
		if e.zone == zone {
			entries = append(entries, e)
		}
	}
	l.mu.RUnlock()
	return computeSnapshot(zone, entries, nowFunc())
}

// GetZoneSnapshotForServerIDs aggregates stats over an explicit subset of
// server ids, regardless of zone (spec §4.2 "getZoneSnapshot(subsetServers)").
func (l *LoadBalancerStats) GetZoneSnapshotForServerIDs(label string, serverIDs []string) ZoneSnapshot {
	l.mu.RLock()
	var entries []*entry
	for _, id := range serverIDs {
		if e, ok := l.byID[id]; ok {
			entries = append(entries, e)
		}
	}
	l.mu.RUnlock()
	return computeSnapshot(label, entries, nowFunc())
}

// AllZoneSnapshots returns a snapshot per known zone, keyed by zone name —
// the input to the zone-avoidance algorithm (spec §4.5).
func (l *LoadBalancerStats) AllZoneSnapshots() map[string]ZoneSnapshot {
	zones := l.GetAvailableZones()
	out := make(map[string]ZoneSnapshot, len(zones))
	for _, z := range zones {
		out[z] = l.GetZoneSnapshot(z)
	}
	return out
}
