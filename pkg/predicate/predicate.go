// Package predicate implements C10 (availability, zone-avoidance, and
// composite predicates) and the zone-avoidance algorithm of spec §4.4–4.6.
package predicate

import (
	"math/rand"
	"time"

	"github.com/sparkfund/balancer/pkg/server"
	"github.com/sparkfund/balancer/pkg/stats"
)

// Key pairs a candidate server with the caller-supplied selection key, the
// unit that Predicate.Apply reasons about (spec §4.4).
type Key struct {
	Server          *server.Server
	LoadBalancerKey interface{}
}

// Predicate is a boolean filter over (server, key).
type Predicate interface {
	Apply(k Key) bool
}

// GetEligibleServers runs p.Apply over every server in all, preserving
// order.
func GetEligibleServers(p Predicate, all []*server.Server, key interface{}) []*server.Server {
	out := make([]*server.Server, 0, len(all))
	for _, s := range all {
		if p.Apply(Key{Server: s, LoadBalancerKey: key}) {
			out = append(out, s)
		}
	}
	return out
}

// AvailabilityPredicate rejects a server whose circuit breaker is tripped
// or whose active-request count is at or above ActiveConnectionsLimit
// (spec §4.4).
type AvailabilityPredicate struct {
	Stats                  *stats.LoadBalancerStats
	ActiveConnectionsLimit int64
	FilterCircuitTripped   bool
	Now                    func() time.Time
}

// NewAvailabilityPredicate constructs an AvailabilityPredicate with the
// spec §6 defaults (breaker filtering on, connection limit effectively
// unbounded).
func NewAvailabilityPredicate(st *stats.LoadBalancerStats) *AvailabilityPredicate {
	return &AvailabilityPredicate{
		Stats:                  st,
		ActiveConnectionsLimit: -1,
		FilterCircuitTripped:   true,
		Now:                    time.Now,
	}
}

// Apply implements Predicate.
func (p *AvailabilityPredicate) Apply(k Key) bool {
	if k.Server == nil || p.Stats == nil {
		return false
	}
	st := p.Stats.GetSingleServerStat(k.Server.ID(), k.Server.Zone)

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	if p.FilterCircuitTripped && st.IsCircuitBreakerTripped(now()) {
		return false
	}
	if p.ActiveConnectionsLimit >= 0 && st.ActiveRequestsCount() >= p.ActiveConnectionsLimit {
		return false
	}
	return true
}

// ZoneAvoidancePredicate rejects any server whose zone is not in the
// available-zone set computed by Avoid (spec §4.4, §4.5).
type ZoneAvoidancePredicate struct {
	Stats           *stats.LoadBalancerStats
	TriggeringLoad  float64
	TriggeringBlackoutPercentage float64
	Rand            *rand.Rand
}

// NewZoneAvoidancePredicate constructs a ZoneAvoidancePredicate with the
// spec §6 defaults.
func NewZoneAvoidancePredicate(st *stats.LoadBalancerStats) *ZoneAvoidancePredicate {
	return &ZoneAvoidancePredicate{
		Stats:                        st,
		TriggeringLoad:               0.2,
		TriggeringBlackoutPercentage: 0.99999,
		Rand:                         rand.New(rand.NewSource(1)),
	}
}

// Apply implements Predicate.
func (p *ZoneAvoidancePredicate) Apply(k Key) bool {
	if k.Server == nil || p.Stats == nil {
		return false
	}
	if k.Server.Zone == "" {
		// Servers with no zone metadata are never subject to eviction.
		return true
	}
	snapshot := p.Stats.AllZoneSnapshots()
	available := Avoid(snapshot, p.TriggeringLoad, p.TriggeringBlackoutPercentage, p.Rand)
	for _, z := range available {
		if z == k.Server.Zone {
			return true
		}
	}
	return false
}

// Avoid implements the zone-avoidance algorithm of spec §4.5–4.6. Step 2
// removes every structurally unusable zone (empty, blacked-out past the
// threshold, negative load); step 4 then unconditionally removes one more
// zone from whatever remains in worstZones, unless the early-return guard
// of step 3 fires first. A call can therefore evict more than one zone.
func Avoid(snapshot map[string]stats.ZoneSnapshot, triggeringLoad, triggeringBlackoutPercentage float64, rng *rand.Rand) []string {
	available := make(map[string]bool, len(snapshot))
	for z := range snapshot {
		available[z] = true
	}

	limited := false
	var worstZones []string
	maxLoad := -1.0

	// Stable iteration order so ties resolve deterministically given a
	// deterministic snapshot map — Go map iteration order is otherwise
	// randomized, so we sort zone names first.
	zones := sortedKeys(snapshot)

	for _, z := range zones {
		snap := snapshot[z]
		switch {
		case snap.InstanceCount == 0:
			delete(available, z)
			limited = true
		case snap.CircuitTrippedCount > 0 && float64(snap.CircuitTrippedCount)/float64(snap.InstanceCount) >= triggeringBlackoutPercentage:
			delete(available, z)
			limited = true
		case snap.LoadPerServer < 0:
			delete(available, z)
			limited = true
		default:
			switch {
			case maxLoad >= 0 && abs(snap.LoadPerServer-maxLoad) < 1e-6:
				worstZones = append(worstZones, z)
			case snap.LoadPerServer > maxLoad:
				worstZones = []string{z}
				maxLoad = snap.LoadPerServer
			}
		}
	}

	if maxLoad < triggeringLoad && !limited {
		return keys(available)
	}

	if len(worstZones) == 0 {
		return keys(available)
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	evict := WeightedZoneChoice(snapshot, worstZones, rng)
	delete(available, evict)
	return keys(available)
}

// WeightedZoneChoice implements spec §4.6: draw uniformly in [1, T] where T
// is the sum of instanceCount over candidates, then return the first zone
// (in stable order) whose cumulative instanceCount reaches the draw —
// zones with more instances are proportionally more likely to be chosen.
func WeightedZoneChoice(snapshot map[string]stats.ZoneSnapshot, candidates []string, rng *rand.Rand) string {
	if len(candidates) == 1 {
		return candidates[0]
	}

	ordered := append([]string(nil), candidates...)
	sortStrings(ordered)

	total := 0
	for _, z := range ordered {
		total += snapshot[z].InstanceCount
	}
	if total <= 0 {
		return ordered[0]
	}

	r := rng.Intn(total) + 1
	running := 0
	for _, z := range ordered {
		running += snapshot[z].InstanceCount
		if running >= r {
			return z
		}
	}
	return ordered[len(ordered)-1]
}

// CompositePredicate applies a primary predicate, falling back through an
// ordered list of fallbacks (each re-applied to the ORIGINAL list, not the
// primary's output) until one yields a satisfactory result (spec §4.4).
type CompositePredicate struct {
	Primary   Predicate
	Fallbacks []Predicate

	MinimalFilteredServers    int
	MinimalFilteredPercentage float64
}

// NewCompositePredicate constructs a CompositePredicate with the spec §4.4
// defaults (minimalFilteredServers=1, minimalFilteredPercentage=0).
func NewCompositePredicate(primary Predicate, fallbacks ...Predicate) *CompositePredicate {
	return &CompositePredicate{
		Primary:                primary,
		Fallbacks:              fallbacks,
		MinimalFilteredServers: 1,
	}
}

// Apply implements Predicate by deferring to the eligible-servers result:
// a composite predicate only makes sense evaluated over a whole list, so
// single-server Apply just reruns GetEligibleServers over a one-element
// slice.
func (c *CompositePredicate) Apply(k Key) bool {
	if k.Server == nil {
		return false
	}
	eligible := c.GetEligibleServers([]*server.Server{k.Server}, k.LoadBalancerKey)
	return len(eligible) == 1
}

// GetEligibleServers implements spec §4.4's fallback cascade.
func (c *CompositePredicate) GetEligibleServers(all []*server.Server, key interface{}) []*server.Server {
	result := GetEligibleServers(c.Primary, all, key)
	if c.satisfactory(result, all) {
		return result
	}

	for _, fb := range c.Fallbacks {
		result = GetEligibleServers(fb, all, key)
		if c.satisfactory(result, all) {
			return result
		}
	}

	return result
}

func (c *CompositePredicate) satisfactory(result, all []*server.Server) bool {
	if len(result) < c.MinimalFilteredServers {
		return false
	}
	if float64(len(result)) <= c.MinimalFilteredPercentage*float64(len(all)) {
		return false
	}
	return true
}

func sortedKeys(m map[string]stats.ZoneSnapshot) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortStrings(out)
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortStrings(out)
	return out
}

func sortStrings(xs []string) {
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

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
