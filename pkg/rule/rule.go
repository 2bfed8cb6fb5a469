// Package rule implements C9, the pluggable selection strategies. Spec §9
// "Cyclic references": rather than a Rule holding a back-reference to its
// whole LoadBalancer, it holds only the two capabilities it actually
// needs — a list snapshot and a shared cyclic counter — via the Capable
// interface, breaking the LoadBalancer<->Rule cycle.
package rule

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sparkfund/balancer/pkg/metrics"
	"github.com/sparkfund/balancer/pkg/predicate"
	"github.com/sparkfund/balancer/pkg/server"
	"github.com/sparkfund/balancer/pkg/stats"
)

// Capable is the slice of LoadBalancer state a Rule needs: the current
// server lists and stats registry, plus the shared round-robin cursor
// (spec L3: monotonically increasing modulo 2^31).
type Capable interface {
	UpServers() []*server.Server
	AllServers() []*server.Server
	Stats() *stats.LoadBalancerStats
	NextIndex(mod int) int
}

// Rule picks one server per request. Choose never panics; internal faults
// are the caller's (LoadBalancer.chooseServer's) responsibility to recover.
type Rule interface {
	Choose(lb Capable, key interface{}) (*server.Server, bool)
}

const maxAliveRetries = 10

// RoundRobinRule cycles through upServers via the shared cyclic counter,
// retrying up to maxAliveRetries times if a racing liveness flip picks a
// dead server (spec §4.3).
type RoundRobinRule struct{}

// Choose implements Rule.
func (RoundRobinRule) Choose(lb Capable, _ interface{}) (*server.Server, bool) {
	for attempt := 0; attempt < maxAliveRetries; attempt++ {
		up := lb.UpServers()
		if len(up) == 0 {
			return nil, false
		}
		idx := lb.NextIndex(len(up))
		s := up[idx]
		if s.Alive() {
			return s, true
		}
	}
	return nil, false
}

// RandomRule picks uniformly at random among upServers, with the same
// liveness retry as RoundRobinRule (spec §4.3).
type RandomRule struct {
	Rand *rand.Rand
}

// NewRandomRule constructs a RandomRule with its own PRNG.
func NewRandomRule() *RandomRule {
	return &RandomRule{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Choose implements Rule.
func (r *RandomRule) Choose(lb Capable, _ interface{}) (*server.Server, bool) {
	rng := r.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	for attempt := 0; attempt < maxAliveRetries; attempt++ {
		up := lb.UpServers()
		if len(up) == 0 {
			return nil, false
		}
		s := up[rng.Intn(len(up))]
		if s.Alive() {
			return s, true
		}
	}
	return nil, false
}

// RetryRule wraps a sub-rule, retrying until either a live server is
// returned or the wall-clock deadline elapses (spec §4.3). It yields
// between attempts using a capped exponential backoff rather than a bare
// time.Sleep.
type RetryRule struct {
	Sub            Rule
	MaxRetryMillis time.Duration
	// Name labels this rule's metrics; left blank it reports under "".
	Name string
}

// NewRetryRule wraps sub with the spec default 500ms deadline.
func NewRetryRule(sub Rule) *RetryRule {
	return &RetryRule{Sub: sub, MaxRetryMillis: 500 * time.Millisecond}
}

// Choose implements Rule. It does not spawn additional goroutines; the
// deadline is enforced by the caller's own clock check each iteration.
func (r *RetryRule) Choose(lb Capable, key interface{}) (*server.Server, bool) {
	deadline := time.Now().Add(r.MaxRetryMillis)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0 // we enforce the deadline ourselves

	for {
		if s, ok := r.Sub.Choose(lb, key); ok && s.Alive() {
			return s, true
		}
		wait := b.NextBackOff()
		if time.Now().Add(wait).After(deadline) {
			metrics.RecordRetryExhausted(r.Name)
			return nil, false
		}
		time.Sleep(wait)
	}
}

// weightedEntry is one row of WeightedResponseTimeRule's cumulative weight
// table.
type weightedEntry struct {
	server          *server.Server
	cumulativeWeight float64
}

// WeightedResponseTimeRule draws servers proportional to how much faster
// than average they respond (spec §4.3). The cumulative weight table is
// rebuilt on a timer and published by replacing the value held in a
// depth-1 channel used as a slot; Choose takes the value out and puts it
// back.
type WeightedResponseTimeRule struct {
	fallback     Rule
	recomputeEvery time.Duration

	table chan []weightedEntry // depth-1 channel used as an atomic slot
	rng   *rand.Rand

	stop chan struct{}
}

// NewWeightedResponseTimeRule constructs the rule and starts its background
// recompute loop, rebuilding the weight table every 30s by default (spec
// §4.3). Call Stop to halt the loop.
func NewWeightedResponseTimeRule(lb Capable) *WeightedResponseTimeRule {
	r := &WeightedResponseTimeRule{
		fallback:       RoundRobinRule{},
		recomputeEvery: 30 * time.Second,
		table:          make(chan []weightedEntry, 1),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:           make(chan struct{}),
	}
	r.table <- nil
	r.recompute(lb)
	go r.loop(lb)
	return r
}

func (r *WeightedResponseTimeRule) loop(lb Capable) {
	ticker := time.NewTicker(r.recomputeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.recompute(lb)
		}
	}
}

// Stop halts the background recompute loop. Idempotent.
func (r *WeightedResponseTimeRule) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

func (r *WeightedResponseTimeRule) recompute(lb Capable) {
	up := lb.UpServers()
	st := lb.Stats()
	if st == nil || len(up) == 0 {
		r.publish(nil)
		return
	}

	avgs := make([]float64, len(up))
	var totalAvg float64
	for i, s := range up {
		a := st.GetSingleServerStat(s.ID(), s.Zone).AverageResponseTimeMs()
		avgs[i] = a
		totalAvg += a
	}

	entries := make([]weightedEntry, len(up))
	var cumulative float64
	for i, s := range up {
		weight := totalAvg - avgs[i]
		if weight < 0 {
			weight = 0
		}
		cumulative += weight
		entries[i] = weightedEntry{server: s, cumulativeWeight: cumulative}
	}
	r.publish(entries)
}

func (r *WeightedResponseTimeRule) publish(entries []weightedEntry) {
	select {
	case <-r.table:
	default:
	}
	r.table <- entries
}

func (r *WeightedResponseTimeRule) snapshot() []weightedEntry {
	entries := <-r.table
	r.table <- entries
	return entries
}

// Choose implements Rule. Until enough samples exist (every weight is
// zero), it falls back to round-robin.
func (r *WeightedResponseTimeRule) Choose(lb Capable, key interface{}) (*server.Server, bool) {
	entries := r.snapshot()
	if len(entries) == 0 {
		return r.fallback.Choose(lb, key)
	}
	total := entries[len(entries)-1].cumulativeWeight
	if total <= 0 {
		return r.fallback.Choose(lb, key)
	}

	target := r.rng.Float64() * total
	for _, e := range entries {
		if target < e.cumulativeWeight {
			return e.server, true
		}
	}
	return entries[len(entries)-1].server, true
}

// BestAvailableRule picks the server with the fewest active requests among
// those whose breaker isn't tripped; ties go to the first encountered
// (spec §4.3).
type BestAvailableRule struct {
	fallback Rule
	// Name labels this rule's circuit-breaker-skip metrics; left blank it
	// reports under "".
	Name string
}

// NewBestAvailableRule constructs a BestAvailableRule, falling back to
// round-robin when stats are unavailable.
func NewBestAvailableRule() *BestAvailableRule {
	return &BestAvailableRule{fallback: RoundRobinRule{}}
}

// Choose implements Rule.
func (r *BestAvailableRule) Choose(lb Capable, key interface{}) (*server.Server, bool) {
	st := lb.Stats()
	all := lb.AllServers()
	if st == nil || len(all) == 0 {
		return r.fallback.Choose(lb, key)
	}

	now := time.Now()
	var best *server.Server
	var bestActive int64 = -1
	for _, s := range all {
		if !s.Alive() {
			continue
		}
		ss := st.GetSingleServerStat(s.ID(), s.Zone)
		if ss.IsCircuitBreakerTripped(now) {
			metrics.RecordCircuitBreakerTrip(r.Name, s.ID())
			continue
		}
		active := ss.ActiveRequestsCount()
		if bestActive < 0 || active < bestActive {
			bestActive = active
			best = s
		}
	}
	if best == nil {
		return r.fallback.Choose(lb, key)
	}
	return best, true
}

// ClientConfigEnabledRoundRobinRule is a pure base providing a default
// round-robin choose, so richer rules can embed it and inherit a safe
// fallback (spec §4.3) instead of duplicating round-robin logic.
type ClientConfigEnabledRoundRobinRule struct {
	RoundRobinRule
}

// AvailabilityFilteringRule performs round-robin sampling and tests each
// candidate against an AvailabilityPredicate, falling back to the full
// filter-then-pick path after 10 failed candidates (spec §4.3) — this
// avoids an O(n) scan on every call when most servers are healthy.
type AvailabilityFilteringRule struct {
	ClientConfigEnabledRoundRobinRule
	Predicate *predicate.AvailabilityPredicate
}

// NewAvailabilityFilteringRule constructs the rule over st.
func NewAvailabilityFilteringRule(st *stats.LoadBalancerStats) *AvailabilityFilteringRule {
	return &AvailabilityFilteringRule{Predicate: predicate.NewAvailabilityPredicate(st)}
}

// Choose implements Rule.
func (r *AvailabilityFilteringRule) Choose(lb Capable, key interface{}) (*server.Server, bool) {
	up := lb.UpServers()
	if len(up) == 0 {
		return nil, false
	}

	for attempt := 0; attempt < maxAliveRetries; attempt++ {
		idx := lb.NextIndex(len(up))
		s := up[idx]
		if s.Alive() && r.Predicate.Apply(predicate.Key{Server: s, LoadBalancerKey: key}) {
			return s, true
		}
	}

	eligible := predicate.GetEligibleServers(r.Predicate, up, key)
	if len(eligible) == 0 {
		return nil, false
	}
	idx := lb.NextIndex(len(eligible))
	return eligible[idx], true
}

// PredicateBasedRule delegates to a Predicate's round-robin-after-filtering
// selection over allServers (spec §4.3).
type PredicateBasedRule struct {
	Predicate interface {
		GetEligibleServers(all []*server.Server, key interface{}) []*server.Server
	}
}

// Choose implements Rule.
func (r *PredicateBasedRule) Choose(lb Capable, key interface{}) (*server.Server, bool) {
	all := lb.AllServers()
	eligible := r.Predicate.GetEligibleServers(all, key)
	if len(eligible) == 0 {
		return nil, false
	}
	idx := lb.NextIndex(len(eligible))
	return eligible[idx], true
}

// NewZoneAvoidanceRule constructs a ZoneAvoidanceRule as a PredicateBasedRule
// whose predicate is CompositePredicate{primary: ZoneAvoidance AND
// Availability, fallback1: Availability, fallback2: alwaysTrue} (spec
// §4.3, §4.4).
func NewZoneAvoidanceRule(st *stats.LoadBalancerStats) *PredicateBasedRule {
	avail := predicate.NewAvailabilityPredicate(st)
	zone := predicate.NewZoneAvoidancePredicate(st)
	primary := andPredicate{zone, avail}
	composite := predicate.NewCompositePredicate(primary, avail, alwaysTrue{})
	return &PredicateBasedRule{Predicate: composite}
}

type andPredicate struct {
	a, b predicate.Predicate
}

func (p andPredicate) Apply(k predicate.Key) bool {
	return p.a.Apply(k) && p.b.Apply(k)
}

type alwaysTrue struct{}

func (alwaysTrue) Apply(predicate.Key) bool { return true }
