// Package balancer implements C8 (LoadBalancer) and C11
// (ZoneAwareLoadBalancer), the engine that ties together the server list,
// stats registry, filters, and rule to answer chooseServer (spec §4.1,
// §4.2, §4.5).
package balancer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sparkfund/balancer/pkg/lberrors"
	"github.com/sparkfund/balancer/pkg/logger"
	"github.com/sparkfund/balancer/pkg/metrics"
	"github.com/sparkfund/balancer/pkg/rule"
	"github.com/sparkfund/balancer/pkg/server"
	"github.com/sparkfund/balancer/pkg/stats"
)

// listSnapshot is the atomically-swapped pair of lists a LoadBalancer
// reads from. Grounded on the other_examples atomic.Value list-swap
// pattern: readers never block behind the writer that refreshes it.
type listSnapshot struct {
	all []*server.Server
	up  []*server.Server
}

// Filter narrows a candidate server list, implemented by
// pkg/filter.ServerListFilter. Declared again here so balancer does not
// import filter (filter depends only on metrics, server and stats).
type Filter interface {
	Filter(all []*server.Server) []*server.Server
}

// LoadBalancer is the selection engine of spec C8: it holds the current
// server list, the shared stats registry, an optional chain of
// ServerListFilters applied on every refresh, and the Rule that picks one
// server per chooseServer call.
type LoadBalancer struct {
	name string

	listVal atomic.Value // holds listSnapshot
	counter uint32        // cyclic round-robin cursor, spec L3

	filters []Filter
	rule    rule.Rule
	stats   *stats.LoadBalancerStats

	log *logger.Logger
}

// New constructs a LoadBalancer with no servers yet. Call AddServers or
// SetServers (typically from a ServerListUpdater's Action callback) to
// populate it.
func New(name string, r rule.Rule, st *stats.LoadBalancerStats, filters []Filter, log *logger.Logger) *LoadBalancer {
	if log == nil {
		log = logger.Nop()
	}
	if st == nil {
		st = stats.NewLoadBalancerStats(0)
	}
	lb := &LoadBalancer{
		name:    name,
		filters: filters,
		rule:    r,
		stats:   st,
		log:     log,
	}
	lb.listVal.Store(listSnapshot{})
	return lb
}

// AddServers appends to the current list and republishes it (spec §4.1).
// Duplicates are permitted: a server ID repeated in the list is a valid
// weighting mechanism (e.g. naive weighted round-robin via repeated
// entries), not an error to collapse away.
func (lb *LoadBalancer) AddServers(servers ...*server.Server) {
	snap := lb.snapshot()
	merged := make([]*server.Server, 0, len(snap.all)+len(servers))
	merged = append(merged, snap.all...)
	merged = append(merged, servers...)
	lb.publish(merged)
}

// SetServers replaces the entire list, running it through the configured
// filter chain first (spec §4.1 "List refresh" -> ServerListFilter ->
// LoadBalancer). This is the method a ServerListUpdater's Action callback
// should call.
func (lb *LoadBalancer) SetServers(all []*server.Server) {
	filtered := all
	for _, f := range lb.filters {
		filtered = f.Filter(filtered)
	}
	lb.publish(filtered)
}

// MarkServerDown flips a server's liveness flag to false by ID, if it is
// currently tracked (spec §4.1 "markServerDown").
func (lb *LoadBalancer) MarkServerDown(id string) {
	snap := lb.snapshot()
	for _, s := range snap.all {
		if s.ID() == id {
			s.SetAlive(false)
			lb.log.Infow("server marked down", "server_id", id, "balancer", lb.name)
			return
		}
	}
}

// AllServers returns every server currently tracked, alive or not.
func (lb *LoadBalancer) AllServers() []*server.Server {
	return append([]*server.Server(nil), lb.snapshot().all...)
}

// UpServers returns the subset of AllServers currently alive, the input
// every Rule reasons over (spec §4.2).
func (lb *LoadBalancer) UpServers() []*server.Server {
	up := lb.snapshot().up
	out := make([]*server.Server, 0, len(up))
	for _, s := range up {
		if s.Alive() {
			out = append(out, s)
		}
	}
	return out
}

// GetReachableServers is an alias for UpServers kept for readers coming
// from the spec's own vocabulary (spec §4.1).
func (lb *LoadBalancer) GetReachableServers() []*server.Server {
	return lb.UpServers()
}

// Stats returns the stats registry backing this balancer's servers.
func (lb *LoadBalancer) Stats() *stats.LoadBalancerStats {
	return lb.stats
}

// NextIndex implements rule.Capable: it atomically advances the shared
// cyclic counter and returns an index in [0, mod), wrapping at 2^31-1
// (spec L3) before taking the modulus so the wraparound itself never
// biases which index comes out.
func (lb *LoadBalancer) NextIndex(mod int) int {
	if mod <= 0 {
		return 0
	}
	const maxCounter = 1<<31 - 1
	for {
		cur := atomic.LoadUint32(&lb.counter)
		next := cur + 1
		if next > maxCounter {
			next = 0
		}
		if atomic.CompareAndSwapUint32(&lb.counter, cur, next) {
			return int(next) % mod
		}
	}
}

// ChooseServer picks one server for key using the configured Rule. Any
// panic inside the Rule is recovered and reported as a RuleInternalFault
// wrapped around lberrors.ErrNoEligibleServer, never propagated as a raw
// panic across this boundary (spec §7).
func (lb *LoadBalancer) ChooseServer(ctx context.Context, key interface{}) (s *server.Server, err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveChooseDuration(lb.name, ruleName(lb.rule), time.Since(start))
		if r := recover(); r != nil {
			fault := lberrors.NewRuleInternalFault(ruleName(lb.rule), fmt.Errorf("%w: %w", lberrors.ErrNoEligibleServer, panicToErr(r)))
			lb.log.WithContext(ctx).Errorw("rule panicked during selection", "error", fault)
			s, err = nil, fault
		}
	}()

	chosen, ok := lb.rule.Choose(lb, key)
	if !ok || chosen == nil {
		return nil, lberrors.ErrNoEligibleServer
	}
	return chosen, nil
}

func ruleName(r rule.Rule) string {
	return fmt.Sprintf("%T", r)
}

func panicToErr(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &stringError{msg: "panic in rule"}
}

type stringError struct{ msg string }

func (e *stringError) Error() string { return e.msg }

func (lb *LoadBalancer) snapshot() listSnapshot {
	v := lb.listVal.Load()
	if v == nil {
		return listSnapshot{}
	}
	return v.(listSnapshot)
}

func (lb *LoadBalancer) publish(all []*server.Server) {
	up := make([]*server.Server, 0, len(all))
	ids := make(map[string]bool, len(all))
	zones := make(map[string]bool, len(all))
	for _, s := range all {
		ids[s.ID()] = true
		zones[s.Zone] = true
		st := lb.stats.GetSingleServerStat(s.ID(), s.Zone)
		lb.stats.Touch(s.ID())
		metrics.SetActiveRequests(lb.name, s.ID(), s.Zone, st.ActiveRequestsCount())
		if s.Alive() && s.ReadyToServe() {
			up = append(up, s)
		}
	}
	lb.stats.EvictStale(ids)
	for zone := range zones {
		if zone == "" {
			continue
		}
		metrics.SetZoneLoad(lb.name, zone, lb.stats.GetZoneSnapshot(zone).LoadPerServer)
	}
	lb.listVal.Store(listSnapshot{all: all, up: up})
}
