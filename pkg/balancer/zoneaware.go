package balancer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sparkfund/balancer/pkg/lberrors"
	"github.com/sparkfund/balancer/pkg/logger"
	"github.com/sparkfund/balancer/pkg/metrics"
	"github.com/sparkfund/balancer/pkg/predicate"
	"github.com/sparkfund/balancer/pkg/rule"
	"github.com/sparkfund/balancer/pkg/server"
	"github.com/sparkfund/balancer/pkg/stats"
)

// RuleFactory builds a fresh Rule instance. ZoneAwareLoadBalancer calls it
// once per zone so each zone's sub-balancer gets its own Rule state (a
// RandomRule's PRNG, a WeightedResponseTimeRule's recompute goroutine)
// rather than sharing one Rule's mutable internals across zones. The
// round-robin cursor lives in each sub-balancer itself (NextIndex).
type RuleFactory func() rule.Rule

// ZoneAwareLoadBalancer implements C11: it partitions servers by zone into
// per-zone sub-balancers that share one stats registry, first excludes
// zones via the zone-avoidance algorithm (every structurally unusable zone
// plus at most one worst-loaded zone, spec §4.5), then
// delegates the actual pick to the chosen zone's sub-balancer (spec §4.1
// "Zone-aware choice").
type ZoneAwareLoadBalancer struct {
	name        string
	ruleFactory RuleFactory
	filters     []Filter
	stats       *stats.LoadBalancerStats
	log         *logger.Logger

	triggeringLoad               float64
	triggeringBlackoutPercentage float64
	rng                          *rand.Rand

	mu    sync.RWMutex
	zones map[string]*LoadBalancer
	// noZone holds servers whose Zone is "" — zone-avoidance never applies
	// to them (spec §4.4 ZoneAvoidancePredicate), so they are pooled into
	// one sub-balancer rather than split per empty-string zone.
	noZone *LoadBalancer
}

// NewZoneAwareLoadBalancer constructs the balancer with the spec §6
// defaults for triggeringLoad and triggeringBlackoutPercentage.
func NewZoneAwareLoadBalancer(name string, ruleFactory RuleFactory, st *stats.LoadBalancerStats, filters []Filter, log *logger.Logger) *ZoneAwareLoadBalancer {
	if log == nil {
		log = logger.Nop()
	}
	if st == nil {
		st = stats.NewLoadBalancerStats(0)
	}
	return &ZoneAwareLoadBalancer{
		name:                         name,
		ruleFactory:                  ruleFactory,
		filters:                      filters,
		stats:                        st,
		log:                          log,
		triggeringLoad:               0.2,
		triggeringBlackoutPercentage: 0.99999,
		rng:                          rand.New(rand.NewSource(time.Now().UnixNano())),
		zones:                        make(map[string]*LoadBalancer),
	}
}

// SetServers partitions all by zone, running the filter chain once over
// the whole list before partitioning (spec §4.1, §4.5 "partition by
// zone"). Zones no longer present keep their sub-balancer, with its list
// set to empty; their servers' stats remain in the shared registry until
// EvictStale expires them.
func (z *ZoneAwareLoadBalancer) SetServers(all []*server.Server) {
	filtered := all
	for _, f := range z.filters {
		filtered = f.Filter(filtered)
	}

	byZone := make(map[string][]*server.Server)
	var unzoned []*server.Server
	for _, s := range filtered {
		if s.Zone == "" {
			unzoned = append(unzoned, s)
			continue
		}
		byZone[s.Zone] = append(byZone[s.Zone], s)
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	for zoneName, servers := range byZone {
		lb, ok := z.zones[zoneName]
		if !ok {
			lb = New(z.name+"/"+zoneName, z.ruleFactory(), z.stats, nil, z.log)
			z.zones[zoneName] = lb
		}
		lb.publish(servers)
	}
	for zoneName := range z.zones {
		if _, ok := byZone[zoneName]; !ok {
			z.zones[zoneName].publish(nil)
		}
	}

	if len(unzoned) > 0 {
		if z.noZone == nil {
			z.noZone = New(z.name+"/unzoned", z.ruleFactory(), z.stats, nil, z.log)
		}
		z.noZone.publish(unzoned)
	} else if z.noZone != nil {
		z.noZone.publish(nil)
	}
}

// ChooseServer implements the zone-aware pick of spec §4.1/§4.5: compute
// the zone-avoidance candidate set over the currently tracked zones, pick
// one of the surviving zones by weighted-random load-balance (spec §4.6),
// and delegate to that zone's sub-balancer. Falls back across zones if
// the chosen one turns out to have nothing eligible.
func (z *ZoneAwareLoadBalancer) ChooseServer(ctx context.Context, key interface{}) (*server.Server, error) {
	z.mu.RLock()
	unzoned := z.noZone
	z.mu.RUnlock()

	available := z.availableZones()
	if len(available) == 0 {
		if unzoned != nil {
			return unzoned.ChooseServer(ctx, key)
		}
		return nil, lberrors.ErrNoEligibleServer
	}

	snapshot := z.stats.AllZoneSnapshots()
	candidates := predicate.Avoid(snapshot, z.triggeringLoad, z.triggeringBlackoutPercentage, z.rng)
	z.recordEvictions(snapshot, candidates)
	if len(candidates) == 0 {
		candidates = available
	}

	tried := make(map[string]bool, len(candidates))
	for len(tried) < len(candidates) {
		zoneName := predicate.WeightedZoneChoice(snapshot, remaining(candidates, tried), z.rng)
		tried[zoneName] = true

		z.mu.RLock()
		lb := z.zones[zoneName]
		z.mu.RUnlock()
		if lb == nil {
			continue
		}
		if s, err := lb.ChooseServer(ctx, key); err == nil {
			return s, nil
		}
	}

	if unzoned != nil {
		return unzoned.ChooseServer(ctx, key)
	}
	return nil, lberrors.ErrNoEligibleServer
}

func (z *ZoneAwareLoadBalancer) recordEvictions(snapshot map[string]stats.ZoneSnapshot, survivors []string) {
	kept := make(map[string]bool, len(survivors))
	for _, zone := range survivors {
		kept[zone] = true
	}
	for zone := range snapshot {
		if !kept[zone] {
			metrics.RecordZoneEviction(z.name, zone)
		}
	}
}

func remaining(all []string, tried map[string]bool) []string {
	out := make([]string, 0, len(all))
	for _, z := range all {
		if !tried[z] {
			out = append(out, z)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

func (z *ZoneAwareLoadBalancer) availableZones() []string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	out := make([]string, 0, len(z.zones))
	for zoneName, lb := range z.zones {
		if len(lb.UpServers()) > 0 {
			out = append(out, zoneName)
		}
	}
	return out
}

// MarkServerDown locates id across every zone's sub-balancer and marks it
// down.
func (z *ZoneAwareLoadBalancer) MarkServerDown(id string) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	for _, lb := range z.zones {
		lb.MarkServerDown(id)
	}
	if z.noZone != nil {
		z.noZone.MarkServerDown(id)
	}
}

// AllServers returns every tracked server across every zone.
func (z *ZoneAwareLoadBalancer) AllServers() []*server.Server {
	z.mu.RLock()
	defer z.mu.RUnlock()
	var out []*server.Server
	for _, lb := range z.zones {
		out = append(out, lb.AllServers()...)
	}
	if z.noZone != nil {
		out = append(out, z.noZone.AllServers()...)
	}
	return out
}

// GetReachableServers returns every alive+ready server across every zone.
func (z *ZoneAwareLoadBalancer) GetReachableServers() []*server.Server {
	z.mu.RLock()
	defer z.mu.RUnlock()
	var out []*server.Server
	for _, lb := range z.zones {
		out = append(out, lb.UpServers()...)
	}
	if z.noZone != nil {
		out = append(out, z.noZone.UpServers()...)
	}
	return out
}

// Stats returns the shared stats registry backing every zone.
func (z *ZoneAwareLoadBalancer) Stats() *stats.LoadBalancerStats {
	return z.stats
}
