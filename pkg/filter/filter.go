// Package filter implements C7, ServerListFilter: zone-affinity narrowing
// and the stable-subset filter (spec §4.8).
package filter

import (
	"math/rand"
	"sort"
	"time"

	"github.com/sparkfund/balancer/pkg/metrics"
	"github.com/sparkfund/balancer/pkg/server"
	"github.com/sparkfund/balancer/pkg/stats"
)

// ServerListFilter narrows a raw server list to an eligible list.
type ServerListFilter interface {
	Filter(all []*server.Server) []*server.Server
}

// ZoneAffinityConfig tunes the affinity guard of spec §4.8.
type ZoneAffinityConfig struct {
	ZoneExclusive               bool
	ZoneAffinityEnabled         bool
	MaxBlackOutServerPercentage float64
	MaxLoadPerServer            float64
	MinAvailableServers         int
}

// DefaultZoneAffinityConfig returns the spec §6 defaults.
func DefaultZoneAffinityConfig() ZoneAffinityConfig {
	return ZoneAffinityConfig{
		MaxBlackOutServerPercentage: 0.8,
		MaxLoadPerServer:            0.6,
		MinAvailableServers:         2,
	}
}

// ZoneAffinityServerListFilter filters to the caller's own zone, but only
// when doing so is safe: it falls back to the unfiltered list if the
// affinity guard trips (spec §4.8).
type ZoneAffinityServerListFilter struct {
	Zone   string
	Config ZoneAffinityConfig
	Stats  *stats.LoadBalancerStats
}

// NewZoneAffinityServerListFilter constructs the filter for the caller's
// zone.
func NewZoneAffinityServerListFilter(zone string, cfg ZoneAffinityConfig, st *stats.LoadBalancerStats) *ZoneAffinityServerListFilter {
	return &ZoneAffinityServerListFilter{Zone: zone, Config: cfg, Stats: st}
}

// Filter implements ServerListFilter.
func (f *ZoneAffinityServerListFilter) Filter(all []*server.Server) []*server.Server {
	if !f.Config.ZoneExclusive && !f.Config.ZoneAffinityEnabled {
		return all
	}

	filtered := make([]*server.Server, 0, len(all))
	for _, s := range all {
		if s.Zone == f.Zone {
			filtered = append(filtered, s)
		}
	}

	if f.Config.ZoneExclusive {
		return filtered
	}

	if !f.guardSafe(filtered) {
		return all
	}
	return filtered
}

func (f *ZoneAffinityServerListFilter) guardSafe(filtered []*server.Server) bool {
	if f.Stats == nil || len(filtered) == 0 {
		return len(filtered) > 0
	}

	ids := make([]string, len(filtered))
	for i, s := range filtered {
		ids[i] = s.ID()
	}
	snap := f.Stats.GetZoneSnapshotForServerIDs(f.Zone, ids)
	if snap.InstanceCount == 0 {
		return false
	}

	trippedFraction := float64(snap.CircuitTrippedCount) / float64(snap.InstanceCount)
	if trippedFraction >= f.Config.MaxBlackOutServerPercentage {
		return false
	}
	if snap.LoadPerServer >= f.Config.MaxLoadPerServer {
		return false
	}
	available := snap.InstanceCount - snap.CircuitTrippedCount
	if available < f.Config.MinAvailableServers {
		return false
	}
	return true
}

// SubsetFilterConfig tunes the stable-subset filter of spec §4.8.
type SubsetFilterConfig struct {
	Size                          int
	ForceEliminatePercent         float64
	EliminationConnectionThresold int64
	EliminationFailureThresold    int64
}

// DefaultSubsetFilterConfig returns the spec §6 defaults.
func DefaultSubsetFilterConfig() SubsetFilterConfig {
	return SubsetFilterConfig{
		Size:                  20,
		ForceEliminatePercent: 0.1,
	}
}

// ServerListSubsetFilter maintains a stable subset of target size N drawn
// from the zone-affinity-filtered candidate pool (spec §4.8).
type ServerListSubsetFilter struct {
	Config SubsetFilterConfig
	Stats  *stats.LoadBalancerStats
	rng    *rand.Rand

	// Name labels this filter's churn metric; left blank it reports under "".
	Name string

	current map[string]*server.Server
}

// NewServerListSubsetFilter constructs a subset filter with its own
// time-seeded PRNG rather than math/rand's shared global.
func NewServerListSubsetFilter(cfg SubsetFilterConfig, st *stats.LoadBalancerStats) *ServerListSubsetFilter {
	return &ServerListSubsetFilter{
		Config:  cfg,
		Stats:   st,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		current: make(map[string]*server.Server),
	}
}

// Filter implements ServerListFilter, applying the four-step algorithm of
// spec §4.8 against the candidate pool `all`.
func (f *ServerListSubsetFilter) Filter(all []*server.Server) []*server.Server {
	pool := make(map[string]*server.Server, len(all))
	for _, s := range all {
		pool[s.ID()] = s
	}

	// Step 1: drop current-subset members no longer in the candidate pool.
	for id := range f.current {
		if _, ok := pool[id]; !ok {
			delete(f.current, id)
		}
	}

	dropped := 0

	// Step 2: drop unhealthy members from both subset and pool.
	for id, s := range f.current {
		st := f.serverStats(s)
		if st == nil {
			continue
		}
		if st.ActiveRequestsCount() > f.Config.EliminationConnectionThresold ||
			st.SuccessiveConnectionFailureCount() > f.Config.EliminationFailureThresold {
			delete(f.current, id)
			delete(pool, id)
			dropped++
		}
	}

	// Step 3: force-eliminate down to the churn quota if we haven't dropped
	// enough yet, preferring the least healthy remaining members.
	quota := int(f.Config.ForceEliminatePercent * float64(f.Config.Size))
	if dropped < quota && len(f.current) > 0 {
		type scored struct {
			id    string
			s     *server.Server
			fails int64
			active int64
		}
		candidates := make([]scored, 0, len(f.current))
		for id, s := range f.current {
			st := f.serverStats(s)
			var fails, active int64
			if st != nil {
				fails = st.SuccessiveConnectionFailureCount()
				active = st.ActiveRequestsCount()
			}
			candidates = append(candidates, scored{id, s, fails, active})
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].fails != candidates[j].fails {
				return candidates[i].fails > candidates[j].fails
			}
			return candidates[i].active > candidates[j].active
		})
		for _, c := range candidates {
			if dropped >= quota {
				break
			}
			delete(f.current, c.id)
			dropped++
		}
	}

	// Step 4: random-fill back to target size from the remaining pool,
	// falling back to the full candidate set if the pool is exhausted.
	f.fill(pool, all)

	metrics.RecordSubsetChurn(f.Name, dropped)

	out := make([]*server.Server, 0, len(f.current))
	for _, s := range f.current {
		out = append(out, s)
	}
	return out
}

func (f *ServerListSubsetFilter) fill(pool map[string]*server.Server, all []*server.Server) {
	source := pool
	if len(f.current)+len(availableCandidates(source, f.current)) < f.Config.Size {
		full := make(map[string]*server.Server, len(all))
		for _, s := range all {
			full[s.ID()] = s
		}
		source = full
	}

	candidates := availableCandidates(source, f.current)
	partialFisherYatesShuffle(f.rng, candidates)

	for _, s := range candidates {
		if len(f.current) >= f.Config.Size {
			break
		}
		f.current[s.ID()] = s
	}
}

func availableCandidates(pool map[string]*server.Server, current map[string]*server.Server) []*server.Server {
	out := make([]*server.Server, 0, len(pool))
	for id, s := range pool {
		if _, ok := current[id]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// partialFisherYatesShuffle randomizes xs in place; callers only need a
// prefix of the result, but a full shuffle keeps the selection unbiased
// regardless of how many elements end up being consumed.
func partialFisherYatesShuffle(rng *rand.Rand, xs []*server.Server) {
	for i := len(xs) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		xs[i], xs[j] = xs[j], xs[i]
	}
}

func (f *ServerListSubsetFilter) serverStats(s *server.Server) *stats.ServerStats {
	if f.Stats == nil {
		return nil
	}
	return f.Stats.GetSingleServerStat(s.ID(), s.Zone)
}
