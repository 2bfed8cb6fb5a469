package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkfund/balancer/pkg/server"
	"github.com/sparkfund/balancer/pkg/stats"
)

func TestZoneAffinityFiltersToOwnZone(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	all := []*server.Server{
		server.New("10.0.0.1", 80, "z1"),
		server.New("10.0.0.2", 80, "z1"),
		server.New("10.0.0.3", 80, "z2"),
	}
	for _, s := range all {
		st.GetSingleServerStat(s.ID(), s.Zone)
	}

	cfg := DefaultZoneAffinityConfig()
	f := NewZoneAffinityServerListFilter("z1", cfg, st)
	f.Config.ZoneAffinityEnabled = true

	out := f.Filter(all)
	assert.Len(t, out, 2)
}

func TestZoneAffinityFallsBackWhenGuardTrips(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	all := []*server.Server{
		server.New("10.0.0.1", 80, "z1"),
		server.New("10.0.0.2", 80, "z2"),
	}
	z1 := st.GetSingleServerStat(all[0].ID(), "z1")
	for i := 0; i < 3; i++ {
		z1.NoteConnectionFailure()
	}

	cfg := DefaultZoneAffinityConfig()
	cfg.ZoneAffinityEnabled = true
	cfg.MinAvailableServers = 5 // impossible to satisfy with 1 server in z1
	f := NewZoneAffinityServerListFilter("z1", cfg, st)

	out := f.Filter(all)
	assert.Len(t, out, len(all), "expected fallback to the unfiltered list")
}

func TestZoneAffinityExclusiveNeverFallsBack(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	all := []*server.Server{
		server.New("10.0.0.1", 80, "z1"),
		server.New("10.0.0.2", 80, "z2"),
	}

	cfg := DefaultZoneAffinityConfig()
	cfg.ZoneExclusive = true
	f := NewZoneAffinityServerListFilter("z1", cfg, st)

	out := f.Filter(all)
	require.Len(t, out, 1)
	assert.Equal(t, "z1", out[0].Zone)
}

func TestSubsetFilterFillsToTargetSize(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	var all []*server.Server
	for i := 0; i < 50; i++ {
		all = append(all, server.New("10.0.0.1", 8000+i, "z1"))
	}

	cfg := DefaultSubsetFilterConfig()
	cfg.Size = 20
	f := NewServerListSubsetFilter(cfg, st)

	out := f.Filter(all)
	assert.Len(t, out, 20)
}

func TestSubsetFilterIsStableAcrossRefreshes(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	var all []*server.Server
	for i := 0; i < 30; i++ {
		all = append(all, server.New("10.0.0.1", 8000+i, "z1"))
	}

	cfg := DefaultSubsetFilterConfig()
	cfg.Size = 10
	f := NewServerListSubsetFilter(cfg, st)

	first := f.Filter(all)
	second := f.Filter(all)

	firstIDs := make(map[string]bool, len(first))
	for _, s := range first {
		firstIDs[s.ID()] = true
	}
	overlap := 0
	for _, s := range second {
		if firstIDs[s.ID()] {
			overlap++
		}
	}
	// Step 3 force-drops int(ForceEliminatePercent*Size) = 1 member on every
	// refresh even when all members are healthy, and the refill may or may
	// not pick it again, so at most that many members change.
	quota := int(cfg.ForceEliminatePercent * float64(cfg.Size))
	assert.GreaterOrEqual(t, overlap, len(first)-quota, "expected no more than the forced-churn quota to change when the pool hasn't changed")
}

func TestSubsetFilterDropsServersNoLongerInPool(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	var all []*server.Server
	for i := 0; i < 10; i++ {
		all = append(all, server.New("10.0.0.1", 8000+i, "z1"))
	}

	cfg := DefaultSubsetFilterConfig()
	cfg.Size = 10
	f := NewServerListSubsetFilter(cfg, st)
	first := f.Filter(all)
	require.Len(t, first, 10)

	shrunk := all[:5]
	out := f.Filter(shrunk)
	assert.Len(t, out, 5, "expected subset to shrink to the smaller pool")
}
