package balancer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkfund/balancer/pkg/rule"
	"github.com/sparkfund/balancer/pkg/server"
	"github.com/sparkfund/balancer/pkg/stats"
)

func TestLoadBalancerChooseServerRoundRobin(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	lb := New("test", rule.RoundRobinRule{}, st, nil, nil)
	lb.SetServers([]*server.Server{
		server.New("10.0.0.1", 80, "z1"),
		server.New("10.0.0.2", 80, "z1"),
	})

	s, err := lb.ChooseServer(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestLoadBalancerChooseServerNoEligible(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	lb := New("test", rule.RoundRobinRule{}, st, nil, nil)

	_, err := lb.ChooseServer(context.Background(), nil)
	assert.Error(t, err)
}

func TestLoadBalancerMarkServerDownRemovesFromUpServers(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	lb := New("test", rule.RoundRobinRule{}, st, nil, nil)
	a := server.New("10.0.0.1", 80, "z1")
	b := server.New("10.0.0.2", 80, "z1")
	lb.SetServers([]*server.Server{a, b})

	lb.MarkServerDown(a.ID())

	up := lb.UpServers()
	require.Len(t, up, 1)
	assert.Equal(t, b.ID(), up[0].ID())
}

func TestLoadBalancerAddServersPreservesDuplicates(t *testing.T) {
	// Spec §4.1: duplicate IDs are a permitted weighting mechanism, not an
	// error to collapse away.
	st := stats.NewLoadBalancerStats(0)
	lb := New("test", rule.RoundRobinRule{}, st, nil, nil)
	a := server.New("10.0.0.1", 80, "z1")
	lb.AddServers(a)
	lb.AddServers(server.New("10.0.0.1", 80, "z1"), server.New("10.0.0.2", 80, "z1"))

	assert.Len(t, lb.AllServers(), 3)
}

func TestNextIndexWrapsWithinModulus(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	lb := New("test", rule.RoundRobinRule{}, st, nil, nil)

	for i := 0; i < 1000; i++ {
		idx := lb.NextIndex(5)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 5)
	}
}

func TestZoneAwareLoadBalancerDelegatesToZoneSubBalancer(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	zlb := NewZoneAwareLoadBalancer("test", func() rule.Rule { return rule.RoundRobinRule{} }, st, nil, nil)

	zlb.SetServers([]*server.Server{
		server.New("10.0.0.1", 80, "z1"),
		server.New("10.0.0.2", 80, "z2"),
	})

	s, err := zlb.ChooseServer(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestZoneAwareLoadBalancerNoServersReturnsNoEligible(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	zlb := NewZoneAwareLoadBalancer("test", func() rule.Rule { return rule.RoundRobinRule{} }, st, nil, nil)

	_, err := zlb.ChooseServer(context.Background(), nil)
	assert.Error(t, err)
}

func TestZoneAwareLoadBalancerMarkServerDownAcrossZones(t *testing.T) {
	st := stats.NewLoadBalancerStats(0)
	zlb := NewZoneAwareLoadBalancer("test", func() rule.Rule { return rule.RoundRobinRule{} }, st, nil, nil)
	a := server.New("10.0.0.1", 80, "z1")
	zlb.SetServers([]*server.Server{a})

	zlb.MarkServerDown(a.ID())

	assert.Empty(t, zlb.GetReachableServers(), "expected no reachable servers after marking the only one down")
}
