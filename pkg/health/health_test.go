package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sparkfund/balancer/pkg/server"
)

type fakeReporter struct {
	all, reachable []*server.Server
}

func (f fakeReporter) AllServers() []*server.Server       { return f.all }
func (f fakeReporter) GetReachableServers() []*server.Server { return f.reachable }

func TestBalancerCheckerReportsDownWhenNoneReachable(t *testing.T) {
	all := []*server.Server{server.New("10.0.0.1", 80, "")}
	c := NewBalancerChecker("primary", fakeReporter{all: all, reachable: nil})

	comp := c.Check(context.Background())
	assert.Equal(t, StatusDown, comp.Status)
}

func TestBalancerCheckerReportsDegradedWhenPartial(t *testing.T) {
	all := []*server.Server{server.New("10.0.0.1", 80, ""), server.New("10.0.0.2", 80, "")}
	c := NewBalancerChecker("primary", fakeReporter{all: all, reachable: all[:1]})

	comp := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, comp.Status)
}

func TestBalancerCheckerReportsUpWhenAllReachable(t *testing.T) {
	all := []*server.Server{server.New("10.0.0.1", 80, "")}
	c := NewBalancerChecker("primary", fakeReporter{all: all, reachable: all})

	comp := c.Check(context.Background())
	assert.Equal(t, StatusUp, comp.Status)
}

func TestHandlerAggregatesWorstStatus(t *testing.T) {
	h := NewHandler(0)
	h.AddChecker("ok", checkerFunc(func(context.Context) Component {
		return Component{Name: "ok", Status: StatusUp}
	}))
	h.AddChecker("broken", checkerFunc(func(context.Context) Component {
		return Component{Name: "broken", Status: StatusDown}
	}))

	result := h.checkHealth(context.Background())
	assert.Equal(t, StatusDown, result.Status)
	assert.Len(t, result.Components, 2)
}

type checkerFunc func(context.Context) Component

func (f checkerFunc) Check(ctx context.Context) Component { return f(ctx) }
