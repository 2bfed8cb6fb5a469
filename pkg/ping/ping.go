// Package ping implements C4, the periodic reachability prober whose
// alive/dead verdicts feed each Server's liveness flag (spec §4.1
// "Pinging").
package ping

import (
	"context"
	"net/http"
	"time"

	"github.com/sparkfund/balancer/pkg/server"
)

// Pinger reports whether a server is currently reachable. Implementations
// must be safe for concurrent use and must not block past ctx's deadline.
type Pinger interface {
	IsAlive(ctx context.Context, s *server.Server) bool
}

// HTTPPinger probes a server with a GET against Path, treating any 2xx
// response as alive. Grounded on the teacher's checkServerHealth.
type HTTPPinger struct {
	Path    string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPPinger constructs an HTTPPinger with sane defaults.
func NewHTTPPinger(path string, timeout time.Duration) *HTTPPinger {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPPinger{
		Path:    path,
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

// IsAlive implements Pinger.
func (p *HTTPPinger) IsAlive(ctx context.Context, s *server.Server) bool {
	url := "http://" + s.ID()
	if p.Path != "" {
		url += p.Path
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// DummyPing always reports a server alive. Grounded on spec §6's default
// NFLoadBalancerPingClassName=DummyPing — used when no real prober is
// configured, e.g. when liveness is entirely driven by connection failures
// recorded in ServerStats instead of an out-of-band probe.
type DummyPing struct{}

// IsAlive implements Pinger.
func (DummyPing) IsAlive(context.Context, *server.Server) bool { return true }
