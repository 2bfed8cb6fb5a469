package ping

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkfund/balancer/pkg/server"
)

func TestDummyPingAlwaysAlive(t *testing.T) {
	var p DummyPing
	assert.True(t, p.IsAlive(context.Background(), server.New("10.0.0.1", 80, "")))
}

func TestHTTPPingerReportsAliveOn2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	host := strings.TrimPrefix(ts.URL, "http://")
	s, err := parseTestServer(host)
	require.NoError(t, err)

	p := NewHTTPPinger("/healthz", time.Second)
	assert.True(t, p.IsAlive(context.Background(), s), "expected pinger to report alive for a 2xx response")
}

func TestHTTPPingerReportsDeadOn5xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	host := strings.TrimPrefix(ts.URL, "http://")
	s, err := parseTestServer(host)
	require.NoError(t, err)

	p := NewHTTPPinger("/healthz", time.Second)
	assert.False(t, p.IsAlive(context.Background(), s), "expected pinger to report dead for a 5xx response")
}

func parseTestServer(hostport string) (*server.Server, error) {
	servers, err := server.ParseList(hostport)
	if err != nil {
		return nil, err
	}
	return servers[0], nil
}
