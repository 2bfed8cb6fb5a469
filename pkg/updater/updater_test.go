package updater

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sparkfund/balancer/pkg/server"
)

type fakeSource struct {
	mu      sync.Mutex
	servers []*server.Server
	err     error
	calls   int
}

func (f *fakeSource) GetServerList() ([]*server.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.servers, nil
}

func TestUpdaterCallsActionOnEachRefresh(t *testing.T) {
	src := &fakeSource{servers: []*server.Server{server.New("10.0.0.1", 80, "")}}

	var mu sync.Mutex
	var seen int
	u := New(src, 10*time.Millisecond, func(servers []*server.Server) {
		mu.Lock()
		seen += len(servers)
		mu.Unlock()
	}, nil)

	u.Start(context.Background())
	defer u.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen > 0
	}, time.Second, 5*time.Millisecond, "expected the action callback to have been invoked at least once")
}

func TestUpdaterStartIsIdempotent(t *testing.T) {
	src := &fakeSource{servers: nil}
	u := New(src, 50*time.Millisecond, func([]*server.Server) {}, nil)

	u.Start(context.Background())
	u.Start(context.Background()) // must not panic or start a second loop
	u.Stop()
}

func TestUpdaterRecordsLastErrorOnPersistentFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("discovery unreachable")}
	u := New(src, 10*time.Millisecond, func([]*server.Server) {}, nil)

	u.Start(context.Background())
	defer u.Stop()

	// fetchWithRetry's own bounded backoff (10s MaxElapsedTime) must exhaust
	// before refreshOnce reports a fault, so this deadline has to clear that.
	assert.Eventually(t, func() bool {
		return u.LastError() != nil
	}, 15*time.Second, 50*time.Millisecond, "expected LastError to be set after a persistently failing source")
}
