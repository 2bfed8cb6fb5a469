// Package updater implements C6, ServerListUpdater: the ticker-driven loop
// that periodically pulls a fresh server list from a ServerListSource and
// hands it to an action callback (spec §4.1 "List refresh").
package updater

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sparkfund/balancer/pkg/lberrors"
	"github.com/sparkfund/balancer/pkg/logger"
	"github.com/sparkfund/balancer/pkg/metrics"
	"github.com/sparkfund/balancer/pkg/server"
)

// Source yields the current raw server list. Implemented by
// pkg/discovery's ServerListSource types; declared again here so updater
// doesn't import discovery just to name the interface it depends on.
type Source interface {
	GetServerList() ([]*server.Server, error)
}

// Action receives each successfully fetched server list. It is called on
// the updater's own goroutine; implementations must not block past what
// they're willing to hold up the next refresh for.
type Action func(servers []*server.Server)

// ServerListUpdater drives Action on a fixed interval, retrying a failing
// Source fetch with bounded backoff before giving up on that cycle and
// retaining whatever list Action last saw (spec §4.1, §7 UpdaterFault).
type ServerListUpdater struct {
	name     string
	source   Source
	interval time.Duration
	action   Action
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// lastErr is the most recent UpdaterFault, retained for inspection by
	// health checks rather than surfaced synchronously (the updater loop
	// runs detached from any caller).
	lastErr error
	errMu   sync.Mutex
}

// New constructs a ServerListUpdater. log may be nil, in which case a
// no-op logger is used.
func New(source Source, interval time.Duration, action Action, log *logger.Logger) *ServerListUpdater {
	if log == nil {
		log = logger.Nop()
	}
	return &ServerListUpdater{
		name:     "default",
		source:   source,
		interval: interval,
		action:   action,
		log:      log,
	}
}

// WithName sets the label used to tag this updater's metrics, returning u
// for chaining.
func (u *ServerListUpdater) WithName(name string) *ServerListUpdater {
	u.name = name
	return u
}

// Start begins the refresh loop. Calling Start on an already-running
// updater is a no-op (idempotent, spec §4.1).
func (u *ServerListUpdater) Start(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.done = make(chan struct{})
	u.running = true

	go u.loop(loopCtx)
}

// Stop halts the refresh loop and waits for the current cycle to finish.
// Idempotent; safe to call on an updater that was never started.
func (u *ServerListUpdater) Stop() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	cancel := u.cancel
	done := u.done
	u.running = false
	u.mu.Unlock()

	cancel()
	<-done
}

// LastError returns the most recent UpdaterFault, or nil if the last cycle
// (or every cycle so far) succeeded.
func (u *ServerListUpdater) LastError() error {
	u.errMu.Lock()
	defer u.errMu.Unlock()
	return u.lastErr
}

func (u *ServerListUpdater) loop(ctx context.Context) {
	defer close(u.done)

	u.refreshOnce(ctx)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.refreshOnce(ctx)
		}
	}
}

func (u *ServerListUpdater) refreshOnce(ctx context.Context) {
	servers, err := u.fetchWithRetry(ctx)
	if err != nil {
		fault := lberrors.NewUpdaterFault("updater", err)
		u.setLastErr(fault)
		metrics.RecordUpdaterFault(u.name, "updater")
		u.log.WithContext(ctx).Errorw("server list refresh failed, retaining previous list", "error", fault)
		return
	}

	u.setLastErr(nil)
	u.action(servers)
}

// fetchWithRetry retries u.source.GetServerList with a bounded exponential
// backoff (spec §4.1 treats a refresh failure as transient and retains the
// previous list rather than failing the whole loop).
func (u *ServerListUpdater) fetchWithRetry(ctx context.Context) ([]*server.Server, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second

	bctx := backoff.WithContext(b, ctx)

	var servers []*server.Server
	err := backoff.Retry(func() error {
		s, err := u.source.GetServerList()
		if err != nil {
			return err
		}
		servers = s
		return nil
	}, bctx)

	return servers, err
}

func (u *ServerListUpdater) setLastErr(err error) {
	u.errMu.Lock()
	defer u.errMu.Unlock()
	u.lastErr = err
}
