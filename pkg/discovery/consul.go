// Package discovery implements C5, ServerListSource: external collaborators
// that yield raw server lists for the ServerListUpdater to hand to a
// ServerListFilter (spec §4.1 "List refresh").
package discovery

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/sparkfund/balancer/pkg/server"
)

// ServerListSource yields the current raw (unfiltered) server list for a
// named service. Errors are surfaced to ServerListUpdater, which treats a
// failed fetch as an UpdaterFault and retains the previous list.
type ServerListSource interface {
	GetServerList() ([]*server.Server, error)
}

// ConsulServerListSource discovers healthy instances of one service via
// Consul's health-filtered catalog query, grounded on the teacher's
// pkg/discovery/consul.go DiscoverService. Unlike the teacher's single-URL
// helper, it returns every passing instance (not just the first) so the
// rest of the selection engine can do its own picking, and it tags each
// Server with the node's Datacenter as its zone.
type ConsulServerListSource struct {
	client  *consulapi.Client
	service string
	tag     string
}

// NewConsulServerListSource creates a ConsulServerListSource pointed at
// addr (Consul's HTTP API address) for the named service.
func NewConsulServerListSource(addr, service, tag string) (*ConsulServerListSource, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: consul client: %w", err)
	}
	return &ConsulServerListSource{client: client, service: service, tag: tag}, nil
}

// GetServerList implements ServerListSource.
func (c *ConsulServerListSource) GetServerList() ([]*server.Server, error) {
	entries, _, err := c.client.Health().Service(c.service, c.tag, true, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: consul health query for %q: %w", c.service, err)
	}

	out := make([]*server.Server, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil || e.Node == nil {
			continue
		}
		addr := e.Service.Address
		if addr == "" {
			addr = e.Node.Address
		}
		out = append(out, server.New(addr, e.Service.Port, e.Node.Datacenter))
	}
	return out, nil
}

// StaticServerListSource yields a fixed list, parsed once at construction
// from a "host:port,host:port" string (spec §6 ListOfServers). This is the
// ConfigurationBasedServerList default named in spec §6.
type StaticServerListSource struct {
	servers []*server.Server
}

// NewStaticServerListSource parses raw per spec §6's server identity
// format.
func NewStaticServerListSource(raw string) (*StaticServerListSource, error) {
	servers, err := server.ParseList(raw)
	if err != nil {
		return nil, err
	}
	return &StaticServerListSource{servers: servers}, nil
}

// GetServerList implements ServerListSource. It returns the same parsed
// list on every call — the static source has nothing new to discover.
func (s *StaticServerListSource) GetServerList() ([]*server.Server, error) {
	out := make([]*server.Server, len(s.servers))
	copy(out, s.servers)
	return out, nil
}
