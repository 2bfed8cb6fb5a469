// Package server defines the immutable endpoint identity used throughout
// the selection engine.
package server

import (
	"fmt"
	"sync/atomic"
)

// Server is a candidate service endpoint. Identity is host:port; Zone is
// optional topological metadata used by zone-aware selection. ReadyToServe
// and Alive are the only mutable fields, and are accessed atomically so a
// Server can be shared across goroutines without an external lock.
type Server struct {
	Host string
	Port int
	Zone string

	id string

	readyToServe int32
	alive        int32
}

// New constructs a Server. It starts ready and alive; callers that learn
// otherwise should call SetAlive(false) once a ping or health check fails.
func New(host string, port int, zone string) *Server {
	return &Server{
		Host:         host,
		Port:         port,
		Zone:         zone,
		id:           fmt.Sprintf("%s:%d", host, port),
		readyToServe: 1,
		alive:        1,
	}
}

// ID returns the host:port identity used for equality and map keys.
func (s *Server) ID() string {
	if s.id == "" {
		return fmt.Sprintf("%s:%d", s.Host, s.Port)
	}
	return s.id
}

// Equal compares two servers by ID.
func (s *Server) Equal(other *Server) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ID() == other.ID()
}

// Alive reports whether the last liveness probe succeeded.
func (s *Server) Alive() bool {
	return atomic.LoadInt32(&s.alive) == 1
}

// SetAlive updates the liveness flag. Safe for concurrent use.
func (s *Server) SetAlive(alive bool) {
	var v int32
	if alive {
		v = 1
	}
	atomic.StoreInt32(&s.alive, v)
}

// ReadyToServe reports whether the server has been marked eligible to
// receive traffic (distinct from liveness: a server can be alive but
// administratively drained).
func (s *Server) ReadyToServe() bool {
	return atomic.LoadInt32(&s.readyToServe) == 1
}

// SetReadyToServe updates the readiness flag.
func (s *Server) SetReadyToServe(ready bool) {
	var v int32
	if ready {
		v = 1
	}
	atomic.StoreInt32(&s.readyToServe, v)
}

func (s *Server) String() string {
	if s.Zone != "" {
		return fmt.Sprintf("%s(zone=%s)", s.ID(), s.Zone)
	}
	return s.ID()
}

// ParseList splits a comma-separated "host:port,host:port" source list
// (spec §6 "Server identity format") into Servers. Empty tokens are
// skipped; tokens without a ":" are rejected.
func ParseList(raw string) ([]*Server, error) {
	var out []*Server
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			tok := trim(raw[start:i])
			start = i + 1
			if tok == "" {
				continue
			}
			host, port, err := splitHostPort(tok)
			if err != nil {
				return nil, fmt.Errorf("invalid server token %q: %w", tok, err)
			}
			out = append(out, New(host, port, ""))
		}
	}
	return out, nil
}

func trim(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func splitHostPort(tok string) (string, int, error) {
	idx := -1
	for i := len(tok) - 1; i >= 0; i-- {
		if tok[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(tok)-1 {
		return "", 0, fmt.Errorf("missing port")
	}
	host := tok[:idx]
	var port int
	for _, c := range tok[idx+1:] {
		if c < '0' || c > '9' {
			return "", 0, fmt.Errorf("non-numeric port")
		}
		port = port*10 + int(c-'0')
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host")
	}
	return host, port, nil
}
