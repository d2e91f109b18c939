package probeengine

import (
	"net"
	"sync"
	"time"
)

const dnsRetryCadence = 30 * time.Second

// Resolver tracks per-target DNS resolvability, retrying unresolved
// targets on a fixed cadence rather than failing the process (spec §7:
// "mark the target as unresolved; do not probe; periodically retry
// resolution on a 30s cadence"). Adapted from the reference agent's
// readiness checker, which applies the same "soft failure with periodic
// re-evaluation" shape to monitor sync errors.
type Resolver struct {
	mu        sync.Mutex
	lastTried map[int]time.Time
	lookup    func(host string) (net.IP, error)
	now       func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{
		lastTried: make(map[int]time.Time),
		lookup:    defaultLookup,
		now:       time.Now,
	}
}

func defaultLookup(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		return ip, nil
	}
	return nil, &net.DNSError{Err: "no addresses returned", Name: host}
}

// ShouldRetry reports whether enough time has passed since the last
// attempt for this target index to try resolution again.
func (r *Resolver) ShouldRetry(index int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastTried[index]
	if !ok {
		return true
	}
	return r.now().Sub(last) >= dnsRetryCadence
}

// Resolve attempts to resolve host, recording the attempt time regardless
// of outcome so ShouldRetry paces future attempts.
func (r *Resolver) Resolve(index int, host string) (net.IP, error) {
	r.mu.Lock()
	r.lastTried[index] = r.now()
	r.mu.Unlock()
	return r.lookup(host)
}
