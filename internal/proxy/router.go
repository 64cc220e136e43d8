package proxy

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// Router maps routable hosts to the addresses of the deployments
// serving them. Lookups run lock-free against a copy-on-write table
// so request handling never contends with deployment swaps; writers
// serialize among themselves and publish a whole new table in one
// atomic store. Replacing a host's target therefore passes straight
// from the old address to the new one, with no window where the
// host resolves to nothing.
type Router struct {
	mu    sync.Mutex
	table atomic.Pointer[map[string]string]
}

func NewRouter() *Router {
	r := &Router{}
	empty := make(map[string]string)
	r.table.Store(&empty)
	return r
}

// Lookup resolves a host to a dialable address. Matching is
// case-insensitive and ignores any port in the host.
func (r *Router) Lookup(host string) (string, bool) {
	target, ok := (*r.table.Load())[normalizeHost(host)]
	return target, ok
}

// Upsert points host at target, replacing any previous entry.
func (r *Router) Upsert(host, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copyTable()
	next[normalizeHost(host)] = target
	r.table.Store(&next)
}

// Remove drops the entry for host, if any.
func (r *Router) Remove(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copyTable()
	delete(next, normalizeHost(host))
	r.table.Store(&next)
}

// Len reports how many hosts currently route.
func (r *Router) Len() int {
	return len(*r.table.Load())
}

// Callers hold r.mu.
func (r *Router) copyTable() map[string]string {
	current := *r.table.Load()
	next := make(map[string]string, len(current)+1)
	for host, target := range current {
		next[host] = target
	}
	return next
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
