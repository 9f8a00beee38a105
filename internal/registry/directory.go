package registry

import "sync"

// Remote is the hub's cache of fully-qualified method -> providing
// endpoint, learned via ServiceRegister/ServiceDirectory messages
// (spec §4.3). Entries are best-effort: a stale entry only costs one
// wasted round trip, and rediscovery is always legal.
type Remote struct {
	mu      sync.RWMutex
	entries map[string]string // "service.method" -> endpoint
}

// NewRemote creates an empty remote-service directory.
func NewRemote() *Remote {
	return &Remote{entries: make(map[string]string)}
}

// Lookup returns the endpoint believed to host fq, if known.
func (r *Remote) Lookup(fq string) (endpoint string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoint, ok = r.entries[fq]
	return endpoint, ok
}

// Update records every method in d as hosted at d.Endpoint, overwriting
// any previous entry (a service may move endpoints across restarts).
func (r *Remote) Update(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, method := range d.Methods {
		r.entries[FullyQualified(d.Name, method)] = d.Endpoint
	}
}

// Forget drops entries learned from endpoint. Called when a send to
// that endpoint fails, so the next lookup triggers rediscovery instead
// of repeatedly targeting a defunct endpoint.
func (r *Remote) Forget(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fq, ep := range r.entries {
		if ep == endpoint {
			delete(r.entries, fq)
		}
	}
}

// KnownEndpoints returns the distinct set of endpoints the directory
// currently has entries for, used to populate a service_discovery
// error's Endpoints field.
func (r *Remote) KnownEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, ep := range r.entries {
		seen[ep] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ep := range seen {
		out = append(out, ep)
	}
	return out
}

// FullyQualified builds "{service}.{method}".
func FullyQualified(service, method string) string {
	return service + "." + method
}
