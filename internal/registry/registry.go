// Package registry holds the hub's local service registry (service
// name -> handler) and the remote-service directory learned via
// discovery (spec §4.2, §4.3).
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nugget/hsipc/internal/herrors"
	"github.com/nugget/hsipc/internal/streaming"
)

// Service is the interface local handler objects implement. Handlers
// must be reentrant: the registry permits concurrent invocations of
// distinct methods and of the same method (spec §4.2).
type Service interface {
	Name() string
	Methods() []string
	Handle(ctx context.Context, method string, payload []byte) ([]byte, error)
	HandleSubscription(ctx context.Context, method string, payload []byte, sink *streaming.PendingSink) error
}

// RejectsSubscriptions is an embeddable default for services that
// only expose request/response methods: every subscription request is
// rejected. Embed it in a Service implementation to get this behavior
// for free, and define HandleSubscription on the outer type instead
// when a service does support streaming.
type RejectsSubscriptions struct{}

func (RejectsSubscriptions) HandleSubscription(_ context.Context, method string, _ []byte, sink *streaming.PendingSink) error {
	return sink.Reject("service does not support subscriptions: " + method)
}

// Descriptor is the announced/queried shape of a registered service
// (spec §3).
type Descriptor struct {
	Name          string   `json:"name"`
	Methods       []string `json:"methods"`
	Endpoint      string   `json:"endpoint"`
	RegisteredAt  int64    `json:"registered_at_ms"`
}

// Local is the hub's local service registry.
type Local struct {
	mu       sync.RWMutex
	services map[string]Service
	endpoint string
}

// NewLocal creates an empty local registry for the hub identified by
// endpoint (used to stamp Descriptor.Endpoint on registration).
func NewLocal(endpoint string) *Local {
	return &Local{services: make(map[string]Service), endpoint: endpoint}
}

// Register adds svc to the registry, returning the descriptor to
// announce via ServiceRegister. Re-registering a name replaces the
// previous handler.
func (l *Local) Register(svc Service) Descriptor {
	l.mu.Lock()
	l.services[svc.Name()] = svc
	l.mu.Unlock()
	return Descriptor{
		Name:         svc.Name(),
		Methods:      append([]string(nil), svc.Methods()...),
		Endpoint:     l.endpoint,
		RegisteredAt: time.Now().UnixMilli(),
	}
}

// Lookup returns the service registered under name, if any.
func (l *Local) Lookup(name string) (Service, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	svc, ok := l.services[name]
	return svc, ok
}

// Has reports whether the fully-qualified method "{service}.{method}"
// is handled locally.
func (l *Local) Has(fq string) bool {
	service, method, err := Split(fq)
	if err != nil {
		return false
	}
	svc, ok := l.Lookup(service)
	return ok && hasMethod(svc, method)
}

// Call dispatches a fully-qualified "{service}.{method}" request to
// the local handler. Unknown service -> ServiceNotFound. Unknown
// method on a known service -> MethodNotFound (spec §4.2).
func (l *Local) Call(ctx context.Context, fq string, payload []byte) ([]byte, error) {
	service, method, err := Split(fq)
	if err != nil {
		return nil, err
	}
	svc, ok := l.Lookup(service)
	if !ok {
		return nil, herrors.ServiceNotFound(service)
	}
	if !hasMethod(svc, method) {
		return nil, herrors.MethodNotFound(service, method)
	}
	return svc.Handle(ctx, method, payload)
}

// CallSubscription resolves "{service}.{method}" and invokes the
// service's streaming entry point with a fresh pending sink.
func (l *Local) CallSubscription(ctx context.Context, service, method string, payload []byte, sink *streaming.PendingSink) error {
	svc, ok := l.Lookup(service)
	if !ok {
		return herrors.ServiceNotFound(service)
	}
	if !hasMethod(svc, method) {
		return herrors.MethodNotFound(service, method)
	}
	return svc.HandleSubscription(ctx, method, payload, sink)
}

// Descriptors returns every locally registered service's descriptor,
// used to answer a ServiceQuery.
func (l *Local) Descriptors() []Descriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Descriptor, 0, len(l.services))
	for name, svc := range l.services {
		out = append(out, Descriptor{
			Name:     name,
			Methods:  append([]string(nil), svc.Methods()...),
			Endpoint: l.endpoint,
		})
	}
	return out
}

func hasMethod(svc Service, method string) bool {
	for _, m := range svc.Methods() {
		if m == method {
			return true
		}
	}
	return false
}

// Split parses a fully-qualified method name of the form
// "{service}.{method}" on its single '.'. Exactly one '.' is required;
// anything else is an InvalidRequest error (spec §4.2, §8 boundary).
func Split(fq string) (service, method string, err error) {
	parts := strings.Split(fq, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", herrors.InvalidRequest("method must be of the form \"service.method\", got " + fq)
	}
	return parts[0], parts[1], nil
}
