// Package pubsub implements the hub's pub/sub subscription registry
// and event fan-out (spec §4.4): a map of topic pattern to the set of
// local subscriber handles matching it, delivered in receive-loop
// order.
package pubsub

import (
	"log/slog"
	"sync"

	"github.com/nugget/hsipc/internal/topic"
)

// Handler receives the payload of every Event whose topic matches the
// pattern it was registered under. Handlers must not block the
// caller's delivery loop for long; failures are logged and never
// propagate to other subscribers (spec §4.4).
type Handler func(topicName string, payload []byte)

type subscriber struct {
	id      string
	pattern *topic.Pattern
	handler Handler
}

// Registry is the hub's pub/sub subscription table.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*subscriber
	logger *slog.Logger
}

// New creates an empty pub/sub registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{byID: make(map[string]*subscriber), logger: logger}
}

// Subscribe registers handler under pattern with the caller-chosen id
// and returns a pattern parse error, if any (spec §4.4's pattern-error
// rule: a '#' not at the end of pattern is rejected here rather than
// at match time).
func (r *Registry) Subscribe(id, pattern string, handler Handler) error {
	p, err := topic.Parse(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.byID[id] = &subscriber{id: id, pattern: p, handler: handler}
	r.mu.Unlock()
	return nil
}

// Unsubscribe removes id. Unsubscribing then immediately publishing
// to the same topic delivers no event to id's handler, even if an
// Event for a matching topic is concurrently in flight and has not
// yet reached Dispatch (spec §8 round-trip law) — the race is
// resolved by Dispatch taking a snapshot of subscribers under the
// registry lock before invoking any handler.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

// Dispatch matches topicName against every registered pattern and
// invokes each matching handler exactly once, in registration-
// independent but receive-loop-stable order (the order Dispatch
// itself iterates, which is the order the caller — the hub's receive
// loop — processed the underlying Event envelopes). A handler panic
// or the handler choosing to log its own error never affects other
// subscribers: each call is isolated by a recover.
func (r *Registry) Dispatch(topicName string, payload []byte) {
	r.mu.RLock()
	matched := make([]*subscriber, 0, len(r.byID))
	for _, s := range r.byID {
		if s.pattern.Matches(topicName) {
			matched = append(matched, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range matched {
		r.invoke(s, topicName, payload)
	}
}

func (r *Registry) invoke(s *subscriber, topicName string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("pub/sub subscriber handler panicked",
				"subscription_id", s.id, "topic", topicName, "panic", rec)
		}
	}()
	s.handler(topicName, payload)
}

// Len returns the number of active subscriptions, for tests and
// diagnostics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
