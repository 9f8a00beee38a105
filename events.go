package hsipc

import (
	"context"
	"runtime"
	"time"

	"github.com/nugget/hsipc/internal/envelope"
	"github.com/nugget/hsipc/internal/herrors"
	"github.com/nugget/hsipc/internal/pubsub"
)

// Eventer is implemented by values that carry their own topic, letting
// PublishEvent derive the topic instead of requiring the caller to
// repeat it (spec.md §6.2 Hub::publish_event).
type Eventer interface {
	Topic() string
}

// Publish serializes value and broadcasts it as an Event envelope
// under topic (spec.md §4.4, §6.2 Hub::publish).
func (h *Hub) Publish(topic string, value any) error {
	payload, err := envelope.MarshalValue(value)
	if err != nil {
		return herrors.Wrap(herrors.CategorySerialization, "marshal event payload", err)
	}
	e := envelope.New(envelope.KindEvent, h.endpoint)
	e.Topic = topic
	e.Payload = payload

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.transport.Send(ctx, "", e); err != nil {
		return herrors.Wrap(herrors.CategoryTransport, "broadcast event", err)
	}
	return nil
}

// PublishEvent publishes value under its own Topic() (spec.md §6.2
// Hub::publish_event).
func (h *Hub) PublishEvent(value Eventer) error {
	return h.Publish(value.Topic(), value)
}

// Subscription is the handle returned by Subscribe. Calling
// Unsubscribe is the normal way to stop delivery; dropping the handle
// without calling it still unregisters eventually via a finalizer
// (spec.md §3: "dropping the handle MUST eventually unregister it"),
// though callers should not rely on GC timing for anything but leak
// prevention.
type Subscription struct {
	id     string
	events *pubsub.Registry
}

// Unsubscribe removes the subscription. Idempotent.
func (s *Subscription) Unsubscribe() {
	if s.events == nil {
		return
	}
	s.events.Unsubscribe(s.id)
	s.events = nil
}

// Subscribe registers handler for every Event whose topic matches
// pattern (spec.md §4.4, §6.2 Hub::subscribe). The returned handle's
// Unsubscribe stops delivery immediately.
func (h *Hub) Subscribe(pattern string, handler func(topic string, payload []byte)) (*Subscription, error) {
	id := envelope.NewID()
	if err := h.events.Subscribe(id, pattern, handler); err != nil {
		return nil, err
	}
	sub := &Subscription{id: id, events: h.events}
	runtime.SetFinalizer(sub, func(s *Subscription) { s.Unsubscribe() })
	return sub, nil
}
