package hsipc

import (
	"context"

	"github.com/nugget/hsipc/internal/envelope"
	"github.com/nugget/hsipc/internal/herrors"
	"github.com/nugget/hsipc/internal/registry"
	"github.com/nugget/hsipc/internal/streaming"
)

// subscriptionRequest is the inner payload of a SubscriptionRequest
// envelope. Carrying Service explicitly (rather than deriving it from
// Method by convention) resolves spec.md §9's open question about
// service-name extraction; see DESIGN.md.
type subscriptionRequest struct {
	ID      string `json:"id"`
	Service string `json:"service"`
	Method  string `json:"method"`
	Params  []byte `json:"params"`
}

type subscriptionReject struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// CreateSubscription resolves the providing endpoint, sends a
// SubscriptionRequest, and returns a typed RpcSubscription once the
// server has accepted (spec.md §4.5 client side, §6.2
// Hub::create_subscription). Go methods cannot carry type parameters,
// so this is a package-level generic function.
func CreateSubscription[T any](ctx context.Context, h *Hub, method string, params any) (*streaming.RpcSubscription[T], error) {
	service, bareMethod, err := registry.Split(method)
	if err != nil {
		return nil, err
	}

	target, err := h.resolveEndpoint(ctx, method)
	if err != nil {
		return nil, err
	}

	payload, err := envelope.MarshalValue(params)
	if err != nil {
		return nil, herrors.Wrap(herrors.CategorySerialization, "marshal subscription params", err)
	}

	id := envelope.NewID()

	// Register before send: the table row exists-by-construction
	// before any reply can arrive, eliminating the accept/data-before-
	// registration race spec.md §9 flags as an open implementation
	// choice (this repo's chosen resolution; see DESIGN.md).
	h.clients.Register(id)

	inner := subscriptionRequest{ID: id, Service: service, Method: bareMethod, Params: payload}
	innerPayload, err := envelope.MarshalValue(inner)
	if err != nil {
		h.clients.Unregister(id)
		return nil, herrors.Wrap(herrors.CategorySerialization, "marshal subscription request", err)
	}

	req := envelope.New(envelope.KindSubscriptionRequest, h.endpoint)
	req.Topic = "subscription." + bareMethod
	req.Target = target
	req.CorrelationID = id
	req.Payload = innerPayload

	if err := h.transport.Send(ctx, target, req); err != nil {
		h.clients.Unregister(id)
		return nil, herrors.Wrap(herrors.CategoryTransport, "send subscription request", err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()
	accepted, reason, err := h.clients.WaitAccept(ackCtx, id)
	if err != nil {
		h.clients.Unregister(id)
		return nil, err
	}
	if !accepted {
		h.clients.Unregister(id)
		return nil, herrors.Subscription(reason)
	}

	return streaming.NewRpcSubscription[T](id, h.clients, h.transport, target), nil
}

// handleSubscriptionRequest runs on its own goroutine so a slow or
// streaming service handler never blocks the receive loop (spec.md
// §4.1 Dispatch, §4.5 server side).
func (h *Hub) handleSubscriptionRequest(e *envelope.Envelope) {
	var inner subscriptionRequest
	if err := envelope.UnmarshalValue(e.Payload, &inner); err != nil {
		h.logger.Warn("malformed SubscriptionRequest payload", "source", e.Source, "error", err)
		return
	}

	sink := streaming.NewPendingSink(inner.ID, inner.Service, inner.Method, e.Source, h.transport, h.logger,
		func(active *streaming.ActiveSink) { h.serverSinks.Store(inner.ID, active) })
	defer sink.Finalize()

	ctx := context.Background()
	if err := h.local.CallSubscription(ctx, inner.Service, inner.Method, inner.Params, sink); err != nil {
		h.logger.Debug("subscription handler returned error", "service", inner.Service, "method", inner.Method, "error", err)
	}
}

func (h *Hub) handleSubscriptionReject(e *envelope.Envelope) {
	var inner subscriptionReject
	if err := envelope.UnmarshalValue(e.Payload, &inner); err != nil {
		h.logger.Warn("malformed SubscriptionReject payload", "source", e.Source, "error", err)
		return
	}
	h.clients.Reject(inner.ID, inner.Reason)
}

// handleSubscriptionCancel closes the matching server-side active sink
// (spec.md §4.5 cancellation). The subscription id travels as the
// envelope's correlation id, same as SubscriptionAccept/Data.
func (h *Hub) handleSubscriptionCancel(e *envelope.Envelope) {
	if v, ok := h.serverSinks.LoadAndDelete(e.CorrelationID); ok {
		if sink, ok := v.(*streaming.ActiveSink); ok {
			sink.Close()
		}
	}
}
