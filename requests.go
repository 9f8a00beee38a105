package hsipc

import (
	"context"
	"time"

	"github.com/nugget/hsipc/internal/envelope"
	"github.com/nugget/hsipc/internal/herrors"
	"github.com/nugget/hsipc/internal/registry"
)

// handleRequest runs on its own goroutine (spawned by dispatch) so a
// slow handler never blocks the receive loop. It resolves "{service}.
// {method}" against the local registry and replies with Response or
// Error, correlated back to the caller (spec.md §4.1 Dispatch,
// §4.2).
func (h *Hub) handleRequest(e *envelope.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CallTimeout)
	defer cancel()

	payload, err := h.local.Call(ctx, e.Topic, e.Payload)

	var reply *envelope.Envelope
	if err != nil {
		reply = envelope.New(envelope.KindError, h.endpoint)
		reply.Payload = []byte(err.Error())
	} else {
		reply = envelope.New(envelope.KindResponse, h.endpoint)
		reply.Payload = payload
	}
	reply.Target = e.Source
	reply.Topic = e.Topic
	reply.CorrelationID = e.ID

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sendCancel()
	if sendErr := h.transport.Send(sendCtx, e.Source, reply); sendErr != nil {
		h.logger.Warn("failed to send request reply", "target", e.Source, "error", sendErr)
	}
}

// Call performs a typed RPC: it marshals params, resolves and invokes
// the fully-qualified method, and unmarshals the response into TResp
// (spec.md §6.2 Hub::call). Go methods cannot carry their own type
// parameters, so Call is a package-level generic function taking the
// Hub explicitly.
func Call[TResp any](ctx context.Context, h *Hub, method string, params any) (TResp, error) {
	var zero TResp
	payload, err := envelope.MarshalValue(params)
	if err != nil {
		return zero, herrors.Wrap(herrors.CategorySerialization, "marshal call params", err)
	}
	respPayload, err := h.CallRaw(ctx, method, payload)
	if err != nil {
		return zero, err
	}
	var resp TResp
	if len(respPayload) == 0 {
		return resp, nil
	}
	if err := envelope.UnmarshalValue(respPayload, &resp); err != nil {
		return zero, herrors.Wrap(herrors.CategorySerialization, "decode call response", err)
	}
	return resp, nil
}

// CallRaw performs the byte-level RPC round trip described in spec.md
// §4.3: local-first dispatch, remote resolution with bounded retry,
// correlated send, and a per-call timeout.
func (h *Hub) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if h.local.Has(method) {
		return h.local.Call(ctx, method, payload)
	}

	target, err := h.resolveEndpoint(ctx, method)
	if err != nil {
		return nil, err
	}

	id := envelope.NewID()
	waiter := h.pending.Register(id)
	defer h.pending.Remove(id)

	req := envelope.New(envelope.KindRequest, h.endpoint)
	req.ID = id
	req.Topic = method
	req.Target = target
	req.CorrelationID = id
	req.Payload = payload

	if err := h.transport.Send(ctx, target, req); err != nil {
		h.remote.Forget(target)
		return nil, herrors.Wrap(herrors.CategoryTransport, "send request", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()

	select {
	case res := <-waiter:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Payload, nil
	case <-callCtx.Done():
		return nil, herrors.Timeout("rpc call "+method, h.cfg.CallTimeout)
	}
}

// resolveEndpoint implements spec.md §4.3's client-side discovery
// policy: consult the cache, and if absent, broadcast ServiceQuery and
// retry with exponential backoff up to DiscoveryRetry attempts.
func (h *Hub) resolveEndpoint(ctx context.Context, fq string) (string, error) {
	if ep, ok := h.remote.Lookup(fq); ok {
		return ep, nil
	}

	service, _, splitErr := registry.Split(fq)
	if splitErr != nil {
		return "", splitErr
	}

	for attempt := 0; attempt < h.cfg.DiscoveryRetry; attempt++ {
		query := envelope.New(envelope.KindServiceQuery, h.endpoint)
		query.Topic = "service.query"
		query.CorrelationID = envelope.NewID()
		filterPayload, _ := envelope.MarshalValue(serviceQueryFilter{Service: service})
		query.Payload = filterPayload

		if err := h.transport.Send(ctx, "", query); err != nil {
			return "", herrors.Wrap(herrors.CategoryTransport, "send service query", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(h.cfg.DiscoveryGrace):
		}

		if ep, ok := h.remote.Lookup(fq); ok {
			return ep, nil
		}
		time.Sleep(herrors.DelayForAttempt(attempt))
	}

	return "", herrors.ServiceDiscovery(fq, h.remote.KnownEndpoints())
}
