package hsipc

import (
	"context"
	"time"

	"github.com/nugget/hsipc/internal/envelope"
	"github.com/nugget/hsipc/internal/registry"
)

// RegisterService adds svc to the Hub's local registry and broadcasts
// a ServiceRegister announcement so other hubs on the bus can discover
// it (spec.md §4.2).
func (h *Hub) RegisterService(svc registry.Service) error {
	descriptor := h.local.Register(svc)

	e := envelope.New(envelope.KindServiceRegister, h.endpoint)
	e.Topic = "service.register"
	e.Retain = true
	payload, err := envelope.MarshalValue(descriptor)
	if err != nil {
		return err
	}
	e.Payload = payload

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.transport.Send(ctx, "", e)
}

func (h *Hub) handleServiceRegister(e *envelope.Envelope) {
	var d registry.Descriptor
	if err := envelope.UnmarshalValue(e.Payload, &d); err != nil {
		h.logger.Warn("malformed ServiceRegister payload", "source", e.Source, "error", err)
		return
	}
	h.remote.Update(d)
	h.logger.Debug("learned service via ServiceRegister", "service", d.Name, "endpoint", d.Endpoint, "methods", d.Methods)
}

// serviceQueryFilter is the optional service-name filter carried on a
// ServiceQuery envelope's payload (spec.md §6.1).
type serviceQueryFilter struct {
	Service string `json:"service,omitempty"`
}

func (h *Hub) handleServiceQuery(e *envelope.Envelope) {
	var filter serviceQueryFilter
	if len(e.Payload) > 0 {
		_ = envelope.UnmarshalValue(e.Payload, &filter)
	}

	descriptors := h.local.Descriptors()
	if filter.Service != "" {
		filtered := descriptors[:0]
		for _, d := range descriptors {
			if d.Name == filter.Service {
				filtered = append(filtered, d)
			}
		}
		descriptors = filtered
	}
	if len(descriptors) == 0 {
		return
	}

	reply := envelope.New(envelope.KindServiceDirectory, h.endpoint)
	reply.Topic = "service.directory"
	reply.Target = e.Source
	reply.CorrelationID = e.CorrelationID
	payload, err := envelope.MarshalValue(descriptors)
	if err != nil {
		h.logger.Warn("failed to marshal ServiceDirectory reply", "error", err)
		return
	}
	reply.Payload = payload

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.transport.Send(ctx, e.Source, reply); err != nil {
		h.logger.Warn("failed to send ServiceDirectory reply", "target", e.Source, "error", err)
	}
}

func (h *Hub) handleServiceDirectory(e *envelope.Envelope) {
	var descriptors []registry.Descriptor
	if err := envelope.UnmarshalValue(e.Payload, &descriptors); err != nil {
		h.logger.Warn("malformed ServiceDirectory payload", "source", e.Source, "error", err)
		return
	}
	for _, d := range descriptors {
		h.remote.Update(d)
	}
}
