// Package streaming implements the four-message streaming-subscription
// state machine (spec §4.5): a server-side pending sink that becomes
// an active sink on accept, and a client-side subscription that
// receives deserialized items until cancellation or a terminal
// server-side event.
package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/hsipc/internal/envelope"
	"github.com/nugget/hsipc/internal/herrors"
)

// Sender is the minimal transport capability streaming needs: sending
// one envelope to a specific endpoint. The hub's transport adapter
// satisfies this.
type Sender interface {
	Send(ctx context.Context, target string, e *envelope.Envelope) error
}

// --- Server side: pending and active sinks ---

// PendingSink represents a proposed, not-yet-accepted streaming
// subscription (spec GLOSSARY). Exactly one of Accept or Reject may
// resolve it; a handler that returns without calling either leaves it
// to the hub's implicit-reject cleanup (Finalize).
type PendingSink struct {
	ID      string
	Method  string
	Service string

	sender   Sender
	peer     string
	logger   *slog.Logger
	onAccept func(*ActiveSink)

	mu       sync.Mutex
	resolved bool
}

// NewPendingSink constructs a pending sink for a just-received
// SubscriptionRequest. peer is the client endpoint SubscriptionAccept/
// Reject/Data frames are addressed to. onAccept, if given, is invoked
// with the resulting ActiveSink right after Accept succeeds, letting
// the caller (the hub) track it for cancellation lookup by id.
func NewPendingSink(id, service, method, peer string, sender Sender, logger *slog.Logger, onAccept ...func(*ActiveSink)) *PendingSink {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PendingSink{ID: id, Method: method, Service: service, sender: sender, peer: peer, logger: logger}
	if len(onAccept) > 0 {
		p.onAccept = onAccept[0]
	}
	return p
}

// Accept resolves the sink as accepted: it sends SubscriptionAccept to
// the client and returns an ActiveSink that streams SubscriptionData
// frames until closed. Accept may be called at most once.
func (p *PendingSink) Accept(ctx context.Context) (*ActiveSink, error) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return nil, herrors.Subscription(fmt.Sprintf("subscription %s: accept called after sink already resolved", p.ID))
	}
	p.resolved = true
	p.mu.Unlock()

	e := envelope.New(envelope.KindSubscriptionAccept, "")
	e.Target = p.peer
	e.Topic = "subscription.accept"
	e.CorrelationID = p.ID
	if err := p.sender.Send(ctx, p.peer, e); err != nil {
		return nil, herrors.Wrap(herrors.CategoryTransport, "send SubscriptionAccept", err)
	}

	sink := &ActiveSink{
		id:       p.ID,
		peer:     p.peer,
		sender:   p.sender,
		logger:   p.logger,
		outbound: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go sink.forward()
	if p.onAccept != nil {
		p.onAccept(sink)
	}
	return sink, nil
}

// Reject resolves the sink as rejected: it sends SubscriptionReject
// with reason to the client. Reject may be called at most once, and
// not after Accept.
func (p *PendingSink) Reject(reason string) error {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return herrors.Subscription(fmt.Sprintf("subscription %s: reject called after sink already resolved", p.ID))
	}
	p.resolved = true
	p.mu.Unlock()

	e := envelope.New(envelope.KindSubscriptionReject, "")
	e.Target = p.peer
	e.Topic = "subscription.reject"
	e.CorrelationID = p.ID
	e.Payload, _ = envelope.MarshalValue(map[string]string{"id": p.ID, "reason": reason})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sender.Send(ctx, p.peer, e); err != nil {
		return herrors.Wrap(herrors.CategoryTransport, "send SubscriptionReject", err)
	}
	return nil
}

// Finalize is called by the hub after the service's HandleSubscription
// handler returns. If the handler neither accepted nor rejected, this
// acts as an implicit reject with a "sink dropped" reason (spec §4.5).
func (p *PendingSink) Finalize() {
	p.mu.Lock()
	resolved := p.resolved
	p.mu.Unlock()
	if resolved {
		return
	}
	if err := p.Reject("sink dropped"); err != nil {
		p.logger.Warn("implicit reject of dropped subscription sink failed", "subscription_id", p.ID, "error", err)
	}
}

// ActiveSink is the accepted counterpart of PendingSink: it emits
// SubscriptionData frames until the channel closes (spec GLOSSARY).
type ActiveSink struct {
	id     string
	peer   string
	sender Sender
	logger *slog.Logger

	outbound chan []byte
	done     chan struct{}
	closeOne sync.Once
}

// Send serializes value and enqueues it for the forwarder goroutine,
// which emits it as a SubscriptionData frame. It blocks if the
// outbound buffer is full and the sink is still open; returns an
// error once the sink is closed.
func (s *ActiveSink) Send(value any) error {
	data, err := envelope.MarshalValue(value)
	if err != nil {
		return herrors.Wrap(herrors.CategorySerialization, "marshal subscription item", err)
	}
	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return herrors.Subscription(fmt.Sprintf("subscription %s: sink closed", s.id))
	}
}

// IsClosed reports whether the sink's channel has been closed,
// letting producers stop pushing more items early.
func (s *ActiveSink) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close stops the forwarder once it has emitted the frames Send had
// already queued; later Sends fail. Idempotent.
func (s *ActiveSink) Close() {
	s.closeOne.Do(func() { close(s.done) })
}

// forward drains outbound and emits SubscriptionData envelopes,
// retrying transport sends with exponential backoff up to 3 attempts
// (spec §4.5 send_with_retry). A frame dropped after exhausting
// retries is logged, never silently discarded (spec §4.4's no-silent-
// drop rule applies equally here).
func (s *ActiveSink) forward() {
	for {
		select {
		case <-s.done:
			for {
				select {
				case data := <-s.outbound:
					s.emit(data)
				default:
					return
				}
			}
		case data, ok := <-s.outbound:
			if !ok {
				return
			}
			s.emit(data)
		}
	}
}

func (s *ActiveSink) emit(data []byte) {
	e := envelope.New(envelope.KindSubscriptionData, "")
	e.Target = s.peer
	e.Topic = "subscription.data"
	e.CorrelationID = s.id
	e.Payload = data

	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.sender.Send(ctx, s.peer, e)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		var herr *herrors.Error
		if herrors.As(err, &herr) && !herr.IsRetryable() {
			break
		}
		time.Sleep(herrors.DelayForAttempt(attempt))
	}
	s.logger.Warn("dropping subscription data frame after retries exhausted",
		"subscription_id", s.id, "error", lastErr)
}

// --- Client side ---

type ackResult struct {
	accepted bool
	reason   string
}

// clientEntry is the table row shared by the hub's dispatch and the
// RpcSubscription[T] that owns it.
type clientEntry struct {
	id     string
	dataCh chan []byte
	ackCh  chan ackResult
	dead   atomic.Bool
	closeOnce sync.Once
}

func (e *clientEntry) close() {
	e.closeOnce.Do(func() { close(e.dataCh) })
}

// ClientTable is the hub's active-subscriptions table for client-side
// streaming subscriptions, keyed by subscription id.
type ClientTable struct {
	mu      sync.RWMutex
	entries map[string]*clientEntry
}

// NewClientTable creates an empty client-side subscription table.
func NewClientTable() *ClientTable {
	return &ClientTable{entries: make(map[string]*clientEntry)}
}

// Register pre-creates the table row for id before the
// SubscriptionRequest is sent. Registering before send (rather than
// after) makes the row exist-by-construction before any reply can
// possibly arrive, eliminating the accept/data-arrives-before-
// registration race spec §4.5/§9 flags as an open implementation
// choice. See DESIGN.md for why this repo picked register-then-send
// over the spec's alternate send-then-register default.
func (t *ClientTable) Register(id string) {
	e := &clientEntry{id: id, dataCh: make(chan []byte, 32), ackCh: make(chan ackResult, 1)}
	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()
}

// Unregister removes id, closing its data channel so a blocked Next()
// returns immediately.
func (t *ClientTable) Unregister(id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()
	if ok {
		e.close()
	}
}

// Accept records a SubscriptionAccept for id.
func (t *ClientTable) Accept(id string) bool {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case e.ackCh <- ackResult{accepted: true}:
	default:
	}
	return true
}

// Reject records a SubscriptionReject for id and closes its data
// channel (no data may follow a reject, spec §8 invariant 3).
func (t *ClientTable) Reject(id, reason string) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	delete(t.entries, id)
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case e.ackCh <- ackResult{accepted: false, reason: reason}:
	default:
	}
	e.close()
	return true
}

// Deliver pushes a SubscriptionData payload to id's data channel. It
// never blocks indefinitely: if the consumer is not keeping up the
// frame is dropped and logged rather than stalling the receive loop
// (spec §4.4's bounded-buffering rule applied to streaming frames).
func (t *ClientTable) Deliver(id string, payload []byte, logger *slog.Logger) bool {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case e.dataCh <- payload:
		return true
	default:
		if logger != nil {
			logger.Warn("dropping subscription data frame: client not keeping up", "subscription_id", id)
		}
		return false
	}
}

// WaitAccept blocks until id's entry receives an Accept or Reject ack
// or ctx is done. It returns an error at once if id has no entry when
// called; an entry removed by Unregister during the wait is not
// noticed, and the wait then lasts until ctx is done. Used by Hub.CreateSubscription to surface a rejection as a
// creation-time error (spec §8 scenario e).
func (t *ClientTable) WaitAccept(ctx context.Context, id string) (accepted bool, reason string, err error) {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return false, "", herrors.Subscription("subscription entry not found while awaiting ack")
	}
	select {
	case <-ctx.Done():
		return false, "", ctx.Err()
	case ack := <-e.ackCh:
		// Put the ack back so a concurrent second waiter (there should
		// be none in practice) would also observe it.
		select {
		case e.ackCh <- ack:
		default:
		}
		return ack.accepted, ack.reason, nil
	}
}

// MarkDead flags id's entry as abandoned so the next HealthSweep prunes
// it. Called by RpcSubscription.Cancel.
func (t *ClientTable) MarkDead(id string) {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if ok {
		e.dead.Store(true)
	}
}

// Stats summarizes active-subscription table health, per spec §4.5
// get_subscription_stats.
type Stats struct {
	Active  int
	Dead    int
	Healthy int
}

// HealthSweep classifies every entry as dead (flagged by MarkDead) or
// healthy, and prunes the dead ones in the same sweep, closing their
// data channels. Each dead entry is therefore counted by exactly one
// sweep; Active always equals Dead+Healthy for the entries present
// when the sweep began.
func (t *ClientTable) HealthSweep() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := Stats{Active: len(t.entries)}
	for id, e := range t.entries {
		if e.dead.Load() {
			stats.Dead++
			delete(t.entries, id)
			e.close()
		} else {
			stats.Healthy++
		}
	}
	return stats
}

// RpcSubscription is the client-side handle to a streaming
// subscription, returned by Hub.CreateSubscription. It yields
// deserialized items of type T until its local entry is closed: by
// Cancel, by a SubscriptionReject, or by a health-sweep prune. The
// server closing its ActiveSink sends nothing to the client, so it
// does not end the stream on this side.
type RpcSubscription[T any] struct {
	id      string
	table   *ClientTable
	sender  Sender
	server  string
	closed  atomic.Bool
	entry   *clientEntry
}

// NewRpcSubscription wraps a pre-registered table entry as a typed
// client subscription. Called by the hub once SubscriptionAccept has
// arrived; an ack wait that times out makes CreateSubscription return
// an error instead.
func NewRpcSubscription[T any](id string, table *ClientTable, sender Sender, server string) *RpcSubscription[T] {
	table.mu.RLock()
	e := table.entries[id]
	table.mu.RUnlock()
	return &RpcSubscription[T]{id: id, table: table, sender: sender, server: server, entry: e}
}

// ID returns the subscription's correlation id.
func (s *RpcSubscription[T]) ID() string { return s.id }

// Next blocks for the next item, returning ok=false once the local
// entry is closed (local cancel, reject, or health-sweep prune). A
// deserialization error is reported without terminating the stream
// (spec §4.5): the caller may call Next again.
func (s *RpcSubscription[T]) Next(ctx context.Context) (item T, err error, ok bool) {
	if s.entry == nil {
		return item, herrors.Subscription("subscription not registered"), false
	}
	select {
	case <-ctx.Done():
		return item, ctx.Err(), true
	case data, open := <-s.entry.dataCh:
		if !open {
			return item, nil, false
		}
		if uerr := envelope.UnmarshalValue(data, &item); uerr != nil {
			return item, herrors.Wrap(herrors.CategorySerialization, "decode subscription item", uerr), true
		}
		return item, nil, true
	}
}

// Cancel sends SubscriptionCancel to the server and tears down the
// local entry. Idempotent.
func (s *RpcSubscription[T]) Cancel(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.table.MarkDead(s.id)
	s.table.Unregister(s.id)

	e := envelope.New(envelope.KindSubscriptionCancel, "")
	e.Target = s.server
	e.Topic = "subscription.cancel"
	e.CorrelationID = s.id
	if err := s.sender.Send(ctx, s.server, e); err != nil {
		return herrors.Wrap(herrors.CategoryTransport, "send SubscriptionCancel", err)
	}
	return nil
}
