// Package mockbus is an in-process Transport backed by Go channels,
// used for fast-mode construction and for tests that need multiple
// isolated Hubs without a real broker (spec §9's open question: "the
// source toggles between a mock in-process broadcast bus ... and a
// real local IPC bus"; this repo resolves that as two Transport
// implementations behind the same interface, selected by the caller).
//
// It is modeled on the teacher's non-blocking broadcast event bus
// (internal/events.Bus): each endpoint gets a buffered inbox, a full
// inbox drops (and logs) the incoming envelope rather than blocking
// the sender, and the bus is keyed by name so independent tests never
// cross-talk.
package mockbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/hsipc/internal/envelope"
	"github.com/nugget/hsipc/internal/transport"
)

const inboxSize = 256

// sharedBus is one named in-process bus: a registry of endpoint ->
// inbox channel, shared by every Bus that joined it.
type sharedBus struct {
	mu     sync.RWMutex
	inboxes map[string]chan *envelope.Envelope
}

var (
	registryMu sync.Mutex
	registry   = map[string]*sharedBus{}
)

func getOrCreateSharedBus(name string) *sharedBus {
	registryMu.Lock()
	defer registryMu.Unlock()
	b, ok := registry[name]
	if !ok {
		b = &sharedBus{inboxes: make(map[string]chan *envelope.Envelope)}
		registry[name] = b
	}
	return b
}

// Bus is a Transport implementation joined to one named in-process
// bus under one endpoint label.
type Bus struct {
	logger   *slog.Logger
	shared   *sharedBus
	endpoint string
	inbox    chan *envelope.Envelope

	mu     sync.Mutex
	closed bool
}

// New creates a mock bus transport. Join must still be called before
// Send/Recv.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

func (b *Bus) Join(_ context.Context, bus, endpoint string) error {
	b.shared = getOrCreateSharedBus(bus)
	b.endpoint = endpoint
	b.inbox = make(chan *envelope.Envelope, inboxSize)

	b.shared.mu.Lock()
	b.shared.inboxes[endpoint] = b.inbox
	b.shared.mu.Unlock()
	return nil
}

func (b *Bus) Send(_ context.Context, target string, e *envelope.Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	if target == "" {
		b.shared.mu.RLock()
		defer b.shared.mu.RUnlock()
		for ep, inbox := range b.shared.inboxes {
			_ = ep
			deliver(inbox, e, b.logger)
		}
		return nil
	}

	b.shared.mu.RLock()
	inbox, ok := b.shared.inboxes[target]
	b.shared.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mockbus: no such endpoint %q", target)
	}
	deliver(inbox, e, b.logger)
	return nil
}

func deliver(inbox chan *envelope.Envelope, e *envelope.Envelope, logger *slog.Logger) {
	select {
	case inbox <- e:
	default:
		logger.Warn("mockbus: inbox full, dropping envelope", "envelope_id", e.ID, "kind", e.Kind)
	}
}

func (b *Bus) Recv(ctx context.Context) (*envelope.Envelope, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	select {
	case e := <-b.inbox:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(100 * time.Millisecond):
		return nil, transport.ErrRecvTimeout
	}
}

// Close unregisters the endpoint and marks the transport closed. The
// inbox channel itself is never closed — a Send racing a concurrent
// Close would otherwise panic writing to a closed channel — so Recv
// instead checks the closed flag before blocking. A Recv already
// waiting when Close runs is not woken: it returns ErrRecvTimeout at
// the end of its 100ms poll window, and the next Recv returns
// ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.shared != nil {
		b.shared.mu.Lock()
		delete(b.shared.inboxes, b.endpoint)
		b.shared.mu.Unlock()
	}
	return nil
}
