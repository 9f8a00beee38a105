package hsipc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/hsipc/internal/envelope"
	"github.com/nugget/hsipc/internal/hconfig"
	"github.com/nugget/hsipc/internal/herrors"
	"github.com/nugget/hsipc/internal/pending"
	"github.com/nugget/hsipc/internal/pubsub"
	"github.com/nugget/hsipc/internal/registry"
	"github.com/nugget/hsipc/internal/streaming"
	"github.com/nugget/hsipc/internal/transport"
)

// Hub is a per-process runtime object that owns every registry, table,
// and the receive loop described in the package documentation. Callers
// construct one with Builder.
type Hub struct {
	endpoint string
	bus      string
	cfg      *hconfig.Config
	logger   *slog.Logger

	transport transport.Transport

	local   *registry.Local
	remote  *registry.Remote
	pending *pending.Table
	events  *pubsub.Registry
	clients *streaming.ClientTable

	serverSinks   sync.Map // subscription id -> *streaming.ActiveSink
	pendingHealth *time.Ticker

	ready    atomic.Bool
	shutdown atomic.Bool
	loopDone chan struct{}
}

// Builder constructs a Hub incrementally, following spec.md §6.2's
// Hub::builder(label).with_bus(name).with_fast_mode(bool).build()
// chain.
type Builder struct {
	endpoint string
	bus      string
	fastMode bool
	cfg      *hconfig.Config
	logger   *slog.Logger
	tr       transport.Transport
}

// NewBuilder starts building a Hub identified by endpoint label.
func NewBuilder(label string) *Builder {
	return &Builder{endpoint: label, cfg: hconfig.Default()}
}

// WithBus sets the named bus the Hub joins. Every Hub that should see
// each other must share the same bus name.
func (b *Builder) WithBus(name string) *Builder {
	b.bus = name
	return b
}

// WithFastMode skips the startup discovery grace period and is
// intended for test isolation (spec.md §4.1 construction step 4).
func (b *Builder) WithFastMode(fast bool) *Builder {
	b.fastMode = fast
	return b
}

// WithConfig overrides the full configuration (timeouts, retries,
// health-check interval). A bus name set via WithBus takes precedence
// over cfg.Bus. Fast mode is on when either cfg.FastMode or
// WithFastMode enables it, so WithFastMode(false) does not turn off a
// config's fast mode (hconfig.Default, the builder's starting config,
// has FastMode set).
func (b *Builder) WithConfig(cfg *hconfig.Config) *Builder {
	b.cfg = cfg
	return b
}

// WithLogger overrides the Hub's logger. Defaults to slog.Default().
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithTransport sets the underlying Transport. There is no default:
// Build fails with a configuration error when no transport was set.
// A mockbus suits tests and single-process demos; an mqttbus instance
// connects processes through a broker.
func (b *Builder) WithTransport(tr transport.Transport) *Builder {
	b.tr = tr
	return b
}

// Build joins the transport, starts the receive loop, and — unless
// fast mode is set — performs one round of startup service discovery
// (spec.md §4.1 construction steps 1-4).
func (b *Builder) Build(ctx context.Context) (*Hub, error) {
	if b.endpoint == "" {
		return nil, herrors.New(herrors.CategoryConfiguration, "hub endpoint label must not be empty")
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := b.cfg
	if cfg == nil {
		cfg = hconfig.Default()
	}
	if b.bus != "" {
		cfg.Bus = b.bus
	}
	cfg.FastMode = cfg.FastMode || b.fastMode

	tr := b.tr
	if tr == nil {
		return nil, herrors.New(herrors.CategoryConfiguration, "no transport configured: call WithTransport before Build")
	}

	if err := tr.Join(ctx, cfg.Bus, b.endpoint); err != nil {
		return nil, herrors.Wrap(herrors.CategoryTransport, "join transport", err)
	}

	h := &Hub{
		endpoint:  b.endpoint,
		bus:       cfg.Bus,
		cfg:       cfg,
		logger:    logger,
		transport: tr,
		local:     registry.NewLocal(b.endpoint),
		remote:    registry.NewRemote(),
		pending:   pending.New(),
		events:    pubsub.New(logger),
		clients:   streaming.NewClientTable(),
		loopDone:  make(chan struct{}),
	}

	go h.receiveLoop()
	h.ready.Store(true)

	h.pendingHealth = time.NewTicker(cfg.HealthInterval)
	go h.healthSweepLoop()

	if !cfg.FastMode {
		h.bootstrapDiscovery(ctx)
	}

	return h, nil
}

// Ready reports whether the receive loop has started and the Hub is
// prepared to accept messages.
func (h *Hub) Ready() bool { return h.ready.Load() }

// bootstrapDiscovery broadcasts one ServiceQuery and waits the
// configured grace period for directory responses to populate the
// remote-service cache (spec.md §4.1 construction step 4).
func (h *Hub) bootstrapDiscovery(ctx context.Context) {
	e := envelope.New(envelope.KindServiceQuery, h.endpoint)
	e.Topic = "service.query"
	e.CorrelationID = envelope.NewID()
	if err := h.transport.Send(ctx, "", e); err != nil {
		h.logger.Warn("startup service discovery broadcast failed", "error", err)
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(h.cfg.DiscoveryGrace):
	}
}

// receiveLoop runs on a dedicated goroutine until the shutdown flag is
// set, polling the transport with a short timeout so the shutdown flag
// is re-checked promptly (spec.md §4.1 receive loop contract).
func (h *Hub) receiveLoop() {
	defer close(h.loopDone)
	ctx := context.Background()
	attempt := 0
	for !h.shutdown.Load() {
		e, err := h.transport.Recv(ctx)
		if err != nil {
			if err == transport.ErrRecvTimeout {
				attempt = 0
				continue
			}
			if err == transport.ErrClosed {
				return
			}
			attempt++
			h.logger.Warn("transport receive error", "error", err, "attempt", attempt)
			time.Sleep(herrors.DelayForAttempt(attempt - 1))
			continue
		}
		attempt = 0
		h.logger.Log(ctx, hconfig.LevelTrace, "received envelope", "kind", e.Kind, "source", e.Source, "id", e.ID)
		h.dispatch(e)
	}
}

// dispatch routes e to the subsystem its Kind names (spec.md §4.1
// Dispatch). Nothing here blocks on external I/O directly except the
// fire-and-forget sends performed inline for Request handling, which
// is itself offloaded to a goroutine so a slow handler cannot stall
// the receive loop.
func (h *Hub) dispatch(e *envelope.Envelope) {
	switch e.Kind {
	case envelope.KindRequest:
		go h.handleRequest(e)
	case envelope.KindResponse, envelope.KindError:
		h.handleReply(e)
	case envelope.KindEvent:
		h.events.Dispatch(e.Topic, e.Payload)
	case envelope.KindServiceRegister:
		h.handleServiceRegister(e)
	case envelope.KindServiceQuery:
		go h.handleServiceQuery(e)
	case envelope.KindServiceDirectory:
		h.handleServiceDirectory(e)
	case envelope.KindSubscriptionRequest:
		go h.handleSubscriptionRequest(e)
	case envelope.KindSubscriptionAccept:
		h.clients.Accept(e.CorrelationID)
	case envelope.KindSubscriptionReject:
		h.handleSubscriptionReject(e)
	case envelope.KindSubscriptionData:
		h.clients.Deliver(e.CorrelationID, e.Payload, h.logger)
	case envelope.KindSubscriptionCancel:
		h.handleSubscriptionCancel(e)
	case envelope.KindShutdown:
		if e.Target == h.endpoint {
			h.shutdown.Store(true)
		}
	default:
		h.logger.Warn("received envelope of unknown kind", "kind", e.Kind)
	}
}

func (h *Hub) handleReply(e *envelope.Envelope) {
	res := pending.Result{Payload: e.Payload}
	if e.Kind == envelope.KindError {
		res.Err = herrors.New(herrors.CategoryProtocol, string(e.Payload))
	}
	if !h.pending.Complete(e.CorrelationID, res) {
		h.logger.Debug("discarding reply for unknown or already-completed correlation id",
			"correlation_id", e.CorrelationID, "kind", e.Kind)
	}
}

func (h *Hub) healthSweepLoop() {
	for range h.pendingHealth.C {
		if h.shutdown.Load() {
			return
		}
		stats := h.clients.HealthSweep()
		h.logger.Debug("subscription health sweep", "active", stats.Active, "dead", stats.Dead, "healthy", stats.Healthy)
	}
}

// GetSubscriptionStats reports the client-side active-subscriptions
// table's current health (spec.md §4.5, §6.2).
func (h *Hub) GetSubscriptionStats() streaming.Stats {
	return h.clients.HealthSweep()
}

// Shutdown cooperatively stops the receive loop: it sets the shutdown
// flag, closes the transport (the loop then exits on ErrClosed or at
// its next poll timeout), and waits up to gracePeriod for the loop to
// finish (spec.md §4.1
// Shutdown). Passing a zero gracePeriod uses a 2s default.
func (h *Hub) Shutdown(gracePeriod time.Duration) error {
	if gracePeriod == 0 {
		gracePeriod = 2 * time.Second
	}
	h.shutdown.Store(true)
	if h.pendingHealth != nil {
		h.pendingHealth.Stop()
	}
	closeErr := h.transport.Close()

	select {
	case <-h.loopDone:
	case <-time.After(gracePeriod):
		h.logger.Warn("receive loop did not exit within shutdown grace period")
	}

	if closeErr != nil {
		return herrors.Wrap(herrors.CategoryTransport, "close transport during shutdown", closeErr)
	}
	return nil
}

