// Package mqttbus is a real, cross-process Transport backed by an
// MQTT broker reachable from every participating process on the host
// (spec §9's "real local IPC bus" side of the mock/real toggle).
//
// It is adapted from the teacher's Home Assistant discovery publisher
// (internal/mqtt/publisher.go): the same [autopaho] connection-manager
// wiring (automatic reconnect, OnConnectionUp resubscribe) now
// carries hub envelopes instead of HA discovery
// payloads. Bus topics are kept separate from application pub/sub
// topics: every envelope — whether it is a Request, an Event, or a
// streaming frame — travels as an opaque length-prefixed blob under a
// control topic computed from the bus name and target endpoint; the
// hub's own topic matcher (internal/topic), not the broker, resolves
// application-level wildcard subscriptions against the Event's Topic
// field once the envelope is unwrapped.
package mqttbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hsipc/internal/envelope"
	"github.com/nugget/hsipc/internal/transport"
)

// Config configures a broker connection. BrokerURL follows paho's
// scheme conventions: "mqtt://host:1883", "mqtts://host:8883", etc.
type Config struct {
	BrokerURL string
	Username  string
	Password  string
	Logger    *slog.Logger
}

const broadcastSuffix = "_broadcast_"

// Bus is a Transport implementation backed by one MQTT broker
// connection, shared by every Send/Recv call on this endpoint.
type Bus struct {
	cfg      Config
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
	busName  string
	endpoint string
	incoming chan *envelope.Envelope
	closed   chan struct{}
}

// New creates an mqttbus Transport. Join performs the actual
// connection.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{cfg: cfg, logger: logger, incoming: make(chan *envelope.Envelope, 256), closed: make(chan struct{})}
}

func (b *Bus) envTopic(endpoint string) string {
	return fmt.Sprintf("hsipc/%s/env/%s", b.busName, endpoint)
}

// Join connects to the configured broker, subscribes to this
// endpoint's targeted topic and the bus-wide broadcast topic, and
// waits for the initial connection (spec §4.1 construction step 1:
// "failing with a transport error if join fails").
func (b *Bus) Join(ctx context.Context, bus, endpoint string) error {
	b.busName = bus
	b.endpoint = endpoint

	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("hsipc mqttbus: parse broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("hsipc mqttbus connected", "broker", b.cfg.BrokerURL, "endpoint", endpoint)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: b.envTopic(endpoint), QoS: 1},
					{Topic: b.envTopic(broadcastSuffix), QoS: 1},
				},
			}); err != nil {
				b.logger.Error("hsipc mqttbus subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("hsipc mqttbus connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: fmt.Sprintf("hsipc-%s-%s", bus, endpoint),
			OnPublishReceived: []func(autopaho.PublishReceived) (bool, error){
				func(pr autopaho.PublishReceived) (bool, error) {
					e, err := envelope.DecodeBytes(pr.Packet.Payload)
					if err != nil {
						b.logger.Warn("hsipc mqttbus: dropping malformed envelope", "error", err)
						return true, nil
					}
					select {
					case b.incoming <- e:
					default:
						b.logger.Warn("hsipc mqttbus: inbox full, dropping envelope", "envelope_id", e.ID)
					}
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("hsipc mqttbus: connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		return fmt.Errorf("hsipc mqttbus: initial connection: %w", err)
	}
	return nil
}

// Send publishes e to target's control topic, or to the bus-wide
// broadcast topic when target is "". QoS1 matches the teacher's
// availability/state publishes; Retain is only set when the envelope
// itself asks for it (spec SPEC_FULL §3: the 'retain' field is
// advisory everywhere except this transport, which maps it onto the
// broker's retained-message flag — used by ServiceRegister announces
// so a late joiner's discovery query still gets an answer).
func (b *Bus) Send(ctx context.Context, target string, e *envelope.Envelope) error {
	select {
	case <-b.closed:
		return transport.ErrClosed
	default:
	}
	if b.cm == nil {
		return fmt.Errorf("hsipc mqttbus: not joined")
	}
	data, err := envelope.EncodeBytes(e)
	if err != nil {
		return fmt.Errorf("hsipc mqttbus: encode envelope: %w", err)
	}
	topicTarget := target
	if topicTarget == "" {
		topicTarget = broadcastSuffix
	}
	_, err = b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.envTopic(topicTarget),
		Payload: data,
		QoS:     1,
		Retain:  e.Retain,
	})
	if err != nil {
		return fmt.Errorf("hsipc mqttbus: publish: %w", err)
	}
	return nil
}

// Recv returns the next envelope addressed to this endpoint, blocking
// for at most 100ms before returning transport.ErrRecvTimeout (spec
// §4.1 receive loop contract).
func (b *Bus) Recv(ctx context.Context) (*envelope.Envelope, error) {
	select {
	case <-b.closed:
		return nil, transport.ErrClosed
	default:
	}
	select {
	case e := <-b.incoming:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, transport.ErrClosed
	case <-time.After(100 * time.Millisecond):
		return nil, transport.ErrRecvTimeout
	}
}

// Close disconnects from the broker and unblocks any pending Recv.
func (b *Bus) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
		close(b.closed)
	}
	if b.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.cm.Disconnect(ctx)
}
