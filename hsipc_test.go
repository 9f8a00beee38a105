package hsipc_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/hsipc"
	"github.com/nugget/hsipc/internal/envelope"
	"github.com/nugget/hsipc/internal/hconfig"
	"github.com/nugget/hsipc/internal/herrors"
	"github.com/nugget/hsipc/internal/registry"
	"github.com/nugget/hsipc/internal/streaming"
	"github.com/nugget/hsipc/internal/transport/mockbus"
)

// newTestHub builds a fast-mode Hub joined to bus over a shared mockbus,
// skipping the startup discovery grace period (spec.md §4.1 step 4).
func newTestHub(t *testing.T, bus, endpoint string) *hsipc.Hub {
	t.Helper()
	hub, err := hsipc.NewBuilder(endpoint).
		WithBus(bus).
		WithFastMode(true).
		WithTransport(mockbus.New(nil)).
		Build(context.Background())
	if err != nil {
		t.Fatalf("build hub %s: %v", endpoint, err)
	}
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })
	return hub
}

// newTestHubWithCallTimeout is the same as newTestHub but with a short,
// explicit call timeout for scenario (f).
func newTestHubWithCallTimeout(t *testing.T, bus, endpoint string, callTimeout time.Duration) *hsipc.Hub {
	t.Helper()
	cfg := hconfig.Default()
	cfg.CallTimeout = callTimeout
	hub, err := hsipc.NewBuilder(endpoint).
		WithBus(bus).
		WithFastMode(true).
		WithConfig(cfg).
		WithTransport(mockbus.New(nil)).
		Build(context.Background())
	if err != nil {
		t.Fatalf("build hub %s: %v", endpoint, err)
	}
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })
	return hub
}

// waitForDiscovery gives a resolveEndpoint-driven call enough wall clock
// to complete one ServiceQuery/ServiceDirectory round trip without
// depending on exact config timings.
func waitForDiscovery() { time.Sleep(50 * time.Millisecond) }

// --- scenario (a): basic RPC, including concurrent calls ---

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

type calculatorService struct {
	registry.RejectsSubscriptions
}

func (calculatorService) Name() string      { return "calculator" }
func (calculatorService) Methods() []string { return []string{"add"} }

func (calculatorService) Handle(_ context.Context, method string, payload []byte) ([]byte, error) {
	if method != "add" {
		return nil, herrors.MethodNotFound("calculator", method)
	}
	var p addParams
	if err := envelope.UnmarshalValue(payload, &p); err != nil {
		return nil, herrors.Wrap(herrors.CategorySerialization, "decode add params", err)
	}
	return envelope.MarshalValue(addParams{A: p.A + p.B})
}

func TestRPC_BasicAndConcurrentCalls(t *testing.T) {
	bus := "rpc-basic"
	server := newTestHub(t, bus, "calc-server")
	client := newTestHub(t, bus, "calc-client")

	if err := server.RegisterService(calculatorService{}); err != nil {
		t.Fatalf("register calculator: %v", err)
	}
	waitForDiscovery()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := hsipc.Call[addParams](ctx, client, "calculator.add", addParams{A: 2, B: 3})
	if err != nil {
		t.Fatalf("calculator.add: %v", err)
	}
	if resp.A != 5 {
		t.Fatalf("calculator.add: want 5, got %d", resp.A)
	}

	// Concurrent calls must not cross-deliver replies (spec.md §4.2:
	// handlers permit concurrent invocation of the same method).
	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	sums := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := hsipc.Call[addParams](ctx, client, "calculator.add", addParams{A: i, B: i})
			errs[i] = err
			if err == nil {
				sums[i] = r.A
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("concurrent call %d failed: %v", i, errs[i])
		}
		if sums[i] != 2*i {
			t.Fatalf("concurrent call %d: want %d, got %d", i, 2*i, sums[i])
		}
	}
}

// --- scenario (b): unknown method surfaces a service_discovery error ---

func TestRPC_UnknownMethodIsServiceDiscoveryError(t *testing.T) {
	bus := "rpc-unknown"
	client := newTestHub(t, bus, "lonely-client")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := hsipc.Call[string](ctx, client, "nosuchservice.nosuchmethod", nil)
	if err == nil {
		t.Fatal("expected an error calling an unregistered method")
	}
	var herr *herrors.Error
	if !herrors.As(err, &herr) {
		t.Fatalf("expected a *herrors.Error, got %T: %v", err, err)
	}
	if herr.Category != herrors.CategoryServiceDiscovery {
		t.Fatalf("expected category %q, got %q (%v)", herrors.CategoryServiceDiscovery, herr.Category, err)
	}
}

// --- scenario (c): event fan-out across wildcard patterns ---

func TestEvents_WildcardFanOut(t *testing.T) {
	bus := "events-fanout"
	pub := newTestHub(t, bus, "sensor-pub")
	sub := newTestHub(t, bus, "sensor-sub")
	waitForDiscovery()

	var mu sync.Mutex
	var plus, hash, actuatorHash []string

	recorder := func(dst *[]string) func(string, []byte) {
		return func(topicName string, _ []byte) {
			mu.Lock()
			*dst = append(*dst, topicName)
			mu.Unlock()
		}
	}

	subPlus, err := sub.Subscribe("sensor/+", recorder(&plus))
	if err != nil {
		t.Fatalf("subscribe sensor/+: %v", err)
	}
	defer subPlus.Unsubscribe()

	subHash, err := sub.Subscribe("sensor/#", recorder(&hash))
	if err != nil {
		t.Fatalf("subscribe sensor/#: %v", err)
	}
	defer subHash.Unsubscribe()

	subActuator, err := sub.Subscribe("actuator/#", recorder(&actuatorHash))
	if err != nil {
		t.Fatalf("subscribe actuator/#: %v", err)
	}
	defer subActuator.Unsubscribe()

	if err := pub.Publish("sensor/temp", 21.5); err != nil {
		t.Fatalf("publish sensor/temp: %v", err)
	}
	if err := pub.Publish("sensor/room/temp", 19.0); err != nil {
		t.Fatalf("publish sensor/room/temp: %v", err)
	}
	if err := pub.Publish("actuator/fan/on", true); err != nil {
		t.Fatalf("publish actuator/fan/on: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// sensor/+ matches exactly one segment: sensor/temp only.
	if len(plus) != 1 || plus[0] != "sensor/temp" {
		t.Fatalf("sensor/+: want [sensor/temp], got %v", plus)
	}
	// sensor/# matches both sensor topics, not the actuator one.
	if len(hash) != 2 {
		t.Fatalf("sensor/#: want 2 matches, got %v", hash)
	}
	// actuator/# matches only the actuator topic.
	if len(actuatorHash) != 1 || actuatorHash[0] != "actuator/fan/on" {
		t.Fatalf("actuator/#: want [actuator/fan/on], got %v", actuatorHash)
	}
}

// --- scenarios (d)/(e): streaming accept/reject ---

// logLine is pushed by streamingService.subscribe_logs until count items
// have been sent or the client cancels.
type logLine struct {
	Seq int `json:"seq"`
}

type streamParams struct {
	Count int `json:"count"`
}

// streamingService registers under the same name as calculatorService but
// is never used in the same test, so the two never collide on one bus.
type streamingService struct{}

func (streamingService) Name() string      { return "calculator" }
func (streamingService) Methods() []string { return []string{"add", "subscribe_logs"} }

func (streamingService) Handle(_ context.Context, method string, payload []byte) ([]byte, error) {
	if method != "add" {
		return nil, herrors.MethodNotFound("calculator", method)
	}
	var p addParams
	if err := envelope.UnmarshalValue(payload, &p); err != nil {
		return nil, herrors.Wrap(herrors.CategorySerialization, "decode add params", err)
	}
	return envelope.MarshalValue(addParams{A: p.A + p.B})
}

func (streamingService) HandleSubscription(ctx context.Context, method string, payload []byte, sink *streaming.PendingSink) error {
	if method != "subscribe_logs" {
		return sink.Reject("unknown subscription method: " + method)
	}
	var p streamParams
	_ = envelope.UnmarshalValue(payload, &p)

	if p.Count < 0 {
		return sink.Reject("not authorized")
	}

	active, err := sink.Accept(ctx)
	if err != nil {
		return err
	}
	defer active.Close()

	for i := 0; i < p.Count && !active.IsClosed(); i++ {
		if err := active.Send(logLine{Seq: i}); err != nil {
			return nil
		}
	}
	return nil
}

func TestStreaming_AcceptAndCancel(t *testing.T) {
	bus := "streaming-accept"
	server := newTestHub(t, bus, "log-server")
	client := newTestHub(t, bus, "log-client")

	if err := server.RegisterService(streamingService{}); err != nil {
		t.Fatalf("register streamingService: %v", err)
	}
	waitForDiscovery()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sub, err := hsipc.CreateSubscription[logLine](ctx, client, "calculator.subscribe_logs", streamParams{Count: 3})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	for i := 0; i < 3; i++ {
		item, err, ok := sub.Next(ctx)
		if err != nil {
			t.Fatalf("item %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("item %d: subscription closed early", i)
		}
		if item.Seq != i {
			t.Fatalf("item %d: want seq %d, got %d", i, i, item.Seq)
		}
	}

	if err := sub.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestStreaming_RejectSurfacesReasonAtCreation(t *testing.T) {
	bus := "streaming-reject"
	server := newTestHub(t, bus, "log-server-reject")
	client := newTestHub(t, bus, "log-client-reject")

	if err := server.RegisterService(streamingService{}); err != nil {
		t.Fatalf("register streamingService: %v", err)
	}
	waitForDiscovery()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := hsipc.CreateSubscription[logLine](ctx, client, "calculator.subscribe_logs", streamParams{Count: -1})
	if err == nil {
		t.Fatal("expected a rejection error")
	}
	var herr *herrors.Error
	if !herrors.As(err, &herr) {
		t.Fatalf("expected a *herrors.Error, got %T: %v", err, err)
	}
	if herr.Category != herrors.CategorySubscription {
		t.Fatalf("expected category %q, got %q", herrors.CategorySubscription, herr.Category)
	}
	if got := err.Error(); !strings.Contains(got, "not authorized") {
		t.Fatalf("expected the error message to carry the reject reason %q, got %q", "not authorized", got)
	}
}

// --- scenario (f): pending-request timeout discards the late reply ---

type slowService struct {
	registry.RejectsSubscriptions
	delay time.Duration
}

func (slowService) Name() string      { return "slow" }
func (slowService) Methods() []string { return []string{"wait"} }

func (s slowService) Handle(ctx context.Context, _ string, payload []byte) ([]byte, error) {
	select {
	case <-time.After(s.delay):
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRPC_CallTimeoutDiscardsLateReply(t *testing.T) {
	bus := "rpc-timeout"
	server := newTestHubWithCallTimeout(t, bus, "slow-server", 500*time.Millisecond)
	client := newTestHubWithCallTimeout(t, bus, "slow-client", 500*time.Millisecond)

	if err := server.RegisterService(slowService{delay: 2 * time.Second}); err != nil {
		t.Fatalf("register slow service: %v", err)
	}
	waitForDiscovery()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := hsipc.Call[string](ctx, client, "slow.wait", "hello")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var herr *herrors.Error
	if !herrors.As(err, &herr) {
		t.Fatalf("expected a *herrors.Error, got %T: %v", err, err)
	}
	if herr.Category != herrors.CategoryTimeout {
		t.Fatalf("expected category %q, got %q", herrors.CategoryTimeout, herr.Category)
	}
	if elapsed > 1500*time.Millisecond {
		t.Fatalf("call returned too slowly for a 500ms timeout: %s", elapsed)
	}

	// The server's handler context also ends after its 500ms call
	// timeout, so its Error reply arrives just after the client gave up
	// and removed the pending entry; it must be silently discarded
	// rather than panicking or corrupting a later call's result.
	time.Sleep(2 * time.Second)
}
