// Package main is a thin diagnostic binary for hsipc: it joins a bus,
// announces one toy "ping" service, and either serves or queries it.
// It exists for manual smoke-testing, not as part of the core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/hsipc"
	"github.com/nugget/hsipc/internal/buildinfo"
	"github.com/nugget/hsipc/internal/hconfig"
	"github.com/nugget/hsipc/internal/registry"
	"github.com/nugget/hsipc/internal/transport/mockbus"
	"github.com/nugget/hsipc/internal/transport/mqttbus"
)

func main() {
	bus := flag.String("bus", "hsipcd", "bus name to join")
	endpoint := flag.String("endpoint", "hsipcd", "endpoint label")
	brokerURL := flag.String("broker", "", "MQTT broker URL (mqtt://host:1883); empty uses the in-process mock bus")
	logLevel := flag.String("log-level", "info", "trace|debug|info|warn|error")
	flag.Parse()

	logger, err := hconfig.NewLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if flag.NArg() == 0 {
		fmt.Println("hsipcd - hsipc diagnostic binary")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Register a ping service and block")
		fmt.Println("  ping     Call ping.echo once and print the reply")
		fmt.Println("  version  Show version")
		fmt.Println()
		flag.PrintDefaults()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *bus, *endpoint, *brokerURL)
	case "ping":
		runPing(logger, *bus, *endpoint, *brokerURL)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func buildHub(ctx context.Context, logger *slog.Logger, bus, endpoint, brokerURL string) (*hsipc.Hub, error) {
	builder := hsipc.NewBuilder(endpoint).WithBus(bus).WithLogger(logger)
	if brokerURL == "" {
		builder = builder.WithTransport(mockbus.New(logger)).WithFastMode(true)
	} else {
		builder = builder.WithTransport(mqttbus.New(mqttbus.Config{BrokerURL: brokerURL, Logger: logger}))
	}
	return builder.Build(ctx)
}

type pingService struct {
	registry.RejectsSubscriptions
}

func (pingService) Name() string      { return "ping" }
func (pingService) Methods() []string { return []string{"echo"} }

func (pingService) Handle(_ context.Context, method string, payload []byte) ([]byte, error) {
	return payload, nil
}

func runServe(logger *slog.Logger, bus, endpoint, brokerURL string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub, err := buildHub(ctx, logger, bus, endpoint, brokerURL)
	if err != nil {
		logger.Error("failed to start hub", "error", err)
		os.Exit(1)
	}
	if err := hub.RegisterService(pingService{}); err != nil {
		logger.Error("failed to register ping service", "error", err)
		os.Exit(1)
	}

	logger.Info("hsipcd serving", "bus", bus, "endpoint", endpoint, "uptime", buildinfo.Uptime())
	<-ctx.Done()
	_ = hub.Shutdown(2 * time.Second)
}

func runPing(logger *slog.Logger, bus, endpoint, brokerURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub, err := buildHub(ctx, logger, bus, endpoint+"-client", brokerURL)
	if err != nil {
		logger.Error("failed to start hub", "error", err)
		os.Exit(1)
	}
	defer hub.Shutdown(2 * time.Second)

	reply, err := hsipc.Call[string](ctx, hub, "ping.echo", "hello")
	if err != nil {
		logger.Error("ping failed", "error", err)
		os.Exit(1)
	}
	fmt.Println(reply)
}
