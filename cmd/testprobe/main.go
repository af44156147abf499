// testprobe is a sample application instrumented with a probe client. It
// connects to a running sppd and calls Hit at a few fixed locations in a
// loop, so breakpoints and log points added through the API fire.
//
// Usage:
//
//	SPP_GATEWAY_URL=ws://localhost:8080/v1/probes SPP_DEBUG=true go run ./cmd/testprobe/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/chess-equality/sourceplusplus/pkg/config"
	"github.com/chess-equality/sourceplusplus/pkg/probe"
)

const source = "spp.example.webapp.controller.LiveInstrumentController"

// UserContext is a helper struct to test object capture.
type UserContext struct {
	UserID string
	Email  string
	Active bool
}

func main() {
	cfg := config.NewConfig()

	flagSet := pflag.NewFlagSet("testprobe", pflag.ExitOnError)
	gatewayURL := flagSet.String("gateway", cfg.GatewayURL, "probe gateway URL")
	encoding := flagSet.String("encoding", cfg.ProbeEncoding, "frame encoding: json or cbor")
	interval := flagSet.Duration("interval", 3*time.Second, "time between iterations")
	flagSet.Parse(os.Args[1:])

	logger := cfg.Logger(os.Stderr)
	client := probe.NewClient(*gatewayURL,
		probe.WithClientServiceInstance(cfg.ServiceInstance),
		probe.WithEncoding(probe.Encoding(*encoding)),
		probe.WithCaptureRate(cfg.CaptureRate),
		probe.WithClientMaxDepth(cfg.MaxCaptureDepth),
		probe.WithClientLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go client.Connect(ctx)
	defer client.Disconnect()

	fmt.Println("===========================================")
	fmt.Println("Live instrument test probe")
	fmt.Printf("probe id: %s\n", client.ProbeID())
	fmt.Println("===========================================")

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for iteration := 0; ; iteration++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		handleRequest(client, iteration)
	}
}

// handleRequest mimics a controller method with a few locals in scope.
func handleRequest(client *probe.Client, iteration int) {
	// Line 16: one local variable in scope.
	name := fmt.Sprintf("request-%d", iteration)
	if client.Hit(source, 16, map[string]any{"name": name}) {
		fmt.Printf("[%d] reported line 16\n", iteration)
	}

	// Line 25: the log point location.
	user := UserContext{
		UserID: fmt.Sprintf("user-%d", iteration),
		Email:  "test@example.com",
		Active: true,
	}
	items := []string{"apple", "banana", "cherry"}
	if client.Hit(source, 25, map[string]any{"name": name, "user": user, "items": items, "count": iteration * 10}) {
		fmt.Printf("[%d] reported line 25\n", iteration)
	}
}
