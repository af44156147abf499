// sppd runs the live instrument coordination service: the instrument API,
// the probe gateway and the event stream on one HTTP listener.
//
// Usage:
//
//	SPP_DEBUG=true go run ./cmd/sppd --listen :8080
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
	"github.com/chess-equality/sourceplusplus/pkg/publisher"
	"github.com/chess-equality/sourceplusplus/pkg/server"
	"github.com/chess-equality/sourceplusplus/pkg/service"
	"github.com/chess-equality/sourceplusplus/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.NewConfig()

	flagSet := pflag.NewFlagSet("sppd", pflag.ContinueOnError)
	configPath := flagSet.String("config", os.Getenv("SPP_CONFIG"), "YAML configuration file")
	listen := flagSet.String("listen", cfg.ListenAddr, "HTTP listen address")
	applyTimeout := flagSet.Duration("apply-timeout", cfg.ApplyTimeout, "how long an immediate apply waits for a probe")
	debug := flagSet.Bool("debug", cfg.Debug, "enable debug logging")
	logFormat := flagSet.String("log-format", cfg.LogFormat, "log format: text or json")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return err
		}
	}
	// Explicit flags win over the file.
	if flagSet.Changed("listen") {
		cfg.ListenAddr = *listen
	}
	if flagSet.Changed("apply-timeout") {
		cfg.ApplyTimeout = *applyTimeout
	}
	if flagSet.Changed("debug") {
		cfg.Debug = *debug
	}
	if flagSet.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Logger(os.Stderr)

	pub := publisher.New(logger)
	gateway := probe.NewWebSocketGateway(
		probe.WithLogger(logger.With("component", "gateway")),
		probe.WithReadTimeout(cfg.ProbeReadTimeout),
	)
	svc := service.New(store.New(), gateway, pub,
		service.WithLogger(logger.With("component", "service")),
		service.WithApplyTimeout(cfg.ApplyTimeout),
	)
	srv := server.New(svc, gateway, pub, logger.With("component", "server"))

	if err := srv.Start(cfg.ListenAddr); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	gateway.Close()
	pub.Close()
	return err
}
