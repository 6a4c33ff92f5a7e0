// statebridge multiplexes many client connections over a single bridge
// to the backend runtime: shared-state partitions are observed and
// mutated over WebSocket (or the REST fallback), and runtime events are
// fanned out to subscribed connections by one background worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/statebridge/statebridge/internal/api"
	"github.com/statebridge/statebridge/internal/bridge"
	"github.com/statebridge/statebridge/internal/config"
	"github.com/statebridge/statebridge/internal/fanout"
	"github.com/statebridge/statebridge/internal/registry"
)

const version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "statebridge.yaml", "Path to the YAML config file")
	listen := flag.String("listen", "", "Listen address override (e.g. :8800)")
	runtimeAddr := flag.String("runtime-addr", "", "Backend runtime RPC address override")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("statebridge v%s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *runtimeAddr != "" {
		cfg.Runtime.Addr = *runtimeAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := bridge.NewClient(cfg.Runtime.Addr, time.Duration(cfg.Runtime.RequestTimeout))
	defer client.Close()

	worker := fanout.NewWorker(
		fanout.BridgeStreamer(client),
		time.Duration(cfg.Runtime.StreamInitialBackoff),
		time.Duration(cfg.Runtime.StreamMaxBackoff),
	)

	reg := registry.New()
	// The worker is owned here and started once; the hook only covers
	// the case where it was stopped while the process sat idle. It
	// keeps running on empty so external subscriptions stay live.
	reg.SetLifecycleHooks(func() { worker.Start(ctx) }, nil)
	worker.Start(ctx)

	server := api.NewServer(reg, client, worker, api.Config{
		Addr:       cfg.Listen,
		AuthSecret: cfg.AuthSecret,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[Main] Received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("[Main] Server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] Shutdown error: %v", err)
	}

	cancel()
	worker.Stop()
}
