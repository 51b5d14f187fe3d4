// Command telemetryd is the process entrypoint for the indoor-cycling
// telemetry backend: it wires the unified device manager (component J),
// the connection watchdog (component K), and the status/control IPC
// surface (component O) together, and owns the process's graceful
// shutdown, grounded on the teacher's cmd/driver/hasher-host/main.go
// (flag parsing, a gin server run in a goroutine, signal.Notify on
// SIGINT/SIGTERM, ordered shutdown).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"telemetryd/internal/broadcast"
	"telemetryd/internal/config"
	"telemetryd/internal/devices"
	"telemetryd/internal/hostcheck"
	"telemetryd/internal/ipc"
	"telemetryd/internal/persistence"
	"telemetryd/internal/persistence/memstore"
	"telemetryd/internal/primary"
	"telemetryd/internal/reading"
	"telemetryd/internal/telemetrylog"
	"telemetryd/internal/watchdog"
)

var (
	httpAddr = flag.String("http", "", "HTTP API listen address (overrides TELEMETRYD_HTTP_ADDR/default)")
	persist  = flag.Bool("persist", false, "log that the in-process memstore persistence adapter is in use; memstore is used whether or not this is set (overrides TELEMETRYD_PERSIST)")
	logLevel = flag.String("log-level", "", "log level: debug, info, warn, error (overrides TELEMETRYD_LOG_LEVEL/default)")
)

func main() {
	flag.Parse()
	cfg := config.Load()

	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *persist {
		cfg.Persist = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	telemetrylog.SetLevel(telemetrylog.ParseLevel(cfg.LogLevel))

	var store persistence.Store = memstore.New()
	if cfg.Persist {
		telemetrylog.Infof("telemetryd: persistence adapter enabled (memstore)")
	}

	hub := broadcast.NewHub()
	registry := primary.NewRegistry()
	checker := hostcheck.New()

	mgr, err := devices.New(hub, registry, store, checker)
	if err != nil {
		log.Fatalf("telemetryd: open device manager: %v", err)
	}

	wd := watchdog.New(mgr)

	server := ipc.New(mgr, registry, wd, store, checker, hub, cfg.UdevRulesSource)
	ingress := primary.NewIngress(hub, registry, func(r reading.Reading) {
		server.Consume(r)
	})
	wd.OnEvent(server.ConsumeEvent)

	if !cfg.WatchdogDisabled {
		wd.Start()
	}
	ingress.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("telemetryd: API listening on %s", cfg.HTTPAddr)
		errCh <- server.Run(ctx, cfg.HTTPAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Ordered shutdown: watchdog, then ingress, then the device manager's
	// transport handles, and only then the HTTP server, so no in-flight
	// request can observe a torn-down manager.
	select {
	case <-quit:
		log.Println("telemetryd: shutting down")
		wd.Stop()
		ingress.Stop()
		if err := mgr.Close(); err != nil {
			log.Printf("telemetryd: device manager close error: %v", err)
		}
		cancel()
		if err := <-errCh; err != nil {
			log.Printf("telemetryd: server shutdown error: %v", err)
		}
	case err := <-errCh:
		wd.Stop()
		ingress.Stop()
		if closeErr := mgr.Close(); closeErr != nil {
			log.Printf("telemetryd: device manager close error: %v", closeErr)
		}
		if err != nil {
			log.Fatalf("telemetryd: API server error: %v", err)
		}
	}
}
