// ─────────────────────────────────────────────────────────────────────────────
// main.go — shmbus broker daemon entry point
//
// Phase 1: flags and configuration
// Phase 2: segment bring-up (pools, port table, queue arena)
// Phase 3: serve the control channel and supervise clients
//
// Exit codes: 0 clean shutdown, 1 runtime failure, 2 configuration or
// segment-creation error.
// ─────────────────────────────────────────────────────────────────────────────

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v3"

	"github.com/SyPeter/shmbus/broker"
	"github.com/SyPeter/shmbus/config"
)

func main() {
	fs := flag.NewFlagSet("shmbusd", flag.ExitOnError)
	var (
		configPath         = fs.String("config", "", "pool and segment layout file (JSON, comments allowed)")
		monitoringInterval = fs.Uint64("monitoring-interval", 0, "registry sweep period in ms (0 = config/default)")
		keepaliveTimeout   = fs.Uint64("keepalive-timeout", 0, "client liveness deadline in ms (0 = config/default)")
		runtimeDir         = fs.String("runtime-dir", "", "control-socket directory (overrides config)")
		introspectionDB    = fs.String("introspection-db", "", "record broker events to this SQLite file")
		metricsAddr        = fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("SHMBUS")); err != nil {
		log.Printf("shmbusd: %v", err)
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Printf("shmbusd: %v", err)
			os.Exit(2)
		}
		cfg = loaded
	}
	if *monitoringInterval > 0 {
		cfg.MonitoringIntervalMs = *monitoringInterval
	}
	if *keepaliveTimeout > 0 {
		cfg.KeepaliveTimeoutMs = *keepaliveTimeout
	}
	if *runtimeDir != "" {
		cfg.RuntimeDir = *runtimeDir
	}
	if *introspectionDB != "" {
		cfg.IntrospectionDB = *introspectionDB
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	b, err := broker.New(cfg)
	if err != nil {
		log.Printf("shmbusd: startup: %v", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("shmbusd: serving on %s (instance %q)", cfg.RuntimeDir, cfg.InstanceName)
	if err := b.Run(ctx); err != nil {
		log.Printf("shmbusd: %v", err)
		os.Exit(1)
	}
}
