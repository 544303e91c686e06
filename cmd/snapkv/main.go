package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	httpapi "snapkv/internal/http"
	"snapkv/pkg/metrics"
	"snapkv/pkg/partition"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	dataDir := flag.String("data", "", "partition directory, overrides partition.path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Partition.Path = *dataDir
	}
	initLogger(&cfg)

	reg := metrics.NewRegistry()
	p, err := partition.Open(cfg.Partition.Path, cfg.Partition, partition.WithMetrics(reg))
	if err != nil {
		slog.Error("failed to open partition", "path", cfg.Partition.Path, "error", err)
		os.Exit(1)
	}

	server := httpapi.NewServer(p, cfg.Server)
	server.SetMetrics(reg)
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		_ = p.Close()
		os.Exit(1)
	}

	slog.Info("snapkv is running", "path", p.Path(), "seqno", p.Counter().Get())

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	if err := p.Flush(); err != nil {
		slog.Error("final flush failed", "error", err)
	}
	if err := p.Close(); err != nil {
		slog.Error("error closing partition", "error", err)
	}

	slog.Info("snapkv stopped")
}
