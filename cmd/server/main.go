package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tuannm99/novatup/internal"
	"github.com/tuannm99/novatup/internal/node"
)

func main() {
	configPath := flag.String("config", "", "path to the yaml config file")
	dataDir := flag.String("data-dir", "", "directory for disk files and undo logs (overrides disk.dir)")
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dataDir != "" {
		cfg.Disk.Dir = *dataDir
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))

	if err := os.MkdirAll(cfg.Disk.Dir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	n, err := node.New(cfg.NodeOptions())
	if err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("novatup started", "app", cfg.AppName, "dir", cfg.Disk.Dir, "partitions", n.Partitions())
	runErr := n.Run(ctx)
	slog.Info("shutting down")
	if err := n.Close(); err != nil {
		slog.Error("close", "err", err)
	}
	if runErr != nil {
		log.Fatalf("Node stopped: %v", runErr)
	}
}
