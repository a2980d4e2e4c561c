package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cvtrack/internal/config"
	"cvtrack/internal/daemon"
	"cvtrack/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, path, exists, err := config.Load(os.Getenv("CVTRACK_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	if !exists {
		logger.Info("no config file found; using defaults", logging.String("path", path))
	}
	logPreflight(ctx, cfg, logger)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		os.Exit(1)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start", logging.Error(err))
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("cvtrackd shutting down")
}
