package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/melih/lighthouse-latent/internal/agent"
	"github.com/melih/lighthouse-latent/internal/logging"
)

func main() {
	logger, _ := logging.New(os.Stderr, os.Getenv("LIGHTHOUSE_LOG_LEVEL"), logging.FormatText)

	cfg, err := agent.ConfigFromEnv()
	if err != nil {
		logger.Error("agent configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.NewClient(cfg, logging.ForWorker(logger, cfg.Worker)).Run(ctx); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}
