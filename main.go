package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pharmatrace/relay/internal/config"
	"pharmatrace/relay/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("relay startup failed", logging.Error(err))
		return err
	}
	if err := a.run(ctx); err != nil {
		logger.Error("relay stopped with error", logging.Error(err))
		return err
	}
	logger.Info("relay stopped")
	return nil
}
