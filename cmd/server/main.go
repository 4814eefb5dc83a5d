// Mercato - escrow settlement and payment reconciliation engine
package main

import (
	"context"
	"os"

	"github.com/mercatod/mercato/internal/config"
	"github.com/mercatod/mercato/internal/logging"
	"github.com/mercatod/mercato/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "json"
	if cfg.IsDevelopment() {
		format = "text"
	}
	logger := logging.New(cfg.LogLevel, format)

	logger.Info("starting mercato",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"reconcile_interval", cfg.ReconcileInterval,
		"disburse_interval", cfg.DisburseInterval,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
