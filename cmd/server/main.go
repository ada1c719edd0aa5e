// atmrisk scores ATM/POS devices for fraud risk and builds training corpora
package main

import (
	"context"
	"os"

	"github.com/ncrp/atmrisk/internal/config"
	"github.com/ncrp/atmrisk/internal/logging"
	"github.com/ncrp/atmrisk/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting atmrisk",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"lookback", cfg.Lookback,
		"horizon", cfg.Horizon,
		"cadence", cfg.Cadence,
	)

	server.Version = Version

	// Create and run server
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
