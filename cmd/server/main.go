// Spendgate - metered credit gateway for AI agent workloads
package main

import (
	"context"
	"flag"
	"os"

	"github.com/mbd888/spendgate/internal/config"
	"github.com/mbd888/spendgate/internal/logging"
	"github.com/mbd888/spendgate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	dev := flag.Bool("dev", false, "run on in-memory stores, ignoring DATABASE_URL")
	flag.Parse()

	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting spendgate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *dev {
		cfg.DatabaseURL = ""
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"storage", storageKind(cfg),
	)

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

func storageKind(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}
