// Paycasso escrow service: escrow lifecycle, dispute resolution and
// settlement reconciliation over the USDC settlement contract.
package main

import (
	"context"
	"os"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/config"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/logging"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/server"
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
	logger.Info("starting paycasso escrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"simulated_ledger", cfg.SimulatedLedger(),
		"chain_id", cfg.ChainID,
		"usdc_contract", cfg.USDCContract,
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
