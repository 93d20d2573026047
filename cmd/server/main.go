// Rewardescrow - reward escrow for lost & found listings
package main

import (
	"context"
	"os"

	"github.com/mbd888/rewardescrow/internal/config"
	"github.com/mbd888/rewardescrow/internal/logging"
	"github.com/mbd888/rewardescrow/internal/server"
	"github.com/mbd888/rewardescrow/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting rewardescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg,
		server.WithLogger(logger),
		server.WithShutdownHook(shutdownTraces),
	)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		_ = shutdownTraces(ctx)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
