// Command plugind runs a bilateral virtual ledger plugin as a standalone
// process: it holds one trustline with one peer and exposes a small
// admin HTTP surface over it.
package main

import (
	"context"
	"os"

	"github.com/mbd888/ilpvirtual/internal/logging"
	"github.com/mbd888/ilpvirtual/internal/pluginconfig"
	"github.com/mbd888/ilpvirtual/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting plugind",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := pluginconfig.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"auth_account", cfg.AuthAccount,
		"auth_room", cfg.AuthRoom,
		"auth_host", cfg.AuthHost,
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
