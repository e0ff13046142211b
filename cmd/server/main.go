// Package main is the entry point for the certs-view API server.
//
// MAIN PACKAGE IN GO:
// The main package should be kept minimal. Its job is to:
// 1. Read configuration (internal/config reads env vars and an optional .env)
// 2. Create the logger
// 3. Start the application
//
// All actual logic lives in imported packages (internal/server, internal/service, etc.).
//
// WHY cmd/server/?
// The cmd/ directory is a Go convention for executable entry points. This
// project has two: cmd/server (the API) and cmd/usersctl (account admin).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/certs-view/internal/config"
	"github.com/sakif/certs-view/internal/logging"
	"github.com/sakif/certs-view/internal/server"
)

func main() {
	// === 1. READ CONFIGURATION ===
	// Load fails on anything that would make the server unsafe to run, e.g.
	// production without JWT_SECRET. There is no logger yet, so print and exit.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	// JSON in production (for log shippers), text everywhere else.
	logger := logging.New(cfg.Environment, cfg.LogLevel, os.Stdout)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	// === 3. DATABASE DIRECTORY ===
	// os.MkdirAll creates all parent directories if needed (like `mkdir -p`).
	if cfg.DBPath != ":memory:" {
		dbDir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			logger.Error("failed to create database directory",
				slog.String("dir", dbDir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	// === 4. CREATE AND START THE SERVER ===
	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
