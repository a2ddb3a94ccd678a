// Command vcycled is the iris-vcycle daemon: it loads the ambient
// process config and the space/machinetype policy document, then hands
// both to internal/manager.Manager and runs until an interrupt or term
// signal arrives.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/iris-ac-uk/iris-vcycle/internal/config"
	"github.com/iris-ac-uk/iris-vcycle/internal/manager"
	vcconfig "github.com/iris-ac-uk/iris-vcycle/internal/shared/config"
	"github.com/iris-ac-uk/iris-vcycle/internal/shared/logging"
	"github.com/iris-ac-uk/iris-vcycle/internal/store"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := vcconfig.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.Environment)
	manager.VersionString = version

	st := store.New(cfg.StateRoot)
	if err := st.EnsureLayout(); err != nil {
		logger.Error("failed to prepare state store", "error", err)
		os.Exit(1)
	}

	spaces, err := config.Load(cfg.SpacesConfigPath)
	if err != nil {
		logger.Error("failed to load spaces config", "error", err)
		os.Exit(1)
	}

	mgr, err := manager.New(cfg, logger, st, spaces)
	if err != nil {
		logger.Error("failed to build manager", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("starting vcycled",
		"version", version,
		"environment", cfg.Environment,
		"spaces", len(spaces),
	)

	if err := mgr.Start(ctx); err != nil {
		logger.Error("manager stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("vcycled stopped")
}
