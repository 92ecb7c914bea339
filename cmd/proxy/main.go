package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"edgeproxy/internal/config"
	"edgeproxy/internal/gateway"
	"edgeproxy/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, logFile, err := logging.New(cfg.Logging)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to create gateway", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		slog.Info("starting edge proxy",
			"addr", cfg.Server.Addr,
			"admin", cfg.Admin.Addr,
			"environment", cfg.Environment,
		)
		errChan <- gw.Run(ctx)
	}()

	exitCode := 0
	select {
	case sig := <-sigChan:
		slog.Info("received signal", "signal", sig)
	case err := <-errChan:
		if err != nil {
			slog.Error("gateway error", "error", err)
			exitCode = 1
		}
	}
	cancel()

	slog.Info("shutting down edge proxy")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during shutdown", "error", err)
	}

	slog.Info("edge proxy stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
