package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bar-backfill/internal/app"
	"bar-backfill/internal/slogx"
)

func init() {
	slog.SetDefault(slogx.NewDefault("info"))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := InitializeApp(ctx)
	if err != nil {
		slog.Error("failed to initialize app", "error", err)
		var ce *app.ConfigError
		if errors.As(err, &ce) {
			os.Exit(app.ExitInvalidInput)
		}
		os.Exit(1)
	}

	cfg := a.Config
	slog.Info("starting", "mode", cfg.Mode, "data_dir", cfg.DataDir, "workers", cfg.Workers,
		"resolutions", cfg.Resolutions, "store", cfg.Store.Driver, "checkpoints", cfg.Checkpoint.Backend)

	code := a.Run(ctx)
	if ctx.Err() != nil {
		slog.Info("received signal, graceful shutdown done")
	}
	cleanup()
	stop()
	os.Exit(code)
}
