package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethproofgate/relayproxy/config"
	"github.com/ethproofgate/relayproxy/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("relayproxy starting",
		"port", cfg.Port,
		"network", cfg.Network,
		"topic", cfg.TopicID,
		"default_backend", cfg.DefaultBackend,
	)

	if err := supervisor.Run(ctx, cfg); err != nil {
		slog.Error("relayproxy exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("relayproxy stopped cleanly")
}
