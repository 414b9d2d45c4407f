package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/callhub/internal/app"
	"github.com/sebas/callhub/internal/banner"
	"github.com/sebas/callhub/internal/config"
	"github.com/sebas/callhub/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("Callhub Core", []banner.ConfigLine{
		{Label: "Manager", Value: cfg.File.Manager},
		{Label: "Config", Value: cfg.FilePath},
		{Label: "Accounts DB", Value: cfg.DBPath},
		{Label: "STUN", Value: orDisabled(cfg.STUNServer)},
		{Label: "NATS", Value: orDisabled(cfg.NATSURL)},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	hub, err := app.NewHub(cfg)
	if err != nil {
		slog.Error("Failed to create hub", "error", err)
		os.Exit(1)
	}
	defer hub.Close()

	run(hub)
}

func run(hub *app.Hub) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hub.Start(ctx); err != nil {
		slog.Error("Failed to start hub", "error", err)
		return
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(500 * time.Millisecond)
}

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}
