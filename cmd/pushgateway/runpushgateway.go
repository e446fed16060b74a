package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tinywideclouds/go-push-gateway/pushgateway"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

func main() {
	// The log level can arrive twice: LOG_LEVEL applies immediately so config
	// loading itself is observable, and the loaded config is applied after.
	levelVar := new(slog.LevelVar)
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		levelVar.Set(slog.LevelDebug)
	case "info", "INFO":
		levelVar.Set(slog.LevelInfo)
	case "warn", "WARN":
		levelVar.Set(slog.LevelWarn)
	case "error", "ERROR":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelVar,
	})).With("service", "go-push-gateway")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	configPath := os.Getenv("SYGNAL_CONF")
	if configPath == "" {
		configPath = "sygnal.yaml"
	}
	baseCfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Error("Failed to load yaml config", "err", err, "path", configPath)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}
	levelVar.Set(cfg.Log.Level)

	// --- Service ---
	service, err := pushgateway.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting service...")
	if err := service.Start(runCtx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}
