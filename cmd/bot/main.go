package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bn-harvest-bot/internal/config"
	"bn-harvest-bot/internal/engine"
	"bn-harvest-bot/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", *configPath))

	eng, err := engine.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize engine", zap.Error(err))
		os.Exit(1)
	}
	log.Info("engine initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		log.Error("engine terminated", zap.Error(err))
		os.Exit(1)
	}
}
