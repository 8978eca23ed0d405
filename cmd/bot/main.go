package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hl-spread-arb/internal/app"
	"hl-spread-arb/internal/config"
	"hl-spread-arb/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "engine config (see internal/config/config.example.yaml)")
	envPath := flag.String("env", ".env", "dotenv file with wallet credentials")
	flag.Parse()

	if err := run(*configPath, *envPath); err != nil {
		fmt.Fprintf(os.Stderr, "spread engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envPath string) error {
	if err := config.LoadEnv(envPath); err != nil {
		fmt.Fprintf(os.Stderr, "ignoring %s: %v\n", envPath, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	log.Info("starting spread engine",
		zap.String("config", configPath),
		zap.String("active", cfg.Engine.Active.Symbol),
		zap.String("passive", cfg.Engine.Passive.Symbol),
		zap.String("hedge_leg", cfg.Engine.HedgeLeg),
	)
	engine, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine stopped", zap.Error(err))
		return err
	}
	log.Info("engine stopped")
	return nil
}
