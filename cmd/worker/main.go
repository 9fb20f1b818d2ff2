package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"orbital/internal/bootstrap"
	"orbital/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("service", cfg.ServiceName+"-worker").Logger()

	if cfg.DispatchBroker == infra.BrokerMemory {
		logger.Fatal().Msg("worker: memory broker is process-local, use EMBEDDED_WORKER with the API instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: bootstrap failed")
	}
	defer container.Close()

	worker := container.NewWorker()
	logger.Info().
		Str("queue", cfg.DispatchQueue).
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("soft_limit", cfg.TaskSoftLimit).
		Dur("hard_limit", cfg.TaskHardLimit).
		Msg("worker: started")

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
		return
	}
	logger.Info().Msg("worker: stopped")
}
