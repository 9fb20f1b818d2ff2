package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"orbital/internal/bootstrap"
	"orbital/internal/infra"
)

var version = "dev"

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("service", cfg.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap failed")
	}
	defer container.Close()

	// Single-process deployments run the worker next to the API.
	var wg sync.WaitGroup
	if cfg.EmbeddedWorker {
		worker := container.NewWorker()
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("embedded worker started")
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("embedded worker stopped with error")
			}
		}()
	}

	server := infra.NewHTTPServer(cfg, container.Router(version), logger)
	if err := server.Run(ctx, cfg.HTTPIdleTimeout); err != nil {
		logger.Error().Err(err).Msg("http server failed")
		stop()
	}
	wg.Wait()
	logger.Info().Msg("server stopped")
}
