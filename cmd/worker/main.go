package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unclebandit/smsleopard-dispatch/internal/app"
	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/logging"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
)

// The worker consumes dispatch jobs from the broker and runs the scheduled
// campaign sweep.
func main() {
	cfg, err := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.AMQPURL == "" {
		log.Fatal().Msg("AMQP_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap failed")
	}
	defer a.Close()

	if err := a.Worker.Start(ctx, a.Queue); err != nil {
		log.Fatal().Err(err).Msg("failed to register consumer")
	}
	scheduler := service.NewScheduler(a.Campaigns, a.Queue, cfg.SchedulerSpec, log)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	log.Info().Msg("worker running, waiting for jobs")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	scheduler.Stop(shutdownCtx)
	log.Info().Msg("worker stopped")
}
