package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-workflow/internal/app"
	"github.com/hackgods/clinical-workflow/internal/appointment"
	"github.com/hackgods/clinical-workflow/internal/config"
	"github.com/hackgods/clinical-workflow/internal/logging"
)

const batchSize = 200

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New("info", "")
		l.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.LogLevel, cfg.Env).With().Str("component", "expiry-worker").Logger()
	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("grace", cfg.StalePendingGrace).
		Msg("expiry worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	defer a.Close()

	// Run once at startup
	runOnce(rootCtx, a.Appointments, cfg.StalePendingGrace, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, a.Appointments, cfg.StalePendingGrace, log)
		}
	}
}

// runOnce cancels PENDING appointments that were never confirmed and whose
// start lies more than grace in the past.
func runOnce(ctx context.Context, svc *appointment.Service, grace time.Duration, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.CancelStalePending(runCtx, grace, batchSize)
	if err != nil {
		log.Error().Err(err).Msg("expiry run error")
		return
	}
	log.Info().Int("cancelled", n).Dur("took", time.Since(start)).Msg("expiry run complete")
}
