package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gallery/internal/bootstrap"
	"gallery/internal/domain"
	"gallery/internal/infra"
	"gallery/internal/processing"
)

const dispatchBatch = 20

// sweeper is the periodic recovery loop: it fails jobs that stopped making
// progress and queues pending images whose processing never started.
type sweeper struct {
	orch        *processing.Orchestrator
	logger      infra.Logger
	interval    time.Duration
	grace       time.Duration
	dispatchMax int
}

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build services")
	}

	w := &sweeper{
		orch:        stack.Processing,
		logger:      logger,
		interval:    cfg.SweepInterval,
		grace:       cfg.PendingGrace,
		dispatchMax: dispatchBatch,
	}
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
	}
	if err := stack.Close(cfg.ProcessingTimeout); err != nil {
		logger.Error().Err(err).Msg("worker: failed to close services")
	}
	logger.Info().Msg("worker: stopped")
}

func (w *sweeper) Run(ctx context.Context) error {
	interval := w.interval
	if interval <= 0 {
		interval = time.Minute
	}
	w.logger.Info().Dur("interval", interval).Msg("worker: started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *sweeper) tick(ctx context.Context) {
	failed, err := w.orch.SweepStale(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("worker: sweep failed")
	} else if failed > 0 {
		w.logger.Info().Int("failed", failed).Msg("worker: stale jobs failed")
	}

	queued, err := w.orch.DispatchPending(ctx, w.grace, w.dispatchMax)
	switch {
	case errors.Is(err, domain.ErrQuotaExceeded):
		w.logger.Warn().Err(err).Int("queued", queued).Msg("worker: dispatch paused by quota")
	case err != nil:
		w.logger.Error().Err(err).Msg("worker: dispatch failed")
	case queued > 0:
		w.logger.Info().Int("queued", queued).Msg("worker: pending jobs queued")
	}
}
