package handoff

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const sweepTimeout = 20 * time.Second

// Sweeper periodically closes idle unattended conversations. It runs inside
// the process that owns the gateway hub so close events reach live clients.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	idleTTL  time.Duration
	logger   zerolog.Logger
}

func NewSweeper(svc *Service, interval, idleTTL time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		idleTTL:  idleTTL,
		logger:   logger.With().Str("worker", "conversation-sweeper").Logger(),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	if w.interval <= 0 || w.idleTTL <= 0 {
		w.logger.Warn().Msg("conversation sweeper disabled")
		return
	}
	w.logger.Info().Dur("interval", w.interval).Dur("idle_ttl", w.idleTTL).Msg("conversation sweeper started")
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("conversation sweeper stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *Sweeper) RunOnce(ctx context.Context) int {
	runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	start := time.Now()
	closed, err := w.svc.SweepIdle(runCtx, w.idleTTL)
	if err != nil {
		w.logger.Error().Err(err).Int("closed", closed).Msg("sweep run error")
		return closed
	}
	if closed > 0 {
		w.logger.Info().Int("closed", closed).Dur("took", time.Since(start)).Msg("sweep run complete")
	}
	return closed
}
