package sim

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/fishtank/internal/tank"
)

// Runner drives one Integrator: a tick, then a fixed pause measured from the
// end of that tick, until the context ends or the worker is removed.
type Runner struct {
	integrator *Integrator
	interval   time.Duration
	logger     zerolog.Logger
}

// NewRunner creates a runner that waits interval between ticks.
func NewRunner(integrator *Integrator, interval time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		integrator: integrator,
		interval:   interval,
		logger:     logger.With().Str("worker_id", integrator.WorkerID()).Logger(),
	}
}

// Run ticks until ctx is done or the coordinator no longer knows the worker.
// Both are clean exits and return nil. Other tick errors are logged and the
// next tick starts from fresh state.
func (r *Runner) Run(ctx context.Context) error {
	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("tick loop started")
	for {
		_, err := r.integrator.Tick(ctx)
		switch {
		case errors.Is(err, tank.ErrWorkerNotFound):
			r.logger.Info().Msg("worker removed, tick loop stopping")
			return nil
		case err != nil && ctx.Err() == nil:
			r.logger.Warn().Err(err).Msg("tick failed")
		}

		timer.Reset(r.interval)
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("tick loop stopping")
			return nil
		case <-timer.C:
		}
	}
}
