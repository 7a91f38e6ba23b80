// Package main implements the fish tank worker. A worker joins the
// coordinator, then ticks the particles inside its region until it is
// stopped or the coordinator forgets it.
//
// HTTP API:
//
//	/health  - liveness probe
//	/info    - worker id, region and tick counters
//
// Configuration (environment):
//   - WORKER_ID: worker identity (default: a random UUID)
//   - WORKER_LISTEN: listen address for /health and /info (default ":8081")
//   - COORDINATOR_URL: coordinator base URL (default "http://127.0.0.1:8080")
//   - TICK_INTERVAL: pause between ticks (default 100ms)
//   - JOIN_ATTEMPTS: join tries before giving up (default 10)
//   - LOG_LEVEL: zerolog level (default info)
//
// Example:
//
//	WORKER_ID=w1 WORKER_LISTEN=:8081 COORDINATOR_URL=http://localhost:8080 ./worker
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/fishtank/internal/cluster"
	"github.com/dreamware/fishtank/internal/config"
	"github.com/dreamware/fishtank/internal/sim"
	"github.com/dreamware/fishtank/internal/tank"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	logger := config.Logger(cfg.LogLevel).With().Str("worker_id", cfg.WorkerID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker failed")
	}
	logger.Info().Msg("worker stopped")
}

// run joins, ticks and serves until ctx is done or the coordinator drops the
// worker, then leaves.
func run(ctx context.Context, cfg config.WorkerConfig, logger zerolog.Logger) error {
	client := cluster.NewClient(cfg.CoordinatorURL)

	worker, err := join(ctx, client, cfg.WorkerID, cfg.JoinAttempts, logger)
	if err != nil {
		return err
	}
	logger.Info().Str("region", worker.Region.String()).Msg("joined tank")

	tankCfg, err := client.Tank(ctx)
	if err != nil {
		return fmt.Errorf("fetch tank config: %w", err)
	}

	integrator := sim.NewIntegrator(cfg.WorkerID, client, tankCfg, rand.New(rand.NewSource(time.Now().UnixNano())))
	integrator.SetLogger(logger)
	runner := sim.NewRunner(integrator, cfg.TickInterval, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           routes(client, integrator),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Listen).Msg("worker listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// The process ends with the tick loop.
		defer cancel()
		return runner.Run(gctx)
	})
	err = g.Wait()

	leaveCtx, cancelLeave := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelLeave()
	if lerr := client.Leave(leaveCtx, cfg.WorkerID); lerr != nil {
		logger.Warn().Err(lerr).Msg("leave failed")
	}
	return err
}

// join registers with the coordinator, retrying with exponential backoff
// while it is unreachable or failing. A 4xx answer is final.
func join(ctx context.Context, client *cluster.Client, id string, attempts uint, logger zerolog.Logger) (tank.Worker, error) {
	op := func() (tank.Worker, error) {
		w, err := client.Join(ctx, id)
		var se *cluster.StatusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
			return w, backoff.Permanent(err)
		}
		return w, err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", next).Msg("join failed")
	}

	w, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(joinBackOff()),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return tank.Worker{}, fmt.Errorf("join coordinator: %w", err)
	}
	return w, nil
}

func joinBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

// infoResponse is the body of GET /info.
type infoResponse struct {
	WorkerID string      `json:"workerId"`
	Region   tank.Region `json:"region"`
	Owned    int         `json:"owned"`
	Stats    sim.Stats   `json:"stats"`
}

func routes(client *cluster.Client, integrator *sim.Integrator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /info", func(w http.ResponseWriter, r *http.Request) {
		handleInfo(client, integrator, w, r)
	})
	return mux
}

// handleInfo reports the worker's counters along with its region as the
// coordinator currently records it.
func handleInfo(client *cluster.Client, integrator *sim.Integrator, w http.ResponseWriter, r *http.Request) {
	resp := infoResponse{
		WorkerID: integrator.WorkerID(),
		Stats:    integrator.Stats(),
	}
	status := http.StatusOK
	if worker, err := client.Worker(r.Context(), integrator.WorkerID()); err == nil {
		resp.Region = worker.Region
		resp.Owned = len(worker.OwnedParticleIDs)
	} else if errors.Is(err, tank.ErrWorkerNotFound) {
		status = http.StatusGone
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
