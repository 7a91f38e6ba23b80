package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/fishtank/internal/tank"
)

// StateClient is the integrator's view of the coordinator.
type StateClient interface {
	// OwnedParticles returns the particles the worker owns.
	// Returns tank.ErrWorkerNotFound once the worker has been removed.
	OwnedParticles(ctx context.Context, workerID string) ([]tank.Particle, error)

	// UpdateParticle publishes one particle. p.Version must be the version
	// read this tick. Returns tank.ErrOwnershipConflict or
	// tank.ErrParticleNotFound when the write is stale.
	UpdateParticle(ctx context.Context, workerID string, p tank.Particle) (tank.Particle, error)

	// ScanWorker hands the worker's escapees to their new owners and returns
	// how many changed hands.
	ScanWorker(ctx context.Context, workerID string) (int, error)
}

// Stats tracks integrator counters.
type Stats struct {
	Ticks      uint64 `json:"ticks"`      // Completed ticks
	Collisions uint64 `json:"collisions"` // Colliding pairs resolved
	Published  uint64 `json:"published"`  // Accepted particle publishes
	Conflicts  uint64 `json:"conflicts"`  // Publishes dropped as stale
	Reassigned uint64 `json:"reassigned"` // Escapees handed off by post-tick scans
}

// TickResult describes one tick.
type TickResult struct {
	Particles  int
	Collisions int
	Published  int
	Conflicts  int
	Reassigned int
}

// Integrator runs ticks for one worker. Ticks must not overlap; Runner
// guarantees that.
type Integrator struct {
	workerID string
	client   StateClient
	cfg      tank.Config
	logger   zerolog.Logger
	tracer   trace.Tracer

	rngMu sync.Mutex
	rng   *rand.Rand

	stats Stats
}

// NewIntegrator creates an integrator for workerID.
func NewIntegrator(workerID string, client StateClient, cfg tank.Config, rng *rand.Rand) *Integrator {
	return &Integrator{
		workerID: workerID,
		client:   client,
		cfg:      cfg,
		rng:      rng,
		logger:   zerolog.Nop(),
		tracer:   tracer,
	}
}

// SetLogger sets the logger used for tick diagnostics.
func (i *Integrator) SetLogger(logger zerolog.Logger) {
	i.logger = logger.With().Str("worker_id", i.workerID).Logger()
}

// WorkerID returns the worker this integrator ticks for.
func (i *Integrator) WorkerID() string {
	return i.workerID
}

// Tick reads the worker's particles, steps them, publishes each one and asks
// the coordinator to hand off escapees.
//
// Stale publishes are dropped; the next tick re-reads whatever the store now
// holds. Any other failure aborts the tick.
//
// Returns:
//   - tank.ErrWorkerNotFound (wrapped) once the worker has been removed
func (i *Integrator) Tick(ctx context.Context) (result TickResult, err error) {
	ctx, span := i.tracer.Start(ctx, "integrator.tick", trace.WithAttributes(attribute.String("worker.id", i.workerID)))
	start := time.Now()
	defer func() {
		if err != nil && !errors.Is(err, tank.ErrWorkerNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	particles, err := i.client.OwnedParticles(ctx, i.workerID)
	if err != nil {
		return result, fmt.Errorf("read owned particles: %w", err)
	}
	result.Particles = len(particles)

	i.rngMu.Lock()
	result.Collisions = Step(particles, i.cfg, i.rng)
	i.rngMu.Unlock()

	for _, p := range particles {
		_, err := i.client.UpdateParticle(ctx, i.workerID, p)
		switch {
		case err == nil:
			result.Published++
		case errors.Is(err, tank.ErrOwnershipConflict), errors.Is(err, tank.ErrParticleNotFound):
			result.Conflicts++
			i.logger.Debug().Str("particle_id", p.ID).Err(err).Msg("dropped stale publish")
		default:
			return result, fmt.Errorf("publish particle %s: %w", p.ID, err)
		}
	}
	publishesTotal.WithLabelValues("accepted").Add(float64(result.Published))
	publishesTotal.WithLabelValues("conflict").Add(float64(result.Conflicts))

	if result.Published > 0 {
		moved, err := i.client.ScanWorker(ctx, i.workerID)
		if err != nil {
			return result, fmt.Errorf("boundary scan: %w", err)
		}
		result.Reassigned = moved
	}

	atomic.AddUint64(&i.stats.Ticks, 1)
	atomic.AddUint64(&i.stats.Collisions, uint64(result.Collisions))
	atomic.AddUint64(&i.stats.Published, uint64(result.Published))
	atomic.AddUint64(&i.stats.Conflicts, uint64(result.Conflicts))
	atomic.AddUint64(&i.stats.Reassigned, uint64(result.Reassigned))
	ticksTotal.Inc()
	tickDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("particles", result.Particles),
		attribute.Int("published", result.Published),
		attribute.Int("conflicts", result.Conflicts),
	)
	return result, nil
}

// Stats returns a snapshot of the integrator's counters.
func (i *Integrator) Stats() Stats {
	return Stats{
		Ticks:      atomic.LoadUint64(&i.stats.Ticks),
		Collisions: atomic.LoadUint64(&i.stats.Collisions),
		Published:  atomic.LoadUint64(&i.stats.Published),
		Conflicts:  atomic.LoadUint64(&i.stats.Conflicts),
		Reassigned: atomic.LoadUint64(&i.stats.Reassigned),
	}
}
