package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/fishtank/internal/storage"
	"github.com/dreamware/fishtank/internal/tank"
)

// ErrInvalidUpdate is returned by UpdateParticle for a position outside the
// tank or a non-finite vector component.
var ErrInvalidUpdate = errors.New("invalid particle update")

// Stats summarizes the coordinator's view of the tank.
type Stats struct {
	Particles  int    `json:"particles"`
	Workers    int    `json:"workers"`
	Unowned    int    `json:"unowned"`
	Rebalances uint64 `json:"rebalances"`
}

// Coordinator is the authority over worker membership, regions and particle
// ownership. Workers reach it over HTTP; cmd/coordinator maps its methods
// onto routes.
//
// Concurrency Model:
//   - Join, Leave, boundary scans and sweeps change topology and are
//     serialized by mu
//   - UpdateParticle does not take mu; a publish is accepted only if the
//     publishing worker still owns the particle and read the version now
//     stored, so a topology change that landed first turns it into
//     tank.ErrOwnershipConflict
//   - Reads go straight to the store
type Coordinator struct {
	mu sync.Mutex

	store      storage.Store
	cfg        tank.Config
	partitions *PartitionManager
	lifecycle  *LifecycleManager
	boundary   *BoundaryMonitor
	liveness   atomic.Pointer[LivenessMonitor]
	logger     zerolog.Logger
}

// New creates a coordinator over store for the tank described by cfg.
func New(store storage.Store, cfg tank.Config, logger zerolog.Logger) *Coordinator {
	partitions := NewPartitionManager(store, cfg.Bounds, logger)
	return &Coordinator{
		store:      store,
		cfg:        cfg,
		partitions: partitions,
		lifecycle:  NewLifecycleManager(store, partitions, logger),
		boundary:   NewBoundaryMonitor(store, logger),
		logger:     logger,
	}
}

// Config returns the tank and simulation constants.
func (c *Coordinator) Config() tank.Config {
	return c.cfg
}

// Bootstrap tops the particle population up to cfg.NumParticles and
// rebalances. Existing particles are kept, so restarting over a persistent
// store does not duplicate the population.
//
// New particles are placed uniformly at random inside the tank, unowned and
// at version 0. Velocity components lie in [10.4, 20.8), mass in [0, 10).
//
// Returns:
//   - Number of particles created
func (c *Coordinator) Bootstrap(ctx context.Context, rng *rand.Rand) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.store.Stats(ctx)
	if err != nil {
		return 0, fmt.Errorf("read store stats: %w", err)
	}

	b := c.cfg.Bounds
	created := 0
	for i := st.Particles; i < c.cfg.NumParticles; i++ {
		p := tank.Particle{
			ID:       uuid.NewString(),
			Position: tank.Vec3{rng.Float64() * b.Width, rng.Float64() * b.Height, rng.Float64() * b.Depth},
			Velocity: tank.Vec3{
				(2 + rng.Float64()*2) * 5.2,
				(2 + rng.Float64()*2) * 5.2,
				(2 + rng.Float64()*2) * 5.2,
			},
			Mass:    rng.Float64() * 10,
			Radius:  c.cfg.CollisionRadius,
			OwnerID: tank.Unowned,
		}
		if err := c.store.InsertParticle(ctx, p); err != nil {
			return created, fmt.Errorf("insert particle: %w", err)
		}
		created++
	}
	c.logger.Info().Int("created", created).Int("particles", st.Particles+created).Msg("bootstrapped tank")

	if _, err := c.partitions.Rebalance(ctx); err != nil {
		return created, err
	}
	return created, nil
}

// Join registers a worker; see LifecycleManager.Join.
func (c *Coordinator) Join(ctx context.Context, workerID string) (tank.Worker, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, joined, err := c.lifecycle.Join(ctx, workerID)
	if err == nil {
		c.touch(workerID)
	}
	return w, joined, err
}

// Leave deregisters a worker; see LifecycleManager.Leave.
func (c *Coordinator) Leave(ctx context.Context, workerID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	left, err := c.lifecycle.Leave(ctx, workerID)
	if m := c.liveness.Load(); m != nil && err == nil {
		m.Forget(workerID)
	}
	return left, err
}

// Rebalance forces a full recompute of regions and ownership.
func (c *Coordinator) Rebalance(ctx context.Context) (RebalanceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partitions.Rebalance(ctx)
}

// UpdateParticle publishes the result of a tick for one particle.
//
// p.Version must be the version the worker read at the start of its tick.
// Only position and velocity are taken from p; identity, mass, radius and
// ownership stay as stored.
//
// Returns:
//   - The stored record with its new version
//   - tank.ErrParticleNotFound for an unknown id
//   - tank.ErrOwnershipConflict if workerID does not own the particle or the
//     version is stale
//   - ErrInvalidUpdate for a position outside the tank
func (c *Coordinator) UpdateParticle(ctx context.Context, workerID string, p tank.Particle) (tank.Particle, error) {
	c.touch(workerID)

	if !finite(p.Position) || !finite(p.Velocity) || !c.cfg.Bounds.Contains(p.Position) {
		particleUpdatesTotal.WithLabelValues("invalid").Inc()
		return tank.Particle{}, fmt.Errorf("%w: particle %s at %v", ErrInvalidUpdate, p.ID, p.Position)
	}

	stored, err := c.store.GetParticle(ctx, p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		particleUpdatesTotal.WithLabelValues("not_found").Inc()
		return tank.Particle{}, fmt.Errorf("%w: %s", tank.ErrParticleNotFound, p.ID)
	}
	if err != nil {
		return tank.Particle{}, fmt.Errorf("read particle %s: %w", p.ID, err)
	}
	if stored.OwnerID != workerID || stored.Version != p.Version {
		particleUpdatesTotal.WithLabelValues("conflict").Inc()
		return tank.Particle{}, fmt.Errorf("%w: particle %s owned by %q at version %d, write from %q at version %d",
			tank.ErrOwnershipConflict, p.ID, stored.OwnerID, stored.Version, workerID, p.Version)
	}

	stored.Position = p.Position
	stored.Velocity = p.Velocity
	updated, err := c.store.CompareAndSwapParticle(ctx, stored)
	switch {
	case errors.Is(err, storage.ErrVersionConflict):
		particleUpdatesTotal.WithLabelValues("conflict").Inc()
		return tank.Particle{}, fmt.Errorf("%w: particle %s changed during publish", tank.ErrOwnershipConflict, p.ID)
	case errors.Is(err, storage.ErrNotFound):
		particleUpdatesTotal.WithLabelValues("not_found").Inc()
		return tank.Particle{}, fmt.Errorf("%w: %s", tank.ErrParticleNotFound, p.ID)
	case err != nil:
		return tank.Particle{}, fmt.Errorf("write particle %s: %w", p.ID, err)
	}
	particleUpdatesTotal.WithLabelValues("accepted").Inc()
	return updated, nil
}

// ScanWorker runs the post-tick boundary scan for one worker against its
// stored region.
func (c *Coordinator) ScanWorker(ctx context.Context, workerID string) ([]Reassignment, error) {
	c.touch(workerID)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundary.Scan(ctx, workerID, tank.Region{})
}

// ReportOutOfBounds scans one worker's particles against the region it
// reports. An empty region means its stored region.
func (c *Coordinator) ReportOutOfBounds(ctx context.Context, workerID string, region tank.Region) ([]Reassignment, error) {
	c.touch(workerID)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundary.Scan(ctx, workerID, region)
}

// Sweep runs a boundary scan for every worker and then adopts orphans.
func (c *Coordinator) Sweep(ctx context.Context) ([]Reassignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	var moves []Reassignment
	for _, w := range workers {
		m, err := c.boundary.Scan(ctx, w.ID, tank.Region{})
		if errors.Is(err, tank.ErrWorkerNotFound) {
			continue
		}
		moves = append(moves, m...)
		if err != nil {
			return moves, err
		}
	}
	adopted, err := c.boundary.AdoptOrphans(ctx)
	moves = append(moves, adopted...)
	return moves, err
}

// RunSweeper calls Sweep every interval until ctx is done. Sweep errors are
// logged and the loop continues.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			moves, err := c.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("boundary sweep failed")
				continue
			}
			if len(moves) > 0 {
				c.logger.Debug().Int("reassigned", len(moves)).Msg("boundary sweep")
			}
		}
	}
}

// RunLiveness expires workers silent for longer than timeout, calling Leave
// for each until it succeeds once, until ctx is done. A failed Leave is
// retried on the next check.
func (c *Coordinator) RunLiveness(ctx context.Context, interval, timeout time.Duration) error {
	m := NewLivenessMonitor(interval, timeout, c.logger)
	m.SetOnExpired(func(workerID string) {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.Leave(leaveCtx, workerID); err != nil {
			c.logger.Error().Err(err).Str("worker_id", workerID).Msg("leave of expired worker failed, retrying")
			m.Retry(workerID)
		}
	})
	c.liveness.Store(m)
	defer c.liveness.CompareAndSwap(m, nil)

	m.Start(ctx, func() []string {
		ids, err := c.WorkerIDs(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("list workers for liveness")
		}
		return ids
	})
	return nil
}

// Liveness returns the running liveness monitor, or nil.
func (c *Coordinator) Liveness() *LivenessMonitor {
	return c.liveness.Load()
}

func (c *Coordinator) touch(workerID string) {
	if m := c.liveness.Load(); m != nil && workerID != "" {
		m.Touch(workerID)
	}
}

// Worker returns one worker record.
func (c *Coordinator) Worker(ctx context.Context, workerID string) (tank.Worker, error) {
	c.touch(workerID)

	w, err := c.store.GetWorker(ctx, workerID)
	if errors.Is(err, storage.ErrNotFound) {
		return tank.Worker{}, fmt.Errorf("%w: %s", tank.ErrWorkerNotFound, workerID)
	}
	return w, err
}

// Workers returns all workers in join order.
func (c *Coordinator) Workers(ctx context.Context) ([]tank.Worker, error) {
	return c.store.ListWorkers(ctx)
}

// WorkerIDs returns the ids of all workers in join order.
func (c *Coordinator) WorkerIDs(ctx context.Context) ([]string, error) {
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	return ids, nil
}

// OwnedParticles returns the particles currently owned by a worker.
//
// Returns:
//   - tank.ErrWorkerNotFound if the worker is not registered, which a tick
//     loop takes as its signal to stop
func (c *Coordinator) OwnedParticles(ctx context.Context, workerID string) ([]tank.Particle, error) {
	c.touch(workerID)

	if _, err := c.store.GetWorker(ctx, workerID); errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", tank.ErrWorkerNotFound, workerID)
	} else if err != nil {
		return nil, err
	}
	return c.store.ParticlesOwnedBy(ctx, workerID)
}

// Particles returns the whole population ordered by id.
func (c *Coordinator) Particles(ctx context.Context) ([]tank.Particle, error) {
	return c.store.ListParticles(ctx)
}

// Stats returns population and rebalance counters.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Particles:  st.Particles,
		Workers:    st.Workers,
		Unowned:    st.Unowned,
		Rebalances: c.partitions.Rebalances(),
	}, nil
}

func finite(v tank.Vec3) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
