// Package coordinator implements the control plane of the fish tank simulation.
// See doc.go for complete package documentation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/fishtank/internal/storage"
	"github.com/dreamware/fishtank/internal/tank"
)

// maxCASAttempts bounds the read-modify-write retries of a single record when
// a worker publish races with an ownership change.
const maxCASAttempts = 8

// RebalanceResult summarizes one full rebalance.
type RebalanceResult struct {
	Workers    int `json:"workers"`    // Workers the tank was split across
	Particles  int `json:"particles"`  // Particles scanned
	Reassigned int `json:"reassigned"` // Particles whose owner changed
	Unowned    int `json:"unowned"`    // Particles no region contains
}

// ComputeRegions splits the tank into n contiguous slabs along X, one per
// worker in join order.
//
// Slab i spans [Width/n*i, Width/n*(i+1)); the last slab is closed at Width so
// the far wall is covered. The edges are computed once and shared by adjacent
// slabs, so there is never a gap or an overlap between neighbours. Y and Z
// always span the whole tank.
//
// Parameters:
//   - n: Number of workers (n <= 0 yields no regions)
//   - b: Tank bounds
//
// Returns:
//   - One region per worker, ordered by X
//
// Example:
//
//	regions := ComputeRegions(2, tank.Bounds{Width: 600, Height: 600, Depth: 600})
//	// regions[0] = [0,300), regions[1] = [300,600]
func ComputeRegions(n int, b tank.Bounds) []tank.Region {
	if n <= 0 {
		return nil
	}
	slab := b.Width / float64(n)
	edge := func(i int) float64 {
		if i >= n {
			return b.Width
		}
		return slab * float64(i)
	}

	regions := make([]tank.Region, n)
	for i := 0; i < n; i++ {
		regions[i] = tank.Region{
			StartX:  edge(i),
			EndX:    edge(i + 1),
			StartY:  0,
			EndY:    b.Height,
			StartZ:  0,
			EndZ:    b.Depth,
			ClosedX: i == n-1,
		}
	}
	return regions
}

// regionIndex returns the index of the region containing p, or -1.
func regionIndex(regions []tank.Region, p tank.Vec3) int {
	for i, r := range regions {
		if r.Contains(p) {
			return i
		}
	}
	return -1
}

// PartitionManager recomputes worker regions and particle ownership whenever
// the worker set changes.
//
// A rebalance is a full recompute, not an incremental one:
//   - Regions are derived from the current worker count and join order
//   - Every particle is scanned once and given to the worker whose region
//     contains its current position
//   - Every worker's owned set is overwritten
//
// Concurrency Model:
//   - Rebalance must not run concurrently with itself or with boundary scans;
//     the Coordinator serializes them
//   - Particle publishes from workers may race with a rebalance; ownership
//     writes are version guarded and retried, and a successful ownership write
//     invalidates any in-flight publish from the previous owner
//
// Performance Characteristics:
//   - Rebalance: O(particles × workers)
type PartitionManager struct {
	store  storage.Store
	bounds tank.Bounds
	logger zerolog.Logger
	tracer trace.Tracer

	rebalances atomic.Uint64
}

// NewPartitionManager creates a partition manager over store for a tank of the given bounds.
func NewPartitionManager(store storage.Store, bounds tank.Bounds, logger zerolog.Logger) *PartitionManager {
	return &PartitionManager{
		store:  store,
		bounds: bounds,
		logger: logger,
		tracer: tracer,
	}
}

// Rebalances returns how many non-empty rebalances have completed.
func (m *PartitionManager) Rebalances() uint64 {
	return m.rebalances.Load()
}

// Rebalance redistributes the tank across the current workers in join order
// and reassigns every particle by position.
//
// With no workers it is a no-op: regions are undefined and particles keep
// whatever ownership they had until a worker joins.
//
// Parameters:
//   - ctx: Context for cancellation
//
// Returns:
//   - Summary of the pass
//   - Error if the store fails; the pass may then be partially applied and
//     the next rebalance or boundary sweep repairs it
func (m *PartitionManager) Rebalance(ctx context.Context) (result RebalanceResult, err error) {
	ctx, span := m.tracer.Start(ctx, "partition.rebalance")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()

	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return RebalanceResult{}, fmt.Errorf("list workers: %w", err)
	}
	workersGauge.Set(float64(len(workers)))
	if len(workers) == 0 {
		m.logger.Debug().Msg("rebalance skipped, no workers")
		return RebalanceResult{}, nil
	}

	regions := ComputeRegions(len(workers), m.bounds)
	particles, err := m.store.ListParticles(ctx)
	if err != nil {
		return RebalanceResult{}, fmt.Errorf("list particles: %w", err)
	}

	result = RebalanceResult{Workers: len(workers), Particles: len(particles)}
	owned := make([][]string, len(workers))
	for _, p := range particles {
		idx, changed, err := m.assign(ctx, p, regions, workers)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}
		if changed {
			result.Reassigned++
		}
		if idx < 0 {
			result.Unowned++
			continue
		}
		owned[idx] = append(owned[idx], p.ID)
	}

	for i, w := range workers {
		region, ids := regions[i], owned[i]
		if ids == nil {
			ids = []string{}
		}
		err := modifyWorker(ctx, m.store, w.ID, func(w *tank.Worker) {
			w.Region = region
			w.OwnedParticleIDs = ids
		})
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return result, err
		}
	}

	m.rebalances.Add(1)
	rebalancesTotal.Inc()
	reassignmentsTotal.WithLabelValues("rebalance").Add(float64(result.Reassigned))
	rebalanceDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("workers", result.Workers),
		attribute.Int("particles", result.Particles),
		attribute.Int("reassigned", result.Reassigned),
	)
	m.logger.Info().
		Int("workers", result.Workers).
		Int("particles", result.Particles).
		Int("reassigned", result.Reassigned).
		Int("unowned", result.Unowned).
		Msg("rebalanced tank")
	return result, nil
}

// assign gives p to the worker whose region contains its latest position.
// It re-reads on a version conflict because a publish may have moved p since
// the scan started, and returns the index of the final owner (-1 for none).
func (m *PartitionManager) assign(ctx context.Context, p tank.Particle, regions []tank.Region, workers []tank.Worker) (int, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if attempt > 0 {
			var err error
			if p, err = m.store.GetParticle(ctx, p.ID); err != nil {
				return -1, false, err
			}
		}
		idx := regionIndex(regions, p.Position)
		owner := tank.Unowned
		if idx >= 0 {
			owner = workers[idx].ID
		}
		if p.OwnerID == owner {
			return idx, false, nil
		}
		p.OwnerID = owner
		_, err := m.store.CompareAndSwapParticle(ctx, p)
		if err == nil {
			return idx, true, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return -1, false, fmt.Errorf("assign particle %s: %w", p.ID, err)
		}
	}
	return -1, false, fmt.Errorf("assign particle %s: %w", p.ID, storage.ErrVersionConflict)
}

// modifyWorker applies fn to the latest version of a worker record and
// writes it back, retrying on version conflicts.
func modifyWorker(ctx context.Context, store storage.Store, id string, fn func(*tank.Worker)) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		w, err := store.GetWorker(ctx, id)
		if err != nil {
			return err
		}
		fn(&w)
		_, err = store.CompareAndSwapWorker(ctx, w)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("update worker %s: %w", id, err)
		}
	}
	return fmt.Errorf("update worker %s: %w", id, storage.ErrVersionConflict)
}

// modifyParticle applies fn to the latest version of a particle and writes it
// back, retrying on version conflicts. fn returns false to leave the record
// untouched.
func modifyParticle(ctx context.Context, store storage.Store, id string, fn func(*tank.Particle) bool) (tank.Particle, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		p, err := store.GetParticle(ctx, id)
		if err != nil {
			return tank.Particle{}, false, err
		}
		if !fn(&p) {
			return p, false, nil
		}
		stored, err := store.CompareAndSwapParticle(ctx, p)
		if err == nil {
			return stored, true, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return tank.Particle{}, false, fmt.Errorf("update particle %s: %w", id, err)
		}
	}
	return tank.Particle{}, false, fmt.Errorf("update particle %s: %w", id, storage.ErrVersionConflict)
}
