package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slices"

	"github.com/dreamware/fishtank/internal/storage"
	"github.com/dreamware/fishtank/internal/tank"
)

// Reassignment records one particle changing hands.
type Reassignment struct {
	ParticleID string `json:"particleId"`
	From       string `json:"from"`
	To         string `json:"to"` // tank.Unowned when no region holds the particle
}

// BoundaryMonitor hands particles that drifted out of their owner's slab to
// the worker whose slab they are in now.
//
// A particle on a shared edge belongs to the slab whose start it sits on, the
// higher-index one, because slabs are half-open on their far side. A particle
// no region contains is marked unowned and left for the next rebalance or
// sweep.
type BoundaryMonitor struct {
	store  storage.Store
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewBoundaryMonitor creates a boundary monitor over store.
func NewBoundaryMonitor(store storage.Store, logger zerolog.Logger) *BoundaryMonitor {
	return &BoundaryMonitor{store: store, logger: logger, tracer: tracer}
}

// FindEscapees returns the particles owned by workerID whose position lies
// outside region.
func (b *BoundaryMonitor) FindEscapees(ctx context.Context, workerID string, region tank.Region) ([]tank.Particle, error) {
	owned, err := b.store.ParticlesOwnedBy(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("list particles of %s: %w", workerID, err)
	}
	var out []tank.Particle
	for _, p := range owned {
		if !region.Contains(p.Position) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Scan finds the escapees of one worker and reassigns each of them.
//
// An empty region means the worker's stored region. A non-empty one is used
// as given, which is how an explicit out-of-bounds report names the slab the
// worker believed it had.
//
// Returns:
//   - The ownership changes actually made
//   - tank.ErrWorkerNotFound if the worker is not registered
func (b *BoundaryMonitor) Scan(ctx context.Context, workerID string, region tank.Region) ([]Reassignment, error) {
	ctx, span := b.tracer.Start(ctx, "boundary.scan", trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer span.End()

	w, err := b.store.GetWorker(ctx, workerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", tank.ErrWorkerNotFound, workerID)
	}
	if err != nil {
		return nil, fmt.Errorf("look up worker %s: %w", workerID, err)
	}
	if region.IsZero() {
		region = w.Region
	}

	escapees, err := b.FindEscapees(ctx, workerID, region)
	if err != nil {
		return nil, err
	}

	var moves []Reassignment
	for _, p := range escapees {
		to := tank.Unowned
		target, err := b.store.WorkerContaining(ctx, p.Position)
		switch {
		case err == nil:
			to = target.ID
		case !errors.Is(err, storage.ErrNotFound):
			return moves, fmt.Errorf("locate particle %s: %w", p.ID, err)
		}
		if to == workerID {
			continue
		}
		moved, err := b.Reassign(ctx, p.ID, workerID, to)
		if err != nil {
			return moves, err
		}
		if moved {
			moves = append(moves, Reassignment{ParticleID: p.ID, From: workerID, To: to})
		}
	}

	if len(moves) > 0 {
		reassignmentsTotal.WithLabelValues("boundary").Add(float64(len(moves)))
		b.logger.Debug().Str("worker_id", workerID).Int("reassigned", len(moves)).Msg("boundary scan")
	}
	span.SetAttributes(attribute.Int("reassigned", len(moves)))
	return moves, nil
}

// Reassign moves one particle from one owner to another and keeps both
// workers' owned sets in step. It does nothing if the particle is no longer
// owned by from.
//
// Returns:
//   - true if ownership changed
func (b *BoundaryMonitor) Reassign(ctx context.Context, particleID, from, to string) (bool, error) {
	_, changed, err := modifyParticle(ctx, b.store, particleID, func(p *tank.Particle) bool {
		if p.OwnerID != from || from == to {
			return false
		}
		p.OwnerID = to
		return true
	})
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil || !changed {
		return false, err
	}

	if from != tank.Unowned {
		err := modifyWorker(ctx, b.store, from, func(w *tank.Worker) {
			w.OwnedParticleIDs = removeID(w.OwnedParticleIDs, particleID)
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return true, err
		}
	}
	if to != tank.Unowned {
		err := modifyWorker(ctx, b.store, to, func(w *tank.Worker) {
			w.OwnedParticleIDs = addID(w.OwnedParticleIDs, particleID)
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return true, err
		}
	}
	return true, nil
}

// AdoptOrphans gives every unowned particle to the worker whose region now
// contains it. Each worker's slab is queried once; regions are disjoint, so
// an orphan is offered to at most one worker.
func (b *BoundaryMonitor) AdoptOrphans(ctx context.Context) ([]Reassignment, error) {
	workers, err := b.store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	var moves []Reassignment
	for _, w := range workers {
		if w.Region.IsZero() {
			continue
		}
		inside, err := b.store.ParticlesInRegion(ctx, w.Region)
		if err != nil {
			return moves, fmt.Errorf("particles in region of %s: %w", w.ID, err)
		}
		for _, p := range inside {
			if p.Owned() {
				continue
			}
			moved, err := b.Reassign(ctx, p.ID, tank.Unowned, w.ID)
			if err != nil {
				return moves, err
			}
			if moved {
				moves = append(moves, Reassignment{ParticleID: p.ID, From: tank.Unowned, To: w.ID})
			}
		}
	}
	if len(moves) > 0 {
		reassignmentsTotal.WithLabelValues("orphan").Add(float64(len(moves)))
	}
	return moves, nil
}

// removeID returns ids without id, keeping order.
func removeID(ids []string, id string) []string {
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(ids, i, i+1)
	}
	return ids
}

// addID returns ids with id appended once.
func addID(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}
