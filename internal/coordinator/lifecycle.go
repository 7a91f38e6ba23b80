package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/fishtank/internal/storage"
	"github.com/dreamware/fishtank/internal/tank"
)

// ErrInvalidWorkerID is returned by Join for an empty worker id.
var ErrInvalidWorkerID = errors.New("worker id cannot be empty")

// LifecycleManager moves workers between ABSENT and ACTIVE and triggers a
// rebalance on every change of the worker set.
//
// Both transitions are idempotent: joining an ACTIVE worker or leaving an
// ABSENT one succeeds without touching the store.
type LifecycleManager struct {
	store      storage.Store
	partitions *PartitionManager
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// NewLifecycleManager creates a lifecycle manager that rebalances through partitions.
func NewLifecycleManager(store storage.Store, partitions *PartitionManager, logger zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		store:      store,
		partitions: partitions,
		logger:     logger,
		tracer:     tracer,
	}
}

// Join registers a worker and rebalances the tank across the new worker set.
//
// If the worker is already registered nothing changes and its current record
// is returned. A new worker starts with a zero region and no particles; the
// rebalance then gives it its slab.
//
// Returns:
//   - The worker record after the rebalance
//   - true if the worker was newly registered
//   - ErrInvalidWorkerID for an empty id
func (l *LifecycleManager) Join(ctx context.Context, workerID string) (w tank.Worker, joined bool, err error) {
	if workerID == "" {
		return tank.Worker{}, false, ErrInvalidWorkerID
	}
	ctx, span := l.tracer.Start(ctx, "lifecycle.join", trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	existing, err := l.store.GetWorker(ctx, workerID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return tank.Worker{}, false, fmt.Errorf("look up worker %s: %w", workerID, err)
	}

	_, err = l.store.InsertWorker(ctx, tank.Worker{ID: workerID, OwnedParticleIDs: []string{}})
	if errors.Is(err, storage.ErrAlreadyExists) {
		existing, err := l.store.GetWorker(ctx, workerID)
		return existing, false, err
	}
	if err != nil {
		return tank.Worker{}, false, fmt.Errorf("insert worker %s: %w", workerID, err)
	}
	l.logger.Info().Str("worker_id", workerID).Msg("worker joined")

	if _, err := l.partitions.Rebalance(ctx); err != nil {
		return tank.Worker{}, true, fmt.Errorf("rebalance after join of %s: %w", workerID, err)
	}
	w, err = l.store.GetWorker(ctx, workerID)
	if err != nil {
		return tank.Worker{}, true, fmt.Errorf("reload worker %s: %w", workerID, err)
	}
	return w, true, nil
}

// Leave deregisters a worker, releases its particles and rebalances the tank
// across the remaining workers.
//
// Released particles are first marked unowned; the rebalance then hands them
// out purely by position. Leaving an unknown worker is a no-op.
//
// Returns:
//   - true if the worker was registered and has now been removed
func (l *LifecycleManager) Leave(ctx context.Context, workerID string) (left bool, err error) {
	ctx, span := l.tracer.Start(ctx, "lifecycle.leave", trace.WithAttributes(attribute.String("worker.id", workerID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if _, err := l.store.GetWorker(ctx, workerID); errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("look up worker %s: %w", workerID, err)
	}

	owned, err := l.store.ParticlesOwnedBy(ctx, workerID)
	if err != nil {
		return false, fmt.Errorf("list particles of %s: %w", workerID, err)
	}
	for _, p := range owned {
		_, _, err := modifyParticle(ctx, l.store, p.ID, func(p *tank.Particle) bool {
			if p.OwnerID != workerID {
				return false
			}
			p.OwnerID = tank.Unowned
			return true
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("release particle %s: %w", p.ID, err)
		}
	}

	if err := l.store.DeleteWorker(ctx, workerID); err != nil {
		return false, fmt.Errorf("delete worker %s: %w", workerID, err)
	}
	l.logger.Info().Str("worker_id", workerID).Int("released", len(owned)).Msg("worker left")

	if _, err := l.partitions.Rebalance(ctx); err != nil {
		return true, fmt.Errorf("rebalance after leave of %s: %w", workerID, err)
	}
	return true, nil
}
