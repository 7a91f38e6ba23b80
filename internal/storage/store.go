package storage

import (
	"context"
	"errors"

	"github.com/dreamware/fishtank/internal/tank"
)

var (
	// ErrNotFound is returned when a record doesn't exist in the store
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned by inserts when the id is taken
	ErrAlreadyExists = errors.New("record already exists")

	// ErrVersionConflict is returned by compare-and-swap writes whose
	// expected version no longer matches the stored one
	ErrVersionConflict = errors.New("version conflict")
)

// Store is the authoritative state of the tank: one keyed collection of
// particles and one of workers.
// All implementations must be thread-safe for concurrent access, and every
// single-record write must be atomic.
type Store interface {
	// InsertParticle creates a particle record as given.
	// Returns ErrAlreadyExists if the id is taken.
	InsertParticle(ctx context.Context, p tank.Particle) error

	// GetParticle retrieves a particle by id.
	// Returns ErrNotFound if it doesn't exist.
	GetParticle(ctx context.Context, id string) (tank.Particle, error)

	// CompareAndSwapParticle replaces the stored particle with p if the stored
	// version equals p.Version. The stored record gets Version+1 and a fresh
	// LastUpdateTime; CreateTime is preserved. Returns the stored record.
	// Returns ErrNotFound or ErrVersionConflict.
	CompareAndSwapParticle(ctx context.Context, p tank.Particle) (tank.Particle, error)

	// ListParticles returns every particle ordered by id.
	ListParticles(ctx context.Context) ([]tank.Particle, error)

	// ParticlesOwnedBy returns the particles whose OwnerID is workerID, ordered by id.
	ParticlesOwnedBy(ctx context.Context, workerID string) ([]tank.Particle, error)

	// ParticlesInRegion returns the particles positioned inside r, ordered by id.
	ParticlesInRegion(ctx context.Context, r tank.Region) ([]tank.Particle, error)

	// InsertWorker creates a worker record. The store assigns the join
	// sequence, version 0 and both timestamps, and returns the stored record.
	// Returns ErrAlreadyExists if the id is taken.
	InsertWorker(ctx context.Context, w tank.Worker) (tank.Worker, error)

	// GetWorker retrieves a worker by id.
	// Returns ErrNotFound if it doesn't exist.
	GetWorker(ctx context.Context, id string) (tank.Worker, error)

	// CompareAndSwapWorker replaces the stored worker's region and owned set
	// with w's if the stored version equals w.Version.
	// Returns ErrNotFound or ErrVersionConflict.
	CompareAndSwapWorker(ctx context.Context, w tank.Worker) (tank.Worker, error)

	// DeleteWorker removes a worker record.
	// No error if it doesn't exist (idempotent).
	DeleteWorker(ctx context.Context, id string) error

	// ListWorkers returns every worker in join order.
	ListWorkers(ctx context.Context) ([]tank.Worker, error)

	// WorkerContaining returns the worker whose region contains p.
	// Returns ErrNotFound if no region does.
	WorkerContaining(ctx context.Context, p tank.Vec3) (tank.Worker, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (StoreStats, error)

	// Close releases any resources held by the store.
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Particles int `json:"particles"` // Number of particle records
	Workers   int `json:"workers"`   // Number of worker records
	Unowned   int `json:"unowned"`   // Particles with no owner
}
