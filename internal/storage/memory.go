package storage

import (
	"cmp"
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/fishtank/internal/tank"
)

// MemoryStore implements Store with two in-memory maps.
// Uses sync.RWMutex for thread-safe concurrent access and hands out copies so
// callers can never mutate stored records.
type MemoryStore struct {
	mu        sync.RWMutex             // Protects both maps and seq
	particles map[string]tank.Particle // Particle records by id
	workers   map[string]tank.Worker   // Worker records by id
	seq       uint64                   // Last join sequence handed out
	now       func() time.Time
}

// NewMemoryStore creates a new empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		particles: make(map[string]tank.Particle),
		workers:   make(map[string]tank.Worker),
		now:       time.Now,
	}
}

// SetClock overrides the time source used for record timestamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// InsertParticle stores a new particle. The store sets version 0 and both
// timestamps. Returns ErrAlreadyExists if the id is taken.
func (m *MemoryStore) InsertParticle(ctx context.Context, p tank.Particle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.particles[p.ID]; exists {
		return ErrAlreadyExists
	}
	if p.CreateTime.IsZero() {
		p.CreateTime = m.now()
	}
	if p.LastUpdateTime.IsZero() {
		p.LastUpdateTime = p.CreateTime
	}
	m.particles[p.ID] = p
	return nil
}

// GetParticle retrieves a particle by id.
// Returns a copy, or ErrNotFound if it doesn't exist.
func (m *MemoryStore) GetParticle(ctx context.Context, id string) (tank.Particle, error) {
	if err := ctx.Err(); err != nil {
		return tank.Particle{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.particles[id]
	if !exists {
		return tank.Particle{}, ErrNotFound
	}
	return p, nil
}

// CompareAndSwapParticle replaces the stored particle if its version still
// equals p.Version, bumping the version and the update time.
// Returns ErrNotFound or ErrVersionConflict.
func (m *MemoryStore) CompareAndSwapParticle(ctx context.Context, p tank.Particle) (tank.Particle, error) {
	if err := ctx.Err(); err != nil {
		return tank.Particle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.particles[p.ID]
	if !exists {
		return tank.Particle{}, ErrNotFound
	}
	if stored.Version != p.Version {
		return tank.Particle{}, ErrVersionConflict
	}
	p.Version = stored.Version + 1
	p.CreateTime = stored.CreateTime
	p.LastUpdateTime = m.now()
	m.particles[p.ID] = p
	return p, nil
}

// ListParticles returns copies of every particle ordered by id.
func (m *MemoryStore) ListParticles(ctx context.Context) ([]tank.Particle, error) {
	return m.filterParticles(ctx, func(tank.Particle) bool { return true })
}

// ParticlesOwnedBy returns the particles owned by workerID, ordered by id.
// Pass tank.Unowned for the orphans.
func (m *MemoryStore) ParticlesOwnedBy(ctx context.Context, workerID string) ([]tank.Particle, error) {
	return m.filterParticles(ctx, func(p tank.Particle) bool { return p.OwnerID == workerID })
}

// ParticlesInRegion returns the particles positioned inside r, ordered by id.
func (m *MemoryStore) ParticlesInRegion(ctx context.Context, r tank.Region) ([]tank.Particle, error) {
	return m.filterParticles(ctx, func(p tank.Particle) bool { return r.Contains(p.Position) })
}

func (m *MemoryStore) filterParticles(ctx context.Context, keep func(tank.Particle) bool) ([]tank.Particle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]tank.Particle, 0, len(m.particles))
	for _, p := range m.particles {
		if keep(p) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b tank.Particle) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// InsertWorker stores a new worker with the next join sequence.
// Returns ErrAlreadyExists if the id is taken.
func (m *MemoryStore) InsertWorker(ctx context.Context, w tank.Worker) (tank.Worker, error) {
	if err := ctx.Err(); err != nil {
		return tank.Worker{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[w.ID]; exists {
		return tank.Worker{}, ErrAlreadyExists
	}
	m.seq++
	w = w.Clone()
	w.Seq = m.seq
	w.Version = 0
	w.CreateTime = m.now()
	w.LastUpdateTime = w.CreateTime
	m.workers[w.ID] = w
	return w.Clone(), nil
}

// GetWorker retrieves a worker by id.
// Returns a deep copy, or ErrNotFound if it doesn't exist.
func (m *MemoryStore) GetWorker(ctx context.Context, id string) (tank.Worker, error) {
	if err := ctx.Err(); err != nil {
		return tank.Worker{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, exists := m.workers[id]
	if !exists {
		return tank.Worker{}, ErrNotFound
	}
	return w.Clone(), nil
}

// CompareAndSwapWorker replaces the stored region and owned set if the
// stored version equals w.Version.
// Returns ErrNotFound or ErrVersionConflict.
func (m *MemoryStore) CompareAndSwapWorker(ctx context.Context, w tank.Worker) (tank.Worker, error) {
	if err := ctx.Err(); err != nil {
		return tank.Worker{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.workers[w.ID]
	if !exists {
		return tank.Worker{}, ErrNotFound
	}
	if stored.Version != w.Version {
		return tank.Worker{}, ErrVersionConflict
	}
	stored.Region = w.Region
	stored.OwnedParticleIDs = append([]string(nil), w.OwnedParticleIDs...)
	stored.Version++
	stored.LastUpdateTime = m.now()
	m.workers[w.ID] = stored
	return stored.Clone(), nil
}

// DeleteWorker removes a worker record. Deleting an unknown id is not an error.
func (m *MemoryStore) DeleteWorker(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.workers, id)
	return nil
}

// ListWorkers returns copies of every worker in join order.
func (m *MemoryStore) ListWorkers(ctx context.Context) ([]tank.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedWorkers(), nil
}

// WorkerContaining returns the worker whose region contains p.
// Returns ErrNotFound if no region does.
func (m *MemoryStore) WorkerContaining(ctx context.Context, p tank.Vec3) (tank.Worker, error) {
	if err := ctx.Err(); err != nil {
		return tank.Worker{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.sortedWorkers() {
		if w.Region.Contains(p) {
			return w, nil
		}
	}
	return tank.Worker{}, ErrNotFound
}

// sortedWorkers returns copies of all workers in join order. Callers hold mu.
func (m *MemoryStore) sortedWorkers() []tank.Worker {
	out := make([]tank.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.Clone())
	}
	slices.SortFunc(out, func(a, b tank.Worker) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// Stats counts particles, workers and unowned particles.
func (m *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return StoreStats{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := StoreStats{
		Particles: len(m.particles),
		Workers:   len(m.workers),
	}
	for _, p := range m.particles {
		if !p.Owned() {
			stats.Unowned++
		}
	}
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
